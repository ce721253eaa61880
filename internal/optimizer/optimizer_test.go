package optimizer

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/hmssql/core/internal/ast"
)

type fakeStats struct {
	rowCounts map[string]int64
	ndv       map[string]int64
}

func (f *fakeStats) TableRowCount(table string) (int64, bool) {
	v, ok := f.rowCounts[table]
	return v, ok
}
func (f *fakeStats) ColumnNDV(table, column string) (int64, bool) {
	v, ok := f.ndv[table+"."+column]
	return v, ok
}
func (f *fakeStats) ColumnSelectivity(table, column, op string, value float64) (float64, bool) {
	return 0, false
}
func (f *fakeStats) Correlation(table, colA, colB string) (float64, bool) { return 0, false }
func (f *fakeStats) IndexStats(table, index string) (int64, float64, bool) { return 0, 0, false }

func TestJoinOrderPrefersSmallestFirst(t *testing.T) {
	fs := &fakeStats{
		rowCounts: map[string]int64{"a": 100, "b": 10000, "c": 10},
		ndv:       map[string]int64{"b.a_id": 100, "b.c_id": 1000},
	}
	est := NewEstimator(DefaultCostModel(), fs)
	enum := NewJoinEnumerator(est)

	mk := func(table string) *Node {
		n := &Node{Kind: OpScan, Table: table, Access: AccessSeqScan}
		est.EstimateScan(n)
		return n
	}
	rels := []Relation{
		{Name: "a", Plan: mk("a")},
		{Name: "b", Plan: mk("b")},
		{Name: "c", Plan: mk("c")},
	}
	equiJoins := []EquiPair{
		{Left: ast.ColumnRef{Table: "a", Column: "id"}, Right: ast.ColumnRef{Table: "b", Column: "a_id"}},
		{Left: ast.ColumnRef{Table: "b", Column: "c_id"}, Right: ast.ColumnRef{Table: "c", Column: "id"}},
	}

	plan := enum.Enumerate(context.Background(), rels, equiJoins, nil)
	if plan == nil {
		t.Fatalf("expected a plan")
	}
	if plan.Kind != OpJoin {
		t.Fatalf("expected top node to be a join")
	}
	if plan.EstCost.Total() <= 0 {
		t.Fatalf("expected a positive estimated cost")
	}
	if plan.JoinAlgo != JoinHash {
		t.Fatalf("expected hash join at the top, got %v", plan.JoinAlgo)
	}

	// The naive in-query-order plan joins a with b first, producing a large
	// intermediate; the DP order (joining c into b first) must beat it.
	a, b, c := mk("a"), mk("b"), mk("c")
	ab := &Node{Kind: OpJoin, JoinAlgo: JoinHash, EquiJoin: equiJoins[:1], Children: []*Node{a, b}}
	est.EstimateJoin(ab, a, b)
	abc := &Node{Kind: OpJoin, JoinAlgo: JoinHash, EquiJoin: equiJoins[1:], Children: []*Node{ab, c}}
	est.EstimateJoin(abc, ab, c)
	if plan.EstCost.Total() >= abc.EstCost.Total() {
		t.Fatalf("DP plan cost %.2f should be strictly below naive order cost %.2f",
			plan.EstCost.Total(), abc.EstCost.Total())
	}
}

func TestPlanCacheRoundTrip(t *testing.T) {
	cache := NewPlanCache(2)
	snap := uuid.New()
	key := PlanCacheKey{PlanHash: "h1", ParamTypes: "int", SnapshotID: snap}
	plan := &Node{Kind: OpScan, Table: "t", EstCost: Cost{CPU: 1}}
	cache.Put(key, plan)

	got, ok := cache.Get(key)
	if !ok || got.Plan != plan {
		t.Fatalf("expected cache hit")
	}

	cache.Invalidate()
	if _, ok := cache.Get(key); ok {
		t.Fatalf("expected cache miss after invalidation")
	}
}

func TestPlanCacheEvictsLRU(t *testing.T) {
	cache := NewPlanCache(2)
	k1 := PlanCacheKey{PlanHash: "a", SnapshotID: uuid.New()}
	k2 := PlanCacheKey{PlanHash: "b", SnapshotID: uuid.New()}
	k3 := PlanCacheKey{PlanHash: "c", SnapshotID: uuid.New()}
	cache.Put(k1, &Node{Kind: OpScan})
	cache.Put(k2, &Node{Kind: OpScan})
	cache.Put(k3, &Node{Kind: OpScan}) // evicts k1 (LRU)
	if _, ok := cache.Get(k1); ok {
		t.Fatalf("expected k1 evicted")
	}
	if _, ok := cache.Get(k2); !ok {
		t.Fatalf("expected k2 still cached")
	}
}

func TestFeedbackMarksAfterStreak(t *testing.T) {
	tracker := NewFeedbackTracker()
	key := PlanCacheKey{PlanHash: "p", SnapshotID: uuid.New()}
	sample := ExecutionSample{PlanKey: key, EstRows: 10, ActualRows: 5000}
	var marked bool
	for i := 0; i < DefaultMisEstimateStreak; i++ {
		marked, _ = tracker.Record(sample)
	}
	if !marked {
		t.Fatalf("expected plan marked mis-estimated after %d consecutive bad runs", DefaultMisEstimateStreak)
	}
	if !tracker.IsMarked(key) {
		t.Fatalf("expected IsMarked true")
	}
}

func TestFeedbackResetsOnGoodRun(t *testing.T) {
	tracker := NewFeedbackTracker()
	key := PlanCacheKey{PlanHash: "q", SnapshotID: uuid.New()}
	tracker.Record(ExecutionSample{PlanKey: key, EstRows: 10, ActualRows: 5000})
	tracker.Record(ExecutionSample{PlanKey: key, EstRows: 10, ActualRows: 11})
	if tracker.IsMarked(key) {
		t.Fatalf("expected streak reset after a good run")
	}
}

func TestTransformPushdownIntoScan(t *testing.T) {
	est := NewEstimator(DefaultCostModel(), &fakeStats{rowCounts: map[string]int64{"t": 100}})
	tr := NewTransformer(est, DefaultSlack)

	scan := &Node{Kind: OpScan, Table: "t"}
	filter := &Node{
		Kind:       OpFilter,
		FilterExpr: &ast.Binary{Op: "=", Left: &ast.ColumnRef{Column: "x"}, Right: &ast.Literal{Value: ast.Value{Int: 5}}},
		Children:   []*Node{scan},
	}
	result := tr.Run(filter)
	if result.Kind != OpScan {
		t.Fatalf("expected filter pushed into scan, got kind %v", result.Kind)
	}
	if result.Predicate == nil {
		t.Fatalf("expected predicate on scan")
	}
}
