package exec

import (
	"math"
	"testing"
)

// aggFixture returns (group, value) rows covering two groups, a NULL
// value, and enough spread to distinguish MIN/MAX from SUM/AVG.
func aggFixture() []Row {
	return []Row{
		{{Int: 1}, {Float: 10}},
		{{Int: 1}, {Float: 20}},
		{{Int: 1}, {IsNull: true}},
		{{Int: 2}, {Float: 5}},
	}
}

func aggExprs() []AggExpr {
	return []AggExpr{
		{Func: AggCountStar, OutputCol: "n"},
		{Func: AggCount, Column: 1, OutputCol: "cnt"},
		{Func: AggSum, Column: 1, OutputCol: "sum"},
		{Func: AggAvg, Column: 1, OutputCol: "avg"},
		{Func: AggMin, Column: 1, OutputCol: "min"},
		{Func: AggMax, Column: 1, OutputCol: "max"},
	}
}

func checkAggRows(t *testing.T, rows []Row) {
	t.Helper()
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(rows))
	}
	byGroup := make(map[int64]Row, 2)
	for _, r := range rows {
		byGroup[r[0].Int] = r
	}

	g1, ok := byGroup[1]
	if !ok {
		t.Fatal("missing group 1")
	}
	// columns: group, countstar, count, sum, avg, min, max
	if g1[1].Int != 3 {
		t.Fatalf("COUNT(*) for group 1 = %d, want 3", g1[1].Int)
	}
	if g1[2].Int != 2 {
		t.Fatalf("COUNT(v) for group 1 = %d, want 2 (NULL skipped)", g1[2].Int)
	}
	if g1[3].Float != 30 {
		t.Fatalf("SUM for group 1 = %v, want 30", g1[3].Float)
	}
	if math.Abs(g1[4].Float-15) > 1e-9 {
		t.Fatalf("AVG for group 1 = %v, want 15 (NULL excluded)", g1[4].Float)
	}
	if g1[5].Float != 10 || g1[6].Float != 20 {
		t.Fatalf("MIN/MAX for group 1 = %v/%v, want 10/20", g1[5].Float, g1[6].Float)
	}

	g2, ok := byGroup[2]
	if !ok {
		t.Fatal("missing group 2")
	}
	if g2[1].Int != 1 || g2[3].Float != 5 {
		t.Fatalf("group 2 countstar/sum = %d/%v, want 1/5", g2[1].Int, g2[3].Float)
	}
}

func TestHashAggregateGroupsAndSkipsNulls(t *testing.T) {
	schema := Schema{{Name: "g", Type: "bigint"}, {Name: "v", Type: "float64"}}
	src := &fakeSource{schema: schema, rows: aggFixture(), batch: 2}
	agg := NewHashAggregate(src, []int{0}, aggExprs(), 8)
	checkAggRows(t, collectRows(t, agg))
}

func TestStreamAggregateMatchesHashOnSortedInput(t *testing.T) {
	schema := Schema{{Name: "g", Type: "bigint"}, {Name: "v", Type: "float64"}}
	// aggFixture is already sorted by group key.
	src := &fakeSource{schema: schema, rows: aggFixture(), batch: 1}
	agg := NewStreamAggregate(src, []int{0}, aggExprs(), 8)
	checkAggRows(t, collectRows(t, agg))
}

func TestAggregateEmptyGroupResults(t *testing.T) {
	s := &aggState{}
	if v := s.result(AggSum); !v.IsNull {
		t.Fatal("SUM over no rows should be NULL")
	}
	if v := s.result(AggAvg); !v.IsNull {
		t.Fatal("AVG over no rows should be NULL")
	}
	if v := s.result(AggCount); v.Int != 0 {
		t.Fatalf("COUNT over no rows = %d, want 0", v.Int)
	}
}

func TestKahanSumStaysStable(t *testing.T) {
	var k kahanSum
	// 1e16 + many tiny additions loses every tiny term under naive float
	// summation; Kahan compensation keeps them.
	k.add(1e16)
	for i := 0; i < 1000; i++ {
		k.add(1)
	}
	if k.sum != 1e16+1000 {
		t.Fatalf("kahan sum = %v, want %v", k.sum, 1e16+1000.0)
	}
}
