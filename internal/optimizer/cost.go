package optimizer

import (
	"math"

	"github.com/hmssql/core/internal/ast"
	"github.com/hmssql/core/internal/catalog"
	"github.com/hmssql/core/internal/stats"
)

// Cost is the abstract CPU+IO+MEM+NET cost vector.
// Calibrated once at startup via CostModel's unit weights; Total combines
// them into the single scalar the optimizer compares plans by.
type Cost struct {
	CPU, IO, MEM, NET float64
}

// Total returns the scalar cost used for plan comparison.
func (c Cost) Total() float64 { return c.CPU + c.IO + c.MEM + c.NET }

// Add returns the sum of two costs.
func (c Cost) Add(o Cost) Cost {
	return Cost{CPU: c.CPU + o.CPU, IO: c.IO + o.IO, MEM: c.MEM + o.MEM, NET: c.NET + o.NET}
}

// CostModel holds the per-unit weights calibrated once at engine startup.
type CostModel struct {
	SeqIOUnit        float64 // cost per sequential page read
	RandomIOUnit     float64 // cost per random-access tuple lookup
	CPUUnit          float64 // cost per tuple comparison/move
	MemByteUnit      float64 // cost per byte of build-side memory held
	HashMemoryBudget int64
	SortMemoryBudget int64
}

// DefaultCostModel returns the startup calibration constants (random IO
// costlier than sequential, CPU cheap per tuple).
func DefaultCostModel() CostModel {
	return CostModel{
		SeqIOUnit:        1.0,
		RandomIOUnit:     4.0,
		CPUUnit:          0.01,
		MemByteUnit:      0.0001,
		HashMemoryBudget: 64 << 20,
		SortMemoryBudget: 64 << 20,
	}
}

// StatsSource answers selectivity and cardinality questions the cost
// model needs; the Estimator depends only on this narrow interface, and
// catalogStatsSource below adapts internal/catalog and internal/stats to it.
type StatsSource interface {
	TableRowCount(table string) (int64, bool)
	ColumnNDV(table, column string) (int64, bool)
	ColumnSelectivity(table, column, op string, value float64) (float64, bool)
	Correlation(table, colA, colB string) (float64, bool)
	IndexStats(table, index string) (leafCount int64, clusteringFactor float64, ok bool)
}

// catalogStatsSource adapts internal/catalog + a snapshot lookup function
// into a StatsSource.
type catalogStatsSource struct {
	cat       *catalog.Catalog
	snapshots func(table string) (*stats.Snapshot, bool)
}

// NewCatalogStatsSource builds a StatsSource backed by the catalog's
// current snapshot pointer and a snapshot lookup callback (kept as a
// callback so optimizer does not import the snapshot store directly).
func NewCatalogStatsSource(cat *catalog.Catalog, snapshots func(table string) (*stats.Snapshot, bool)) StatsSource {
	return &catalogStatsSource{cat: cat, snapshots: snapshots}
}

func (s *catalogStatsSource) TableRowCount(table string) (int64, bool) {
	t, ok := s.cat.Table(table)
	if !ok {
		return 0, false
	}
	return t.RowCount, true
}

func (s *catalogStatsSource) ColumnNDV(table, column string) (int64, bool) {
	snap, ok := s.snapshots(table)
	if !ok {
		return 0, false
	}
	cs, ok := snap.Columns[column]
	if !ok {
		return 0, false
	}
	return cs.NDV, true
}

func (s *catalogStatsSource) ColumnSelectivity(table, column, op string, value float64) (float64, bool) {
	snap, ok := s.snapshots(table)
	if !ok {
		return 0, false
	}
	cs, ok := snap.Columns[column]
	if !ok || cs.Histogram == nil {
		return 0, false
	}
	return cs.Histogram.Selectivity(op, value), true
}

func (s *catalogStatsSource) Correlation(table, colA, colB string) (float64, bool) {
	snap, ok := s.snapshots(table)
	if !ok {
		return 0, false
	}
	return snap.Correlation(colA, colB)
}

func (s *catalogStatsSource) IndexStats(table, index string) (int64, float64, bool) {
	d, ok := s.cat.Index(table, index)
	if !ok {
		return 0, 0, false
	}
	return d.LeafCount, d.ClusteringFactor, true
}

// DefaultPredicateSelectivity is used when no histogram covers a
// predicate.
const DefaultPredicateSelectivity = 1.0 / 3.0

// Estimator computes cardinalities and costs for plan nodes using a
// CostModel and StatsSource.
type Estimator struct {
	model CostModel
	stats StatsSource
}

// NewEstimator returns an Estimator with model and a StatsSource.
func NewEstimator(model CostModel, src StatsSource) *Estimator {
	return &Estimator{model: model, stats: src}
}

// EstimateScan fills EstRows/EstCost for a base-relation scan node.
func (e *Estimator) EstimateScan(n *Node) {
	rows, ok := e.stats.TableRowCount(n.Table)
	if !ok {
		rows = 1000 // conservative default absent statistics
	}
	sel := e.predicateSelectivity(n.Table, n.Predicate)
	n.EstRows = float64(rows) * sel

	switch n.Access {
	case AccessSeqScan:
		pages := math.Max(1, float64(rows)/100) // ~100 rows/page heuristic
		n.EstCost = Cost{IO: pages * e.model.SeqIOUnit, CPU: float64(rows) * e.model.CPUUnit}
	case AccessIndexScan, AccessIndexOnlyScan:
		leafCount, clusterFactor, ok := e.stats.IndexStats(n.Table, n.IndexName)
		if !ok {
			leafCount = int64(math.Max(1, float64(rows)/100))
			clusterFactor = 1.0
		}
		matchedRows := n.EstRows
		randomLookups := matchedRows * clusterFactor
		if n.Access == AccessIndexOnlyScan {
			randomLookups = 0 // covered index: no base-row fetch
		}
		n.EstCost = Cost{
			IO:  float64(leafCount)*e.model.SeqIOUnit*0.01 + randomLookups*e.model.RandomIOUnit,
			CPU: matchedRows * e.model.CPUUnit,
		}
	case AccessBitmapOr:
		n.EstCost = Cost{IO: n.EstRows * e.model.RandomIOUnit * 0.5, CPU: n.EstRows * e.model.CPUUnit}
	}
}

// predicateSelectivity walks a conjunction of predicates and multiplies
// their individual selectivities (independence assumption, adjusted by
// correlation when available).
func (e *Estimator) predicateSelectivity(table string, expr ast.Expr) float64 {
	if expr == nil {
		return 1.0
	}
	conjuncts := flattenAnd(expr)
	sel := 1.0
	for _, c := range conjuncts {
		sel *= e.singlePredicateSelectivity(table, c)
	}
	return sel
}

func flattenAnd(expr ast.Expr) []ast.Expr {
	b, ok := expr.(*ast.Binary)
	if !ok || b.Op != "AND" {
		return []ast.Expr{expr}
	}
	return append(flattenAnd(b.Left), flattenAnd(b.Right)...)
}

func (e *Estimator) singlePredicateSelectivity(table string, expr ast.Expr) float64 {
	b, ok := expr.(*ast.Binary)
	if !ok {
		return DefaultPredicateSelectivity
	}
	col, lit, op, ok := splitColumnLiteral(b)
	if !ok {
		return DefaultPredicateSelectivity
	}
	v, ok := literalFloat(lit)
	if !ok {
		return DefaultPredicateSelectivity
	}
	if sel, ok := e.stats.ColumnSelectivity(table, col.Column, op, v); ok {
		return sel
	}
	return DefaultPredicateSelectivity
}

func splitColumnLiteral(b *ast.Binary) (ast.ColumnRef, *ast.Literal, string, bool) {
	if col, ok := b.Left.(*ast.ColumnRef); ok {
		if lit, ok := b.Right.(*ast.Literal); ok {
			return *col, lit, b.Op, true
		}
	}
	if col, ok := b.Right.(*ast.ColumnRef); ok {
		if lit, ok := b.Left.(*ast.Literal); ok {
			return *col, lit, flipOp(b.Op), true
		}
	}
	return ast.ColumnRef{}, nil, "", false
}

func flipOp(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	default:
		return op
	}
}

func literalFloat(lit *ast.Literal) (float64, bool) {
	switch {
	case lit.Value.IsNull:
		return 0, false
	default:
		if lit.Value.Float != 0 || lit.Value.Int == 0 {
			return lit.Value.Float, true
		}
		return float64(lit.Value.Int), true
	}
}

// EstimateJoin fills EstRows/EstCost for a join node given its two
// already-estimated children.
func (e *Estimator) EstimateJoin(n *Node, left, right *Node) {
	selectivity := DefaultPredicateSelectivity
	if len(n.EquiJoin) > 0 {
		minSel := 1.0
		for _, pair := range n.EquiJoin {
			ndvL, okL := e.stats.ColumnNDV(left.Table, pair.Left.Column)
			ndvR, okR := e.stats.ColumnNDV(right.Table, pair.Right.Column)
			maxNDV := math.Max(float64(ndvL), float64(ndvR))
			if !okL && !okR {
				maxNDV = math.Max(left.EstRows, right.EstRows)
			}
			if maxNDV <= 0 {
				maxNDV = 1
			}
			sel := 1.0 / maxNDV
			if corr, ok := e.stats.Correlation(left.Table, pair.Left.Column, pair.Right.Column); ok {
				sel *= math.Max(0.01, 1-math.Abs(corr))
			}
			if sel < minSel {
				minSel = sel
			}
		}
		selectivity = minSel
	}
	n.EstRows = left.EstRows * right.EstRows * selectivity
	if n.EstRows < 1 {
		n.EstRows = 1
	}

	buildSide, probeSide := left, right
	if right.EstRows < left.EstRows {
		buildSide, probeSide = right, left
	}

	switch n.JoinAlgo {
	case JoinHash:
		buildBytes := buildSide.EstRows * 64 // heuristic row width
		cost := Cost{
			CPU: (buildSide.EstRows + probeSide.EstRows) * e.model.CPUUnit,
			MEM: buildBytes * e.model.MemByteUnit,
		}
		if int64(buildBytes) > e.model.HashMemoryBudget {
			spillPartitions := math.Ceil(buildBytes / float64(e.model.HashMemoryBudget))
			cost.IO = spillPartitions * (buildSide.EstRows + probeSide.EstRows) * e.model.SeqIOUnit * 0.1
		}
		n.EstCost = cost
	case JoinMerge:
		cost := Cost{CPU: (buildSide.EstRows + probeSide.EstRows) * e.model.CPUUnit}
		// An input not already sorted on its join keys pays an explicit
		// sort before the merge.
		var leftCols, rightCols []string
		for _, p := range n.EquiJoin {
			leftCols = append(leftCols, p.Left.Column)
			rightCols = append(rightCols, p.Right.Column)
		}
		if !left.Ordering.Satisfies(Ordering{Columns: leftCols}) {
			cost.CPU += left.EstRows * math.Log2(math.Max(2, left.EstRows)) * e.model.CPUUnit
		}
		if !right.Ordering.Satisfies(Ordering{Columns: rightCols}) {
			cost.CPU += right.EstRows * math.Log2(math.Max(2, right.EstRows)) * e.model.CPUUnit
		}
		n.EstCost = cost
	case JoinNestedLoop, JoinIndexNestedLoop:
		perRow := e.model.CPUUnit
		if n.JoinAlgo == JoinIndexNestedLoop {
			n.EstCost = Cost{
				CPU: probeSide.EstRows * perRow,
				IO:  probeSide.EstRows * e.model.RandomIOUnit,
			}
		} else {
			n.EstCost = Cost{CPU: left.EstRows * right.EstRows * perRow}
		}
	}
	n.EstCost = n.EstCost.Add(left.EstCost).Add(right.EstCost)
}

// EstimateSort fills EstRows/EstCost for a sort node given its estimated
// input.
func (e *Estimator) EstimateSort(n *Node, input *Node) {
	n.EstRows = input.EstRows
	tupleSize := 64.0
	total := n.EstRows * tupleSize
	cpu := n.EstRows * math.Log2(math.Max(2, n.EstRows)) * e.model.CPUUnit
	cost := Cost{CPU: cpu}
	if total > float64(e.model.SortMemoryBudget) {
		runs := math.Ceil(total / float64(e.model.SortMemoryBudget))
		cost.IO = runs * n.EstRows * e.model.SeqIOUnit * 0.05
	}
	n.EstCost = cost.Add(input.EstCost)
}
