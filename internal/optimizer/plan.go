// Package optimizer turns a logical plan (built from an internal/ast
// statement) into a physical plan: rule-based rewriting, access-path
// selection, Selinger-style join enumeration, a cost model, a bounded
// plan cache, and an adaptive feedback loop.
package optimizer

import (
	"github.com/hmssql/core/internal/ast"
)

// OpKind identifies a logical or physical plan node's operator shape.
type OpKind int

const (
	OpScan OpKind = iota
	OpFilter
	OpProject
	OpJoin
	OpAggregate
	OpSort
	OpSetOp
	OpLimit
)

func (k OpKind) String() string {
	switch k {
	case OpScan:
		return "Scan"
	case OpFilter:
		return "Filter"
	case OpProject:
		return "Project"
	case OpJoin:
		return "Join"
	case OpAggregate:
		return "Aggregate"
	case OpSort:
		return "Sort"
	case OpSetOp:
		return "SetOp"
	case OpLimit:
		return "Limit"
	default:
		return "Unknown"
	}
}

// AccessPath identifies how a base-relation scan reads its rows.
type AccessPath int

const (
	AccessSeqScan AccessPath = iota
	AccessIndexScan
	AccessIndexOnlyScan
	AccessBitmapOr
)

// JoinAlgo identifies the physical join implementation chosen for a join
// node.
type JoinAlgo int

const (
	JoinNestedLoop JoinAlgo = iota
	JoinHash
	JoinMerge
	JoinIndexNestedLoop
)

// SetOpKind identifies UNION/INTERSECT/EXCEPT.
type SetOpKind int

const (
	SetUnion SetOpKind = iota
	SetUnionAll
	SetIntersect
	SetExcept
)

// Ordering describes an "interesting ordering" an operator's output
// carries: the column list it is sorted by.
type Ordering struct {
	Columns []string
}

// Satisfies reports whether this ordering satisfies a required ordering
// (a prefix match suffices for the required columns).
func (o Ordering) Satisfies(required Ordering) bool {
	if len(required.Columns) == 0 {
		return true
	}
	if len(o.Columns) < len(required.Columns) {
		return false
	}
	for i, c := range required.Columns {
		if o.Columns[i] != c {
			return false
		}
	}
	return true
}

// Node is one node of a logical or physical plan tree. The same shape
// serves both stages: Access/JoinAlgo/SetOp are zero-valued until
// access-path selection and join enumeration fill them in.
type Node struct {
	Kind OpKind

	// Scan
	Table     string
	Alias     string
	Access    AccessPath
	IndexName string
	Predicate ast.Expr // pushed-down residual predicate for a scan

	// Filter
	FilterExpr ast.Expr

	// Project
	ProjectExprs []ast.Expr
	ProjectNames []string

	// Join
	JoinAlgo   JoinAlgo
	JoinKind   ast.JoinKind
	JoinExpr   ast.Expr
	EquiJoin   []EquiPair

	// Aggregate
	GroupBy  []ast.Expr
	Aggs     []AggSpec
	Streamed bool // true when input is already sorted by GroupBy

	// Sort
	SortBy []ast.OrderByItem

	// SetOp
	SetOp SetOpKind

	// Limit
	Limit  *int64
	Offset *int64

	Children []*Node

	// Estimated/actual cardinality and cost, filled by the cost model and
	// (for actuals) the adaptive feedback loop.
	EstRows  float64
	EstCost  Cost
	Ordering Ordering
}

// EquiPair is one equality join predicate decomposed into its two sides.
type EquiPair struct {
	Left, Right ast.ColumnRef
}

// AggKind enumerates the supported aggregate functions.
type AggKind int

const (
	AggCount AggKind = iota
	AggSum
	AggAvg
	AggMin
	AggMax
)

// AggSpec is one aggregate computed by an Aggregate node.
type AggSpec struct {
	Kind   AggKind
	Arg    ast.Expr
	Output string
}

// Clone returns a shallow copy of n with its own Children slice, used by
// the transform rule engine so rewrites never mutate a plan another rule
// is still inspecting.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Children = append([]*Node(nil), n.Children...)
	return &cp
}
