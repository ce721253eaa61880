package optimizer

import (
	"github.com/hmssql/core/internal/ast"
	"github.com/hmssql/core/internal/catalog"
)

// Candidate is one enumerated access path for a base relation, with its
// estimated plan node attached.
type Candidate struct {
	Plan     *Node
	Ordering Ordering
}

// AccessPathSelector enumerates and costs access-path candidates for base
// relations: full scan, index scan, index-only scan, bitmap-OR.
type AccessPathSelector struct {
	cat *catalog.Catalog
	est *Estimator
}

// NewAccessPathSelector returns a selector bound to a catalog (for index
// descriptors) and an Estimator (for costing).
func NewAccessPathSelector(cat *catalog.Catalog, est *Estimator) *AccessPathSelector {
	return &AccessPathSelector{cat: cat, est: est}
}

// Select enumerates every candidate access path for a table+predicate,
// costs each, and returns the cheapest overall plus (if different) the
// cheapest one that preserves interestingOrder.
func (s *AccessPathSelector) Select(table, alias string, predicate ast.Expr, interestingOrder Ordering) (best *Candidate, bestOrdered *Candidate) {
	candidates := s.enumerate(table, alias, predicate)
	for _, c := range candidates {
		if best == nil || c.Plan.EstCost.Total() < best.Plan.EstCost.Total() {
			best = c
		}
		if c.Ordering.Satisfies(interestingOrder) {
			if bestOrdered == nil || c.Plan.EstCost.Total() < bestOrdered.Plan.EstCost.Total() {
				bestOrdered = c
			}
		}
	}
	return best, bestOrdered
}

func (s *AccessPathSelector) enumerate(table, alias string, predicate ast.Expr) []*Candidate {
	var out []*Candidate

	seqScan := &Node{Kind: OpScan, Table: table, Alias: alias, Access: AccessSeqScan, Predicate: predicate}
	s.est.EstimateScan(seqScan)
	out = append(out, &Candidate{Plan: seqScan})

	for _, idx := range s.cat.IndexesOn(table) {
		if !predicateCoversIndexPrefix(predicate, idx.Columns) {
			continue
		}
		scan := &Node{
			Kind: OpScan, Table: table, Alias: alias,
			Access: AccessIndexScan, IndexName: idx.Name, Predicate: predicate,
		}
		s.est.EstimateScan(scan)
		out = append(out, &Candidate{Plan: scan, Ordering: Ordering{Columns: idx.Columns}})

		if isCoveringPredicate(predicate, idx.Columns) {
			ioScan := &Node{
				Kind: OpScan, Table: table, Alias: alias,
				Access: AccessIndexOnlyScan, IndexName: idx.Name, Predicate: predicate,
			}
			s.est.EstimateScan(ioScan)
			out = append(out, &Candidate{Plan: ioScan, Ordering: Ordering{Columns: idx.Columns}})
		}
	}

	if disjuncts := splitOr(predicate); len(disjuncts) > 1 && allSelective(disjuncts) {
		bitmap := &Node{Kind: OpScan, Table: table, Alias: alias, Access: AccessBitmapOr, Predicate: predicate}
		s.est.EstimateScan(bitmap)
		out = append(out, &Candidate{Plan: bitmap})
	}
	return out
}

// predicateCoversIndexPrefix reports whether predicate references the
// index's leading column, making the index usable for range/equality
// lookups.
func predicateCoversIndexPrefix(predicate ast.Expr, cols []string) bool {
	if len(cols) == 0 {
		return false
	}
	for _, c := range columnRefs(predicate) {
		if c.Column == cols[0] {
			return true
		}
	}
	return false
}

// isCoveringPredicate reports whether every column the predicate (and,
// in a full builder, the projection) references is in the index's
// column list, allowing an index-only scan.
func isCoveringPredicate(predicate ast.Expr, cols []string) bool {
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[c] = true
	}
	for _, c := range columnRefs(predicate) {
		if !set[c.Column] {
			return false
		}
	}
	return true
}

// splitOr decomposes a top-level disjunction into its branches.
func splitOr(expr ast.Expr) []ast.Expr {
	b, ok := expr.(*ast.Binary)
	if !ok || b.Op != "OR" {
		return []ast.Expr{expr}
	}
	return append(splitOr(b.Left), splitOr(b.Right)...)
}

// allSelective is a conservative heuristic: bitmap-OR is only worth
// considering when every branch is a simple column comparison.
func allSelective(branches []ast.Expr) bool {
	for _, b := range branches {
		if bin, ok := b.(*ast.Binary); !ok || bin.Op == "OR" {
			return false
		}
	}
	return true
}
