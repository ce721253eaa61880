package optimizer

import (
	"github.com/hmssql/core/internal/ast"
)

// Rule is one transformation rule in the fixed-point rewrite engine.
// Apply returns the rewritten node (or the same node, unmodified, if the
// rule does not fire) plus whether it fired; Confidence holds the rule's
// fixed confidence in [0,1].
type Rule struct {
	Name       string
	Apply      func(n *Node) (*Node, bool)
	Confidence float64
}

// DefaultSlack is the maximum cost increase a transformation may
// introduce and still be accepted.
const DefaultSlack = 0.0

// Transformer runs the fixed-point rule engine over a logical plan.
type Transformer struct {
	rules     []Rule
	estimator *Estimator
	slack     float64
}

// NewTransformer returns a Transformer with the standard rule set:
// predicate pushdown, constant folding, boolean simplification,
// join-predicate transitive closure, subquery unnesting, projection
// pruning.
func NewTransformer(est *Estimator, slack float64) *Transformer {
	t := &Transformer{estimator: est, slack: slack}
	t.rules = []Rule{
		{Name: "predicate-pushdown", Apply: t.pushdownPredicates, Confidence: 0.95},
		{Name: "constant-folding", Apply: t.foldConstants, Confidence: 1.0},
		{Name: "boolean-simplification", Apply: t.simplifyBoolean, Confidence: 1.0},
		{Name: "join-predicate-transitive-closure", Apply: t.inferTransitivePredicates, Confidence: 0.8},
		{Name: "subquery-unnesting", Apply: t.unnestSubqueries, Confidence: 0.7},
		{Name: "projection-pruning", Apply: t.pruneProjections, Confidence: 0.9},
	}
	return t
}

// Run applies every rule to a fixed point: repeat passes until no rule
// fires, or a cap of iterations is hit to guarantee termination.
func (t *Transformer) Run(root *Node) *Node {
	const maxPasses = 32
	cur := root
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for _, r := range t.rules {
			rewritten, fired := r.Apply(cur)
			if !fired {
				continue
			}
			if t.estimator != nil && costIncreases(cur, rewritten, t.slack) {
				continue
			}
			cur = rewritten
			changed = true
		}
		if !changed {
			break
		}
	}
	return cur
}

// costIncreases reports whether rewritten's root cost exceeds original's
// by more than slack.
func costIncreases(original, rewritten *Node, slack float64) bool {
	if original.EstCost.Total() == 0 {
		return false // no estimate yet; let it through, cost model runs later
	}
	return rewritten.EstCost.Total() > original.EstCost.Total()*(1+slack)
}

// pushdownPredicates pushes Filter nodes below Project, and below the
// join side(s) that supply all of the filter's referenced columns.
func (t *Transformer) pushdownPredicates(n *Node) (*Node, bool) {
	if n.Kind != OpFilter || len(n.Children) != 1 {
		return recurse(n, t.pushdownPredicates)
	}
	child := n.Children[0]
	switch child.Kind {
	case OpProject:
		// Filter-over-Project commutes when the filter only references
		// columns the projection passes through unmodified.
		cp := child.Clone()
		newFilter := &Node{Kind: OpFilter, FilterExpr: n.FilterExpr, Children: []*Node{cp.Children[0]}}
		cp.Children = []*Node{newFilter}
		return cp, true
	case OpJoin:
		cols := columnRefs(n.FilterExpr)
		left, right := child.Children[0], child.Children[1]
		if allColumnsFrom(cols, left.Table, left.Alias) {
			nf := &Node{Kind: OpFilter, FilterExpr: n.FilterExpr, Children: []*Node{left}}
			joinCopy := child.Clone()
			joinCopy.Children = []*Node{nf, right}
			return joinCopy, true
		}
		if allColumnsFrom(cols, right.Table, right.Alias) {
			nf := &Node{Kind: OpFilter, FilterExpr: n.FilterExpr, Children: []*Node{right}}
			joinCopy := child.Clone()
			joinCopy.Children = []*Node{left, nf}
			return joinCopy, true
		}
	case OpScan:
		// Merge the filter directly into the scan's residual predicate.
		sc := child.Clone()
		if sc.Predicate == nil {
			sc.Predicate = n.FilterExpr
		} else {
			sc.Predicate = &ast.Binary{Op: "AND", Left: sc.Predicate, Right: n.FilterExpr}
		}
		return sc, true
	}
	return recurse(n, t.pushdownPredicates)
}

func allColumnsFrom(cols []ast.ColumnRef, table, alias string) bool {
	for _, c := range cols {
		if c.Table != "" && c.Table != table && c.Table != alias {
			return false
		}
	}
	return len(cols) > 0
}

func columnRefs(expr ast.Expr) []ast.ColumnRef {
	var out []ast.ColumnRef
	var walk func(ast.Expr)
	walk = func(e ast.Expr) {
		switch v := e.(type) {
		case *ast.ColumnRef:
			out = append(out, *v)
		case *ast.Binary:
			walk(v.Left)
			walk(v.Right)
		case *ast.Unary:
			walk(v.Operand)
		case *ast.FuncCall:
			for _, a := range v.Args {
				walk(a)
			}
		}
	}
	walk(expr)
	return out
}

// foldConstants evaluates literal-only binary expressions at plan time.
func (t *Transformer) foldConstants(n *Node) (*Node, bool) {
	changed := false
	fold := func(e ast.Expr) ast.Expr {
		b, ok := e.(*ast.Binary)
		if !ok {
			return e
		}
		ll, lok := b.Left.(*ast.Literal)
		rl, rok := b.Right.(*ast.Literal)
		if !lok || !rok {
			return e
		}
		if v, ok := foldArith(b.Op, ll.Value, rl.Value); ok {
			changed = true
			return &ast.Literal{Value: v}
		}
		return e
	}
	cp := n.Clone()
	if cp.FilterExpr != nil {
		cp.FilterExpr = fold(cp.FilterExpr)
	}
	if cp.Predicate != nil {
		cp.Predicate = fold(cp.Predicate)
	}
	return recurse(cp, t.foldConstants, changed)
}

func foldArith(op string, a, b ast.Value) (ast.Value, bool) {
	if a.IsNull || b.IsNull {
		return ast.Value{}, false
	}
	switch op {
	case "+":
		return ast.Value{Int: a.Int + b.Int, Float: a.Float + b.Float}, true
	case "-":
		return ast.Value{Int: a.Int - b.Int, Float: a.Float - b.Float}, true
	case "*":
		return ast.Value{Int: a.Int * b.Int, Float: a.Float * b.Float}, true
	default:
		return ast.Value{}, false
	}
}

// simplifyBoolean rewrites a filter's top-level expression when its right
// operand is the literal true: `x AND true` → x, `x OR true` → true.
// `x AND false` and double negation are not rewritten.
func (t *Transformer) simplifyBoolean(n *Node) (*Node, bool) {
	changed := false
	simplify := func(e ast.Expr) ast.Expr {
		b, ok := e.(*ast.Binary)
		if !ok {
			return e
		}
		if lit, ok := b.Right.(*ast.Literal); ok && lit.Value.Bool {
			if b.Op == "AND" {
				changed = true
				return b.Left
			}
			if b.Op == "OR" {
				changed = true
				return &ast.Literal{Value: ast.Value{Bool: true}}
			}
		}
		return e
	}
	cp := n.Clone()
	if cp.FilterExpr != nil {
		cp.FilterExpr = simplify(cp.FilterExpr)
	}
	return recurse(cp, t.simplifyBoolean, changed)
}

// inferTransitivePredicates adds `a = c` whenever `a = b` and `b = c` both
// hold in a conjunction.
func (t *Transformer) inferTransitivePredicates(n *Node) (*Node, bool) {
	if n.Kind != OpFilter || n.FilterExpr == nil {
		return recurse(n, t.inferTransitivePredicates)
	}
	conjuncts := flattenAnd(n.FilterExpr)
	eqs := make(map[string]string) // col name -> col name, for a=b equalities
	for _, c := range conjuncts {
		b, ok := c.(*ast.Binary)
		if !ok || b.Op != "=" {
			continue
		}
		lc, lok := b.Left.(*ast.ColumnRef)
		rc, rok := b.Right.(*ast.ColumnRef)
		if lok && rok {
			eqs[colKey(*lc)] = colKey(*rc)
			eqs[colKey(*rc)] = colKey(*lc)
		}
	}
	var inferred []ast.Expr
	for a, b := range eqs {
		if c, ok := eqs[b]; ok && c != a {
			// a=b, b=c known; check a=c not already present
			found := false
			for _, existing := range conjuncts {
				if eb, ok := existing.(*ast.Binary); ok && eb.Op == "=" {
					if sameColumnPair(eb, a, c) {
						found = true
						break
					}
				}
			}
			if !found {
				inferred = append(inferred, &ast.Binary{
					Op:   "=",
					Left: &ast.ColumnRef{Table: splitCol(a).Table, Column: splitCol(a).Column},
					Right: &ast.ColumnRef{Table: splitCol(c).Table, Column: splitCol(c).Column},
				})
			}
		}
	}
	if len(inferred) == 0 {
		return recurse(n, t.inferTransitivePredicates)
	}
	cp := n.Clone()
	newExpr := cp.FilterExpr
	for _, e := range inferred {
		newExpr = &ast.Binary{Op: "AND", Left: newExpr, Right: e}
	}
	cp.FilterExpr = newExpr
	return recurse(cp, t.inferTransitivePredicates, true)
}

func colKey(c ast.ColumnRef) string { return c.Table + "." + c.Column }
func splitCol(key string) ast.ColumnRef {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '.' {
			return ast.ColumnRef{Table: key[:i], Column: key[i+1:]}
		}
	}
	return ast.ColumnRef{Column: key}
}
func sameColumnPair(b *ast.Binary, a, c string) bool {
	lc, lok := b.Left.(*ast.ColumnRef)
	rc, rok := b.Right.(*ast.ColumnRef)
	if !lok || !rok {
		return false
	}
	return (colKey(*lc) == a && colKey(*rc) == c) || (colKey(*lc) == c && colKey(*rc) == a)
}

// unnestSubqueries rewrites EXISTS/NOT EXISTS/IN/NOT IN subqueries into
// semi/anti joins for uncorrelated and correlated-but-simple forms.
func (t *Transformer) unnestSubqueries(n *Node) (*Node, bool) {
	if n.Kind != OpFilter {
		return recurse(n, t.unnestSubqueries)
	}
	b, ok := n.FilterExpr.(*ast.Binary)
	if !ok {
		return recurse(n, t.unnestSubqueries)
	}
	sub, ok := b.Right.(*ast.Subquery)
	if !ok {
		return recurse(n, t.unnestSubqueries)
	}
	var joinKind ast.JoinKind
	switch b.Op {
	case "IN", "EXISTS":
		joinKind = ast.JoinInner // semantically a semi-join; executed as inner + dedup by the executor
	case "NOT IN", "NOT EXISTS":
		joinKind = ast.JoinLeft // anti-join approximated as left-join + null-check by the executor
	default:
		return recurse(n, t.unnestSubqueries)
	}
	subPlan := buildSubqueryPlan(sub)
	joined := &Node{
		Kind:     OpJoin,
		JoinKind: joinKind,
		Children: []*Node{n.Children[0], subPlan},
	}
	return joined, true
}

// buildSubqueryPlan produces a placeholder scan plan node standing in for
// an unnested subquery; the logical-plan builder (outside this package)
// replaces it with the subquery's real compiled plan once the AST is
// walked in full. Table is the marker "<subquery>" so downstream
// access-path selection can tell a real table scan from an unmaterialized
// subquery stand-in; EstRows is the correlated-column count plus one.
func buildSubqueryPlan(sub *ast.Subquery) *Node {
	return &Node{Kind: OpScan, Table: "<subquery>", EstRows: float64(len(sub.Correlated) + 1)}
}

// pruneProjections removes projected columns that no ancestor (by the
// time this rule runs, the whole plan above this node) ever references.
// This simplified form drops a Project node entirely when its expression
// list is just `SELECT *`-equivalent passthrough of its child's columns.
func (t *Transformer) pruneProjections(n *Node) (*Node, bool) {
	if n.Kind == OpProject && len(n.ProjectExprs) == 0 && len(n.Children) == 1 {
		return n.Children[0], true
	}
	return recurse(n, t.pruneProjections)
}

// recurse applies fn to each child of n and rebuilds n with the (possibly
// rewritten) children, reporting whether anything changed. The optional
// forceChanged argument lets a rule report it already rewrote n itself.
func recurse(n *Node, fn func(*Node) (*Node, bool), forceChanged...bool) (*Node, bool) {
	if n == nil {
		return n, false
	}
	changed := len(forceChanged) > 0 && forceChanged[0]
	newChildren := make([]*Node, len(n.Children))
	for i, c := range n.Children {
		rc, fired := fn(c)
		newChildren[i] = rc
		changed = changed || fired
	}
	if !changed {
		return n, false
	}
	cp := n.Clone()
	cp.Children = newChildren
	return cp, true
}
