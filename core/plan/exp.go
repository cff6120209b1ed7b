// Package plan compiles an authorized GraphQL selection or REST query-string
// into a dialect-agnostic Node tree. Nothing in this package renders SQL
// text; that is core/sqlgen's job, kept as a separate package on the other
// side of one shared dialect capability record.
package plan

import "fmt"

// ExpOp enumerates every operator a filter or row-policy expression can use:
// the scalar comparison set plus the boolean connectives — no geo, no
// full-text rank, no recursive-CTE operators.
type ExpOp int

const (
	OpNop ExpOp = iota
	OpAnd
	OpOr
	OpNot
	OpEquals
	OpNotEquals
	OpGreaterThan
	OpGreaterOrEquals
	OpLesserThan
	OpLesserOrEquals
	OpIn
	OpNotIn
	OpIsNull
	OpIsNotNull
	OpContains
	OpStartsWith
	OpEndsWith
)

func (op ExpOp) String() string {
	switch op {
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpNot:
		return "not"
	case OpEquals:
		return "eq"
	case OpNotEquals:
		return "neq"
	case OpGreaterThan:
		return "gt"
	case OpGreaterOrEquals:
		return "gte"
	case OpLesserThan:
		return "lt"
	case OpLesserOrEquals:
		return "lte"
	case OpIn:
		return "in"
	case OpNotIn:
		return "notin"
	case OpIsNull:
		return "isnull"
	case OpIsNotNull:
		return "isnotnull"
	case OpContains:
		return "contains"
	case OpStartsWith:
		return "startsWith"
	case OpEndsWith:
		return "endsWith"
	default:
		return "nop"
	}
}

// ValType distinguishes the four ways the right-hand side of a comparison
// can be bound: a column reference (for @item.x), a claim value already
// resolved to a literal (for @claims.x), a plain literal from the request,
// or a list literal for OpIn/OpNotIn.
type ValType int

const (
	ValNone ValType = iota
	ValColumn
	ValLiteral
	ValList
)

// Exp is one node of the shared filter/policy expression tree. Leaf nodes
// carry Column + Val; boolean connective nodes (And/Or/Not) carry Children
// only. The same type serves GraphQL filter args, REST $filter, and
// {policy: {database: ...}} row predicates — one compiler, one renderer.
type Exp struct {
	Op       ExpOp
	Column   string // left-hand column name, empty for And/Or/Not
	ValType  ValType
	Val      interface{}   // literal or column name, per ValType
	List     []interface{} // populated when ValType == ValList
	Children []*Exp
}

// And conjoins a and b, flattening nested Ands so the renderer never has to
// special-case a deep right-leaning chain.
func And(a, b *Exp) *Exp {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Op == OpAnd {
		a.Children = append(a.Children, b)
		return a
	}
	return &Exp{Op: OpAnd, Children: []*Exp{a, b}}
}

// Walk calls fn for e and every descendant, depth-first.
func (e *Exp) Walk(fn func(*Exp)) {
	if e == nil {
		return
	}
	fn(e)
	for _, c := range e.Children {
		c.Walk(fn)
	}
}

// ColumnsUsed returns every column name referenced anywhere in the tree,
// deduplicated — used by the planner to always-project filter/order columns
// even when the caller didn't select them.
func (e *Exp) ColumnsUsed() []string {
	seen := map[string]bool{}
	var out []string
	e.Walk(func(n *Exp) {
		if n.Column != "" && !seen[n.Column] {
			seen[n.Column] = true
			out = append(out, n.Column)
		}
		if n.ValType == ValColumn {
			if col, ok := n.Val.(string); ok && !seen[col] {
				seen[col] = true
				out = append(out, col)
			}
		}
	})
	return out
}

func (e *Exp) String() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Op {
	case OpAnd, OpOr:
		return fmt.Sprintf("(%s %v)", e.Op, e.Children)
	case OpNot:
		return fmt.Sprintf("not(%v)", e.Children[0])
	case OpIsNull, OpIsNotNull:
		return fmt.Sprintf("%s %s", e.Column, e.Op)
	default:
		return fmt.Sprintf("%s %s %v", e.Column, e.Op, e.Val)
	}
}
