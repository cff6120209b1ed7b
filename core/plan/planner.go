package plan

import (
	"fmt"

	"github.com/databridge/dataapi/core"
)

// Planner compiles authorized selections into Node trees. A Planner is
// stateless beyond its Catalog and CursorKey — one Planner per RuntimeConfig
// snapshot, discarded on reload exactly like the Metadata Provider cache it
// sits beside.
type Planner struct {
	Catalog   Catalog
	CursorKey [32]byte
}

func NewPlanner(catalog Catalog, cursorKey [32]byte) *Planner {
	return &Planner{Catalog: catalog, CursorKey: cursorKey}
}

// Plan compiles one authorized read (query) selection into a Node tree,
// recursing into nested relationships. decision is the root entity's own
// authorization verdict; authFn re-authorizes each nested entity as the
// planner descends.
func (pl *Planner) Plan(entityName string, sel Selection, decision AuthDecision, authFn AuthorizeFunc) (*Node, error) {
	if !decision.Allowed {
		return nil, fmt.Errorf("plan: %s", decision.Reason)
	}
	info, ok := pl.Catalog.Entity(entityName)
	if !ok {
		return nil, fmt.Errorf("plan: unknown entity %q", entityName)
	}

	node := &Node{
		Entity: entityName,
		Source: info.Source,
		Shape:  ShapeObject,
	}
	if sel.Plural {
		node.Shape = ShapeArray
	}

	fields := sel.Fields
	if len(fields) == 0 {
		// No explicit selection: project every column the caller's mask
		// actually allows, rather than leaving RequestedFields empty (which
		// would make the response shaper strip every column) or all of
		// info.Columns regardless of mask (which would re-request columns
		// the caller was never granted and fail authorization outright).
		fields = visibleColumns(info.Columns, decision.Mask)
	}
	for _, f := range fields {
		node.Columns = append(node.Columns, Column{Expr: f, Alias: f})
	}
	node.RequestedFields = append([]string(nil), fields...)
	node.Mask = decision.Mask

	var predicate *Exp
	if sel.PKValues != nil {
		predicate = pkPredicate(info.PrimaryKey, sel.PKValues)
	}
	filterExp, err := pl.compileFilter(sel)
	if err != nil {
		return nil, err
	}
	predicate = And(predicate, filterExp)
	predicate = And(predicate, decision.Predicate)

	orderBy := sel.OrderBy
	if len(orderBy) == 0 {
		orderBy = defaultOrder(info.PrimaryKey)
	}
	if sel.Plural && sel.GroupBy == nil {
		// A keyset cursor's predicate and its encoded endCursor are both
		// built from this exact tuple (see planPagination/CursorSpec), so any
		// two rows tying on every caller-named orderBy column would make
		// pagination skip or repeat rows unless the primary key breaks the
		// tie deterministically.
		orderBy = ensurePKTiebreak(orderBy, info.PrimaryKey)
	}
	node.OrderBy = orderBy

	if sel.Plural && sel.GroupBy != nil {
		if err := pl.planGroupBy(node, sel.GroupBy, predicate); err != nil {
			return nil, err
		}
	} else if sel.Plural {
		if err := pl.planPagination(node, sel, orderBy); err != nil {
			return nil, err
		}
	}
	if predicate != nil {
		node.Predicates = append(node.Predicates, predicate)
	}

	// Join/order/filter/cursor columns are always projected, stripped later
	// by the response shaper rather than influencing compilation.
	node.Columns = alwaysProject(node.Columns, orderBy, predicate, info.PrimaryKey)

	for _, nested := range sel.Nested {
		child, err := pl.planNested(info, nested, authFn)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}

	return node, nil
}

func (pl *Planner) compileFilter(sel Selection) (*Exp, error) {
	if sel.Filter != nil {
		return CompileGraphQLFilter(sel.Filter)
	}
	if sel.RawFilter != "" {
		return CompileODataFilter(sel.RawFilter)
	}
	return nil, nil
}

// planNested compiles one relationship navigation into a child Node, wiring
// the Join that connects it to its parent. Cardinality one becomes a JSON
// object projection; cardinality many becomes a correlated-subquery JSON
// array, including the linking-table hop for many-to-many edges.
func (pl *Planner) planNested(parent EntityInfo, nested NestedSelection, authFn AuthorizeFunc) (*Node, error) {
	rel, ok := parent.Relationships[nested.RelationshipName]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrRelationshipUnresolvable, parent.Name, nested.RelationshipName)
	}
	if rel.LinkingObject == "" && (len(rel.SourceFields) == 0 || len(rel.TargetFields) == 0) {
		return nil, fmt.Errorf("%w: %s.%s", ErrRelationshipUnresolvable, parent.Name, nested.RelationshipName)
	}

	childSel := nested.Selection
	childSel.Plural = rel.Many

	decision := authFn(rel.TargetEntity, "read", childSel.Fields)
	if !decision.Allowed {
		return nil, &authDeniedError{entity: rel.TargetEntity, reason: decision.Reason}
	}

	child, err := pl.Plan(rel.TargetEntity, childSel, decision, authFn)
	if err != nil {
		return nil, err
	}
	child.Alias = nested.RelationshipName

	if rel.LinkingObject != "" {
		child.Joins = append(child.Joins, Join{
			Kind:        JoinLinking,
			Other:       rel.TargetSource,
			LinkObject:  rel.LinkingObject,
			LinkOn:      columnsEqual(rel.LinkingSource, rel.SourceFields),
			LinkOtherOn: columnsEqual(rel.LinkingTarget, rel.TargetFields),
		})
	} else {
		child.Joins = append(child.Joins, Join{
			Kind:  JoinDirect,
			Other: rel.TargetSource,
			On:    columnsEqual(rel.SourceFields, rel.TargetFields),
		})
	}
	if !rel.Many {
		child.Shape = ShapeObject
	} else {
		child.Shape = ShapeArray
	}
	return child, nil
}

// authDeniedError lets the server boundary distinguish "planner couldn't
// compile this" from "this nested entity denied access": it unwraps to an
// AuthorizationFailed GatewayError.
type authDeniedError struct {
	entity string
	reason string
}

func (e *authDeniedError) Error() string {
	return fmt.Sprintf("authorization denied for entity %s: %s", e.entity, e.reason)
}

func (e *authDeniedError) Unwrap() error {
	ge := core.NewError(core.AuthorizationFailed, "%s", e.Error())
	ge.Entity = e.entity
	return ge
}

func columnsEqual(a, b []string) *Exp {
	root := &Exp{Op: OpAnd}
	for i := range a {
		if i >= len(b) {
			break
		}
		root.Children = append(root.Children, &Exp{
			Op: OpEquals, Column: a[i], ValType: ValColumn, Val: b[i],
		})
	}
	return root
}

func pkPredicate(pk []string, values map[string]interface{}) *Exp {
	var root *Exp
	for _, col := range pk {
		v, ok := values[col]
		if !ok {
			continue
		}
		root = And(root, &Exp{Op: OpEquals, Column: col, ValType: ValLiteral, Val: v})
	}
	return root
}

// visibleColumns returns the subset of all the caller's mask actually
// permits, preserving all's order; a nil mask means unrestricted.
func visibleColumns(all []string, mask map[string]bool) []string {
	if mask == nil {
		return all
	}
	out := make([]string, 0, len(all))
	for _, c := range all {
		if mask[c] {
			out = append(out, c)
		}
	}
	return out
}

// ensurePKTiebreak appends any primary-key column orderBy doesn't already
// name, ascending, so a plural read's ORDER BY is always a total order.
func ensurePKTiebreak(orderBy []OrderKey, pk []string) []OrderKey {
	have := map[string]bool{}
	for _, k := range orderBy {
		have[k.Column] = true
	}
	out := orderBy
	for _, c := range pk {
		if !have[c] {
			out = append(out, OrderKey{Column: c})
		}
	}
	return out
}

func defaultOrder(pk []string) []OrderKey {
	out := make([]OrderKey, len(pk))
	for i, c := range pk {
		out[i] = OrderKey{Column: c}
	}
	return out
}

// alwaysProject adds every column referenced by orderBy, the predicate
// tree, or the primary key to cols if not already present — they are
// needed for correctness (cursor encoding, join correlation) even when the
// caller never asked to see them; the response shaper strips them back out.
func alwaysProject(cols []Column, orderBy []OrderKey, predicate *Exp, pk []string) []Column {
	have := map[string]bool{}
	for _, c := range cols {
		have[c.Expr] = true
	}
	add := func(name string) {
		if name != "" && !have[name] {
			have[name] = true
			cols = append(cols, Column{Expr: name, Alias: name})
		}
	}
	for _, k := range orderBy {
		add(k.Column)
	}
	for _, c := range predicate.ColumnsUsed() {
		add(c)
	}
	for _, c := range pk {
		add(c)
	}
	return cols
}
