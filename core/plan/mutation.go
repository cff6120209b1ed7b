package plan

import (
	"fmt"
	"sort"
)

// PlanCreate compiles an INSERT ... RETURNING (dialect-specific OUTPUT
// clause) for item. Nested selections on the mutation's return value are
// NOT compiled here — the inserted row's primary key is only known once the
// executor runs the statement, so schema.Runtime calls PlanFollowUpRead with
// the returned PK to resolve them through the ordinary read path instead.
func (pl *Planner) PlanCreate(entityName string, item map[string]interface{}, decision AuthDecision) (*Node, error) {
	if !decision.Allowed {
		return nil, fmt.Errorf("plan: %s", decision.Reason)
	}
	info, ok := pl.Catalog.Entity(entityName)
	if !ok {
		return nil, fmt.Errorf("plan: unknown entity %q", entityName)
	}
	return &Node{
		Entity:        entityName,
		Source:        info.Source,
		Kind:          MutationCreate,
		InsertColumns: columnsFromItem(item),
		Values:        item,
		ReturnAll:     true,
		Shape:         ShapeObject,
	}, nil
}

// PlanUpdate compiles an UPDATE ... WHERE pk = @p AND <authPredicate>
// RETURNING *. Zero rows affected is not distinguishable here —
// schema.Runtime maps a zero-row result to EntityNotFound (production) or, in
// development mode, performs a PK-only probe to tell NotFound apart from a
// row that exists but fails the predicate.
func (pl *Planner) PlanUpdate(entityName string, pkValues, item map[string]interface{}, decision AuthDecision) (*Node, error) {
	if !decision.Allowed {
		return nil, fmt.Errorf("plan: %s", decision.Reason)
	}
	info, ok := pl.Catalog.Entity(entityName)
	if !ok {
		return nil, fmt.Errorf("plan: unknown entity %q", entityName)
	}
	node := &Node{
		Entity:     entityName,
		Source:     info.Source,
		Kind:       MutationUpdate,
		SetColumns: columnsFromItem(item),
		Values:     item,
		ReturnAll:  true,
		Shape:      ShapeObject,
	}
	node.Predicates = append(node.Predicates, pkPredicate(info.PrimaryKey, pkValues))
	if decision.Predicate != nil {
		node.Predicates = append(node.Predicates, decision.Predicate)
	}
	return node, nil
}

// PlanDelete compiles a DELETE ... WHERE pk = @p AND <authPredicate>
// RETURNING pk.
func (pl *Planner) PlanDelete(entityName string, pkValues map[string]interface{}, decision AuthDecision) (*Node, error) {
	if !decision.Allowed {
		return nil, fmt.Errorf("plan: %s", decision.Reason)
	}
	info, ok := pl.Catalog.Entity(entityName)
	if !ok {
		return nil, fmt.Errorf("plan: unknown entity %q", entityName)
	}
	node := &Node{
		Entity:        entityName,
		Source:        info.Source,
		Kind:          MutationDelete,
		ReturnColumns: info.PrimaryKey,
	}
	node.Predicates = append(node.Predicates, pkPredicate(info.PrimaryKey, pkValues))
	if decision.Predicate != nil {
		node.Predicates = append(node.Predicates, decision.Predicate)
	}
	return node, nil
}

// PlanUpsert compiles a single-statement upsert (an INSERT with the
// dialect's ON CONFLICT / ON DUPLICATE KEY UPDATE tail, rendered by
// core/sqlgen) for PUT (incremental=false) or PATCH (incremental=true).
// incremental only sets the Node's Kind: both kinds render the same
// statement, whose update branch sets exactly the columns present in item,
// so columns absent from item keep their stored values either way.
func (pl *Planner) PlanUpsert(entityName string, pkValues, item map[string]interface{}, decision AuthDecision, incremental bool) (*Node, error) {
	if !decision.Allowed {
		return nil, fmt.Errorf("plan: %s", decision.Reason)
	}
	info, ok := pl.Catalog.Entity(entityName)
	if !ok {
		return nil, fmt.Errorf("plan: unknown entity %q", entityName)
	}
	merged := make(map[string]interface{}, len(item)+len(pkValues))
	for k, v := range item {
		merged[k] = v
	}
	for k, v := range pkValues {
		merged[k] = v
	}
	kind := MutationUpsert
	if incremental {
		kind = MutationUpsertIncremental
	}
	return &Node{
		Entity:        entityName,
		Source:        info.Source,
		Kind:          kind,
		InsertColumns: columnsFromItem(merged),
		SetColumns:    columnsFromItem(item),
		Values:        merged,
		ConflictCols:  info.PrimaryKey,
		ReturnAll:     true,
		Shape:         ShapeObject,
	}, nil
}

// PlanExecute compiles an invocation of an Entity.source.type ==
// "stored-procedure" entity: args is the caller-supplied argument map,
// bound in sorted-name order for the same determinism reason
// columnsFromItem sorts a mutation's item.
func (pl *Planner) PlanExecute(entityName string, args map[string]interface{}, decision AuthDecision) (*Node, error) {
	if !decision.Allowed {
		return nil, fmt.Errorf("plan: %s", decision.Reason)
	}
	info, ok := pl.Catalog.Entity(entityName)
	if !ok {
		return nil, fmt.Errorf("plan: unknown entity %q", entityName)
	}
	cols := columnsFromItem(args)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Expr
	}
	return &Node{
		Entity:   entityName,
		Source:   info.Source,
		Kind:     MutationExecute,
		ProcArgs: names,
		Values:   args,
	}, nil
}

// PlanFollowUpRead compiles the ordinary read-path Node for a mutation's
// result row, given the primary key values the mutation just returned —
// the re-select step a create, update or upsert performs when nested
// selections are requested.
func (pl *Planner) PlanFollowUpRead(entityName string, pkValues map[string]interface{}, sel Selection, decision AuthDecision, authFn AuthorizeFunc) (*Node, error) {
	sel.Plural = false
	sel.PKValues = pkValues
	return pl.Plan(entityName, sel, decision, authFn)
}

// columnsFromItem builds a deterministically-ordered Column list from a
// JSON object's keys — sorted so two requests with the same logical item
// produce byte-identical compiled SQL.
func columnsFromItem(item map[string]interface{}) []Column {
	names := make([]string, 0, len(item))
	for k := range item {
		names = append(names, k)
	}
	sort.Strings(names)
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Expr: n, Alias: n}
	}
	return cols
}
