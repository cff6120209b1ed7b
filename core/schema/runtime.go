package schema

import (
	"context"
	"crypto/sha256"
	"encoding/json"

	"github.com/databridge/dataapi/conf"
	"github.com/databridge/dataapi/core"
	"github.com/databridge/dataapi/core/authz"
	"github.com/databridge/dataapi/core/dialect"
	"github.com/databridge/dataapi/core/exec"
	"github.com/databridge/dataapi/core/plan"
	"github.com/databridge/dataapi/core/shape"
	"github.com/databridge/dataapi/core/sqlgen"
)

// CursorKey derives the AES-GCM key that seals and opens this snapshot's
// keyset pagination cursors from its configured secret. Hashing down to a
// fixed 32 bytes means an operator can configure a secret of any length.
func CursorKey(rc *conf.RuntimeConfig) [32]byte {
	return sha256.Sum256([]byte(rc.SecretKey))
}

// Runtime wires C4 (authz) through C7 (shape) together for one config
// snapshot — the server's GraphQL resolver and REST handler both drive
// requests through the same Runtime instead of duplicating the
// authorize-plan-render-execute-shape pipeline twice.
type Runtime struct {
	RC       *conf.RuntimeConfig
	Catalog  plan.MapCatalog
	Authz    *authz.Resolver
	Planner  *plan.Planner
	Renderer *sqlgen.Renderer
	Executor *exec.Executor
	Shaper   *shape.Shaper
}

// NewRuntime assembles a Runtime for one published snapshot. cursorKey
// seals and opens that snapshot's pagination cursors. A config reload
// builds a brand new Runtime, but CursorKey derives the key from
// secret_key alone, so a cursor minted against one snapshot stays valid
// against the next unless secret_key changed.
func NewRuntime(rc *conf.RuntimeConfig, catalog plan.MapCatalog, executor *exec.Executor, cursorKey [32]byte) *Runtime {
	return &Runtime{
		RC:       rc,
		Catalog:  catalog,
		Authz:    authz.New(rc),
		Planner:  plan.NewPlanner(catalog, cursorKey),
		Renderer: sqlgen.New(dialect.Lookup(rc.DataSource.Kind)),
		Executor: executor,
		Shaper:   shape.New(cursorKey),
	}
}

// isDevMode reports whether this snapshot runs in development mode, where
// a mutation that affects zero rows is allowed a cheap PK-only existence
// probe to distinguish EntityNotFound from AuthorizationFailed. Production
// mode never performs that probe.
func (rt *Runtime) isDevMode() bool {
	return rt.RC.Runtime.Host.Mode == conf.ModeDevelopment
}

// authorize runs C4 for one (entity, action) pair and converts the verdict
// to the planner-facing AuthDecision shape.
func (rt *Runtime) authorize(principal core.Principal, entity string, action conf.ActionName, requestedColumns []string) (plan.AuthDecision, error) {
	info, ok := rt.Catalog.Entity(entity)
	if !ok {
		return plan.AuthDecision{}, core.NewError(core.EntityNotFound, "unknown entity %q", entity)
	}
	d := rt.Authz.Authorize(principal, entity, action, requestedColumns, info.Columns)
	if !d.Allowed {
		return plan.AuthDecision{}, d.ToError(entity)
	}
	return plan.AuthDecision{Allowed: d.Allowed, Reason: d.Reason, Mask: d.Mask, Predicate: d.Predicate}, nil
}

// authFn adapts authorize into the plan.AuthorizeFunc callback the planner
// invokes as it descends into nested relationships — a child subquery
// authorizes against the child entity's own decision, not the parent's.
// A denied nested entity is reported via the returned AuthDecision's
// Allowed=false/Reason, which the planner turns into an authDeniedError —
// this callback itself never returns an error.
func (rt *Runtime) authFn(principal core.Principal) plan.AuthorizeFunc {
	return func(entity string, action string, requestedColumns []string) plan.AuthDecision {
		d, err := rt.authorize(principal, entity, conf.ActionName(action), requestedColumns)
		if err != nil {
			return plan.AuthDecision{Reason: err.Error()}
		}
		return d
	}
}

// QueryObject runs a singular (by-PK or to-one) read to completion.
func (rt *Runtime) QueryObject(ctx context.Context, principal core.Principal, entity string, sel plan.Selection) (map[string]interface{}, error) {
	sel.Plural = false
	decision, err := rt.authorize(principal, entity, conf.ActionRead, sel.Fields)
	if err != nil {
		return nil, err
	}
	node, err := rt.Planner.Plan(entity, sel, decision, rt.authFn(principal))
	if err != nil {
		return nil, planError(err)
	}
	doc, err := rt.runRead(ctx, entity, node)
	if err != nil {
		return nil, err
	}
	row, err := rt.Shaper.ShapeObject(doc, node)
	if err != nil {
		return nil, core.WrapError(core.UnexpectedError, err, "shape result")
	}
	if row == nil {
		return nil, core.NewError(core.EntityNotFound, "%s not found", entity)
	}
	return row, nil
}

// QueryPage runs a plural (connection) read to completion.
func (rt *Runtime) QueryPage(ctx context.Context, principal core.Principal, entity string, sel plan.Selection) (shape.Page, error) {
	sel.Plural = true
	decision, err := rt.authorize(principal, entity, conf.ActionRead, sel.Fields)
	if err != nil {
		return shape.Page{}, err
	}
	node, err := rt.Planner.Plan(entity, sel, decision, rt.authFn(principal))
	if err != nil {
		return shape.Page{}, planError(err)
	}
	doc, err := rt.runRead(ctx, entity, node)
	if err != nil {
		return shape.Page{}, err
	}
	return rt.Shaper.ShapePage(doc, node)
}

// QueryGroupBy runs a plural aggregation read to completion.
func (rt *Runtime) QueryGroupBy(ctx context.Context, principal core.Principal, entity string, sel plan.Selection) ([]map[string]interface{}, error) {
	sel.Plural = true
	decision, err := rt.authorize(principal, entity, conf.ActionRead, sel.Fields)
	if err != nil {
		return nil, err
	}
	node, err := rt.Planner.Plan(entity, sel, decision, rt.authFn(principal))
	if err != nil {
		return nil, planError(err)
	}
	doc, err := rt.runRead(ctx, entity, node)
	if err != nil {
		return nil, err
	}
	return rt.Shaper.ShapeGroupBy(doc, node)
}

func (rt *Runtime) runRead(ctx context.Context, entity string, node *plan.Node) (*string, error) {
	rendered, err := rt.Renderer.Render(node)
	if err != nil {
		return nil, core.WrapError(core.UnexpectedError, err, "render query")
	}
	return rt.Executor.RunRead(ctx, entity, rendered)
}

// Create plans and executes an insert. When sel has no nested selections
// the row document the insert returned is used as is, cut down to
// sel.Fields; otherwise the row is re-selected by primary key through the
// ordinary read path (see followUpRead) so nested selections resolve.
func (rt *Runtime) Create(ctx context.Context, principal core.Principal, entity string, item map[string]interface{}, sel plan.Selection) (map[string]interface{}, error) {
	decision, err := rt.authorize(principal, entity, conf.ActionCreate, keysOf(item))
	if err != nil {
		return nil, err
	}
	node, err := rt.Planner.PlanCreate(entity, item, decision)
	if err != nil {
		return nil, planError(err)
	}
	rendered, err := rt.Renderer.Render(node)
	if err != nil {
		return nil, core.WrapError(core.UnexpectedError, err, "render create")
	}
	doc, affected, err := rt.Executor.RunMutation(ctx, entity, rendered, node.ReturnAll)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, core.NewError(core.DatabaseOperationFailed, "%s insert affected no rows", entity)
	}
	return rt.followUpRead(ctx, principal, entity, doc, sel)
}

// Update plans an UPDATE and re-selects the row. Production mode (the
// caller's decision.Predicate already reflects the row policy) collapses a
// row that exists-but-fails-the-policy and a row that doesn't exist at all
// into the same zero-rows-affected outcome — both report EntityNotFound. In
// development mode, Runtime probes separately via notFoundOrForbidden so
// the caller sees Forbidden distinctly from NotFound.
func (rt *Runtime) Update(ctx context.Context, principal core.Principal, entity string, pkValues, item map[string]interface{}, sel plan.Selection, devMode bool) (map[string]interface{}, error) {
	decision, err := rt.authorize(principal, entity, conf.ActionUpdate, keysOf(item))
	if err != nil {
		return nil, err
	}
	node, err := rt.Planner.PlanUpdate(entity, pkValues, item, decision)
	if err != nil {
		return nil, planError(err)
	}
	rendered, err := rt.Renderer.Render(node)
	if err != nil {
		return nil, core.WrapError(core.UnexpectedError, err, "render update")
	}
	doc, affected, err := rt.Executor.RunMutation(ctx, entity, rendered, node.ReturnAll)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, rt.notFoundOrForbidden(ctx, entity, pkValues, devMode)
	}
	return rt.followUpRead(ctx, principal, entity, doc, sel)
}

// Delete plans and executes a DELETE, applying the same
// NotFound/Forbidden collapse rule as Update.
func (rt *Runtime) Delete(ctx context.Context, principal core.Principal, entity string, pkValues map[string]interface{}, devMode bool) error {
	decision, err := rt.authorize(principal, entity, conf.ActionDelete, nil)
	if err != nil {
		return err
	}
	node, err := rt.Planner.PlanDelete(entity, pkValues, decision)
	if err != nil {
		return planError(err)
	}
	rendered, err := rt.Renderer.Render(node)
	if err != nil {
		return core.WrapError(core.UnexpectedError, err, "render delete")
	}
	_, affected, err := rt.Executor.RunMutation(ctx, entity, rendered, false)
	if err != nil {
		return err
	}
	if affected == 0 {
		return rt.notFoundOrForbidden(ctx, entity, pkValues, devMode)
	}
	return nil
}

// Upsert plans a single-statement PUT (incremental=false) or PATCH
// (incremental=true) and re-selects the row.
func (rt *Runtime) Upsert(ctx context.Context, principal core.Principal, entity string, pkValues, item map[string]interface{}, sel plan.Selection, incremental bool) (map[string]interface{}, error) {
	action := conf.ActionUpdate
	if !incremental {
		action = conf.ActionCreate
	}
	decision, err := rt.authorize(principal, entity, action, keysOf(item))
	if err != nil {
		return nil, err
	}
	node, err := rt.Planner.PlanUpsert(entity, pkValues, item, decision, incremental)
	if err != nil {
		return nil, planError(err)
	}
	rendered, err := rt.Renderer.Render(node)
	if err != nil {
		return nil, core.WrapError(core.UnexpectedError, err, "render upsert")
	}
	doc, affected, err := rt.Executor.RunMutation(ctx, entity, rendered, node.ReturnAll)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, core.NewError(core.DatabaseOperationFailed, "%s upsert affected no rows", entity)
	}
	return rt.followUpRead(ctx, principal, entity, doc, sel)
}

// MutationKind distinguishes the write operation a MutationOp requests —
// its own small enum rather than conf.ActionName, since "upsert" and
// "patch" (incremental upsert) have no authorization action of their own:
// upsert is authorized as create and patch as update, and both render
// through the same upsert statement.
type MutationKind string

const (
	OpCreate            MutationKind = "create"
	OpUpdate            MutationKind = "update"
	OpUpsert            MutationKind = "upsert"
	OpUpsertIncremental MutationKind = "patch"
	OpDelete            MutationKind = "delete"
)

// MutationOp is one write inside a batched multi-mutation request.
type MutationOp struct {
	Entity   string
	Kind     MutationKind
	PKValues map[string]interface{}
	Item     map[string]interface{}
	Sel      plan.Selection
}

// MutationResult is one MutationOp's outcome: Row for create/update/upsert,
// Deleted for a delete (which has no row to return).
type MutationResult struct {
	Row     map[string]interface{}
	Deleted bool
}

// MultiMutate compiles and runs ops as a single all-or-nothing transaction —
// the batched mutation path spec §4.5 requires when
// runtime.graphql.multiple-mutations is enabled: "multiple mutations ...
// compile into a single transaction; all-or-nothing commit". Every op
// authorizes and plans independently (so one op's permission denial fails
// the whole batch before any statement runs), then all rendered statements
// execute inside the one transaction Executor.RunMultiMutation opens; a
// failure partway through rolls every prior statement in the batch back
// too. Follow-up reads (re-selecting a row's full requested shape) happen
// after commit, exactly as the single-mutation paths already do.
func (rt *Runtime) MultiMutate(ctx context.Context, principal core.Principal, ops []MutationOp) ([]MutationResult, error) {
	if !rt.RC.Runtime.GraphQL.MultipleMutations {
		return nil, core.NewError(core.BadRequest, "runtime.graphql.multiple-mutations is disabled")
	}
	if len(ops) == 0 {
		return nil, nil
	}

	nodes := make([]*plan.Node, len(ops))
	rendered := make([]sqlgen.Rendered, len(ops))
	expectReturning := make([]bool, len(ops))

	for i, op := range ops {
		node, err := rt.planMutationOp(principal, op)
		if err != nil {
			return nil, err
		}
		r, err := rt.Renderer.Render(node)
		if err != nil {
			return nil, core.WrapError(core.UnexpectedError, err, "render mutation %d", i)
		}
		nodes[i] = node
		rendered[i] = r
		expectReturning[i] = node.ReturnAll
	}

	batchEntity := ops[0].Entity
	docs, affected, err := rt.Executor.RunMultiMutation(ctx, batchEntity, rendered, expectReturning)
	if err != nil {
		return nil, err
	}

	results := make([]MutationResult, len(ops))
	for i, op := range ops {
		if op.Kind == OpDelete {
			if affected[i] == 0 {
				return nil, rt.notFoundOrForbidden(ctx, op.Entity, op.PKValues, rt.isDevMode())
			}
			results[i] = MutationResult{Deleted: true}
			continue
		}
		if affected[i] == 0 {
			return nil, core.NewError(core.DatabaseOperationFailed, "%s mutation %d affected no rows", op.Entity, i)
		}
		row, err := rt.followUpRead(ctx, principal, op.Entity, docs[i], op.Sel)
		if err != nil {
			return nil, err
		}
		results[i] = MutationResult{Row: row}
	}
	return results, nil
}

// planMutationOp authorizes and compiles one MutationOp, dispatching to the
// same per-kind planner entry points the single-mutation REST/GraphQL paths
// use.
func (rt *Runtime) planMutationOp(principal core.Principal, op MutationOp) (*plan.Node, error) {
	switch op.Kind {
	case OpCreate:
		decision, err := rt.authorize(principal, op.Entity, conf.ActionCreate, keysOf(op.Item))
		if err != nil {
			return nil, err
		}
		return rt.Planner.PlanCreate(op.Entity, op.Item, decision)
	case OpUpdate:
		decision, err := rt.authorize(principal, op.Entity, conf.ActionUpdate, keysOf(op.Item))
		if err != nil {
			return nil, err
		}
		return rt.Planner.PlanUpdate(op.Entity, op.PKValues, op.Item, decision)
	case OpDelete:
		decision, err := rt.authorize(principal, op.Entity, conf.ActionDelete, nil)
		if err != nil {
			return nil, err
		}
		return rt.Planner.PlanDelete(op.Entity, op.PKValues, decision)
	case OpUpsert, OpUpsertIncremental:
		incremental := op.Kind == OpUpsertIncremental
		action := conf.ActionCreate
		if incremental {
			action = conf.ActionUpdate
		}
		decision, err := rt.authorize(principal, op.Entity, action, keysOf(op.Item))
		if err != nil {
			return nil, err
		}
		return rt.Planner.PlanUpsert(op.Entity, op.PKValues, op.Item, decision, incremental)
	default:
		return nil, core.NewError(core.BadRequest, "unknown mutation op kind %q", op.Kind)
	}
}

// Execute invokes an Entity.source.type == "stored-procedure" entity and
// returns its result set as a plain row slice — no response shaping
// applies, since there is no Node column list to mask against; the
// procedure's own projection is the contract.
func (rt *Runtime) Execute(ctx context.Context, principal core.Principal, entity string, args map[string]interface{}) ([]map[string]interface{}, error) {
	decision, err := rt.authorize(principal, entity, conf.ActionExecute, nil)
	if err != nil {
		return nil, err
	}
	node, err := rt.Planner.PlanExecute(entity, args, decision)
	if err != nil {
		return nil, planError(err)
	}
	rendered, err := rt.Renderer.Render(node)
	if err != nil {
		return nil, core.WrapError(core.UnexpectedError, err, "render procedure call")
	}
	doc, err := rt.Executor.RunProcedure(ctx, entity, rendered)
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	if doc != nil {
		if err := json.Unmarshal([]byte(*doc), &rows); err != nil {
			return nil, core.WrapError(core.UnexpectedError, err, "parse procedure result")
		}
	}
	return rows, nil
}

// followUpRead re-selects a mutation's affected row through the ordinary
// read path: when the dialect returned the row directly (RETURNING/OUTPUT)
// and the caller asked for no nested selections, the returned document is
// reshaped in place; otherwise the row's primary key is extracted from it
// and a fresh PlanFollowUpRead compiles the full requested shape.
func (rt *Runtime) followUpRead(ctx context.Context, principal core.Principal, entity string, doc *string, sel plan.Selection) (map[string]interface{}, error) {
	if doc == nil {
		return nil, core.NewError(core.DatabaseOperationFailed, "%s mutation returned no row", entity)
	}
	if len(sel.Nested) == 0 {
		var row map[string]interface{}
		if err := json.Unmarshal([]byte(*doc), &row); err != nil {
			return nil, core.WrapError(core.UnexpectedError, err, "parse mutation result")
		}
		return filterFields(row, sel.Fields), nil
	}

	info, ok := rt.Catalog.Entity(entity)
	if !ok {
		return nil, core.NewError(core.EntityNotFound, "unknown entity %q", entity)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(*doc), &raw); err != nil {
		return nil, core.WrapError(core.UnexpectedError, err, "parse mutation result")
	}
	pkValues := map[string]interface{}{}
	for _, col := range info.PrimaryKey {
		pkValues[col] = raw[col]
	}

	decision, err := rt.authorize(principal, entity, conf.ActionRead, sel.Fields)
	if err != nil {
		return nil, err
	}
	node, err := rt.Planner.PlanFollowUpRead(entity, pkValues, sel, decision, rt.authFn(principal))
	if err != nil {
		return nil, planError(err)
	}
	readDoc, err := rt.runRead(ctx, entity, node)
	if err != nil {
		return nil, err
	}
	row, err := rt.Shaper.ShapeObject(readDoc, node)
	if err != nil {
		return nil, core.WrapError(core.UnexpectedError, err, "shape result")
	}
	return row, nil
}

// notFoundOrForbidden resolves a zero-rows-affected mutation: in
// production, it is always EntityNotFound regardless of cause. In
// development, a cheap PK-only probe (bypassing
// the row policy) tells the caller whether the row exists at all, so a
// row that failed the policy reports Forbidden instead.
func (rt *Runtime) notFoundOrForbidden(ctx context.Context, entity string, pkValues map[string]interface{}, devMode bool) error {
	if !devMode {
		return core.NewError(core.EntityNotFound, "%s not found", entity)
	}
	info, ok := rt.Catalog.Entity(entity)
	if !ok {
		return core.NewError(core.EntityNotFound, "%s not found", entity)
	}
	probe := &plan.Node{
		Entity:  entity,
		Source:  info.Source,
		Alias:   "t0",
		Columns: []plan.Column{{Expr: info.PrimaryKey[0], Alias: info.PrimaryKey[0]}},
		Shape:   plan.ShapeObject,
	}
	probe.Predicates = append(probe.Predicates, pkPredicateFor(info.PrimaryKey, pkValues))
	rendered, err := rt.Renderer.Render(probe)
	if err != nil {
		return core.NewError(core.EntityNotFound, "%s not found", entity)
	}
	doc, err := rt.Executor.RunRead(ctx, entity, rendered)
	if err != nil || doc == nil {
		return core.NewError(core.EntityNotFound, "%s not found", entity)
	}
	return core.NewError(core.AuthorizationFailed, "%s: row exists but is not permitted", entity)
}

func pkPredicateFor(pk []string, values map[string]interface{}) *plan.Exp {
	var root *plan.Exp
	for _, col := range pk {
		v, ok := values[col]
		if !ok {
			continue
		}
		root = plan.And(root, &plan.Exp{Op: plan.OpEquals, Column: col, ValType: plan.ValLiteral, Val: v})
	}
	return root
}

func filterFields(row map[string]interface{}, fields []string) map[string]interface{} {
	if len(fields) == 0 {
		return row
	}
	keep := map[string]bool{}
	for _, f := range fields {
		keep[f] = true
	}
	for k := range row {
		if !keep[k] {
			delete(row, k)
		}
	}
	return row
}

func keysOf(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// planError adapts an authorization-denied-during-descent error (the
// planner's own unexported authDeniedError, which unwraps to an
// AuthorizationFailed GatewayError) into that GatewayError; everything
// else becomes BadRequest, since a Plan failure
// this far down is always a malformed or unresolvable request shape.
func planError(err error) error {
	var ge *core.GatewayError
	if ok := asGatewayError(err, &ge); ok {
		return ge
	}
	return core.WrapError(core.BadRequest, err, "invalid query")
}

func asGatewayError(err error, target **core.GatewayError) bool {
	for err != nil {
		if ge, ok := err.(*core.GatewayError); ok {
			*target = ge
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
