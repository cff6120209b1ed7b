// Package schema builds the request-facing surfaces (GraphQL schema, REST
// route table) over one config snapshot's catalog, and drives every request
// through a single Runtime — the specification's Schema Builder (C3).
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"

	"github.com/databridge/dataapi/conf"
	"github.com/databridge/dataapi/core"
	"github.com/databridge/dataapi/core/metadata"
	"github.com/databridge/dataapi/core/plan"
)

// builder assembles one graphql.Schema against a single Runtime/Catalog
// snapshot. It exists only for the duration of BuildSchema — the resulting
// types and resolvers close over rt, never over the builder itself, so a
// config reload simply discards the builder along with its Runtime.
//
// Known simplifications (narrowed on purpose rather than by oversight):
// only the root field of a query reads
// its own arguments — a nested relationship field ignores filter/orderBy/
// pagination arguments entirely and always returns every related row — and
// GraphQL field aliases are not honored by the shaper, which keys a row by
// column/relationship name only.
type builder struct {
	rt       *Runtime
	provider *metadata.Provider

	objectTypes        map[string]*graphql.Object
	connectionTypes    map[string]*graphql.Object
	filterInputs       map[string]*graphql.InputObject
	orderByInputs      map[string]*graphql.InputObject
	scalarFilterInputs map[*graphql.Scalar]*graphql.InputObject
	createInputs       map[string]*graphql.InputObject
	updateInputs       map[string]*graphql.InputObject
	columnTypes        map[string]map[string]*graphql.Scalar
}

// BuildSchema introspects every entity's column types through provider
// (once, up front — provider caches this exactly like BuildCatalog's own
// pass does) and constructs the full graphql.Schema for rt's snapshot:
// one object type, filter/orderBy/create/update input, and connection type
// per entity, a singular and plural root query field, create/update/
// delete/upsert mutation fields gated by the entity's configured
// permissions' actions, and a synthesized field per stored-procedure
// entity.
func BuildSchema(ctx context.Context, rt *Runtime, provider *metadata.Provider) (graphql.Schema, error) {
	b := &builder{
		rt:                 rt,
		provider:           provider,
		objectTypes:        map[string]*graphql.Object{},
		connectionTypes:    map[string]*graphql.Object{},
		filterInputs:       map[string]*graphql.InputObject{},
		orderByInputs:      map[string]*graphql.InputObject{},
		scalarFilterInputs: map[*graphql.Scalar]*graphql.InputObject{},
		createInputs:       map[string]*graphql.InputObject{},
		updateInputs:       map[string]*graphql.InputObject{},
		columnTypes:        map[string]map[string]*graphql.Scalar{},
	}
	if err := b.loadColumnTypes(ctx); err != nil {
		return graphql.Schema{}, err
	}

	queryFields := graphql.Fields{}
	mutationFields := graphql.Fields{}

	for _, name := range sortedKeys(b.rt.RC.Entities) {
		entity := b.rt.RC.Entities[name]
		if entity.GraphQL != nil && !entity.GraphQL.Enabled {
			continue
		}
		info, ok := b.rt.Catalog.Entity(name)
		if !ok {
			continue
		}
		if info.IsStoredProc {
			queryFields[graphqlFieldName(entity, name)] = b.procField(name)
			continue
		}

		obj := b.objectType(name, info)
		b.addQueryFields(queryFields, name, entity, info, obj)
		b.addMutationFields(mutationFields, name, entity, info, obj)
	}
	b.addMultiMutationField(mutationFields)

	cfg := graphql.SchemaConfig{}
	if len(queryFields) > 0 {
		cfg.Query = graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: queryFields})
	}
	if len(mutationFields) > 0 {
		cfg.Mutation = graphql.NewObject(graphql.ObjectConfig{Name: "Mutation", Fields: mutationFields})
	}
	return graphql.NewSchema(cfg)
}

func (b *builder) loadColumnTypes(ctx context.Context) error {
	for name, entity := range b.rt.RC.Entities {
		if entity.Source.Type == conf.SourceStoredProcedure {
			continue
		}
		ti, err := b.provider.Table(ctx, entity.Source.Object)
		if err != nil {
			return fmt.Errorf("schema: column types for %s: %w", name, err)
		}
		cols := make(map[string]*graphql.Scalar, len(ti.Columns))
		for _, c := range ti.Columns {
			cols[c.Name] = scalarFor(c.DBType)
		}
		b.columnTypes[name] = cols
	}
	return nil
}

// objectType returns (building on first use) the GraphQL object type for
// entity name. Relationship fields are resolved through a FieldsThunk so
// mutually-referencing entities (A has-many B, B belongs-to A) don't need a
// topological build order.
func (b *builder) objectType(name string, info plan.EntityInfo) *graphql.Object {
	if t, ok := b.objectTypes[name]; ok {
		return t
	}
	obj := graphql.NewObject(graphql.ObjectConfig{
		Name: typeName(name),
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			return b.objectFields(name, info)
		}),
	})
	b.objectTypes[name] = obj
	return obj
}

func (b *builder) objectFields(name string, info plan.EntityInfo) graphql.Fields {
	fields := graphql.Fields{}
	cols := b.columnTypes[name]
	for _, c := range info.Columns {
		fields[c] = &graphql.Field{Type: cols[c]}
	}
	for _, relName := range sortedKeys(info.Relationships) {
		rel := info.Relationships[relName]
		childInfo, ok := b.rt.Catalog.Entity(rel.TargetEntity)
		if !ok {
			continue
		}
		childObj := b.objectType(rel.TargetEntity, childInfo)
		if rel.Many {
			fields[relName] = &graphql.Field{Type: graphql.NewList(childObj)}
		} else {
			fields[relName] = &graphql.Field{Type: childObj}
		}
	}
	return fields
}

// connectionType returns (building on first use) the <Entity>Connection
// type: items plus hasNextPage/endCursor as direct sibling fields (not
// nested under a pageInfo object), and a groupBy field that runs an
// independent aggregation query against the same entity/filter surface.
func (b *builder) connectionType(name string, info plan.EntityInfo, obj *graphql.Object) *graphql.Object {
	if t, ok := b.connectionTypes[name]; ok {
		return t
	}
	t := graphql.NewObject(graphql.ObjectConfig{
		Name: typeName(name) + "Connection",
		Fields: graphql.Fields{
			"items":       &graphql.Field{Type: graphql.NewList(obj)},
			"hasNextPage": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
			"endCursor":   &graphql.Field{Type: graphql.String},
			"groupBy": &graphql.Field{
				Type: graphql.NewList(groupByResultType),
				Args: graphql.FieldConfigArgument{
					"filter":       &graphql.ArgumentConfig{Type: b.filterInput(name, info)},
					"by":           &graphql.ArgumentConfig{Type: graphql.NewList(graphql.NewNonNull(graphql.String))},
					"aggregations": &graphql.ArgumentConfig{Type: graphql.NewList(graphql.NewNonNull(aggregationInput))},
				},
				Resolve: b.groupByResolver(name, info),
			},
		},
	})
	b.connectionTypes[name] = t
	return t
}

// jsonScalar passes an already-decoded Go value straight through — used for
// groupBy's fields/aggregations maps, whose keys vary per request and so
// can't be modeled as a fixed GraphQL object type.
var jsonScalar = graphql.NewScalar(graphql.ScalarConfig{
	Name:         "JSON",
	Description:  "An opaque JSON value; its shape depends on the request that produced it.",
	Serialize:    func(value interface{}) interface{} { return value },
	ParseValue:   func(value interface{}) interface{} { return value },
	ParseLiteral: func(valueAST ast.Value) interface{} { return nil },
})

var groupByResultType = graphql.NewObject(graphql.ObjectConfig{
	Name: "GroupByResult",
	Fields: graphql.Fields{
		"fields":       &graphql.Field{Type: jsonScalar},
		"aggregations": &graphql.Field{Type: jsonScalar},
	},
})

var orderDirectionEnum = graphql.NewEnum(graphql.EnumConfig{
	Name: "OrderDirection",
	Values: graphql.EnumValueConfigMap{
		"ASC":  &graphql.EnumValueConfig{Value: "ASC"},
		"DESC": &graphql.EnumValueConfig{Value: "DESC"},
	},
})

var aggregationFnEnum = graphql.NewEnum(graphql.EnumConfig{
	Name: "AggregationFunction",
	Values: graphql.EnumValueConfigMap{
		"COUNT":          &graphql.EnumValueConfig{Value: "count"},
		"COUNT_DISTINCT": &graphql.EnumValueConfig{Value: "count_distinct"},
		"SUM":            &graphql.EnumValueConfig{Value: "sum"},
		"AVG":            &graphql.EnumValueConfig{Value: "avg"},
		"MIN":            &graphql.EnumValueConfig{Value: "min"},
		"MAX":            &graphql.EnumValueConfig{Value: "max"},
	},
})

var aggregationInput = graphql.NewInputObject(graphql.InputObjectConfig{
	Name: "AggregationInput",
	Fields: graphql.InputObjectConfigFieldMap{
		"fn":    &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(aggregationFnEnum)},
		"field": &graphql.InputObjectFieldConfig{Type: graphql.String},
		"alias": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
	},
})

// mutationOpActionEnum enumerates the write kinds a batched "mutate" op can
// request — mirrors schema.MutationKind.
var mutationOpActionEnum = graphql.NewEnum(graphql.EnumConfig{
	Name: "MutationOpAction",
	Values: graphql.EnumValueConfigMap{
		"CREATE": &graphql.EnumValueConfig{Value: string(OpCreate)},
		"UPDATE": &graphql.EnumValueConfig{Value: string(OpUpdate)},
		"UPSERT": &graphql.EnumValueConfig{Value: string(OpUpsert)},
		"PATCH":  &graphql.EnumValueConfig{Value: string(OpUpsertIncremental)},
		"DELETE": &graphql.EnumValueConfig{Value: string(OpDelete)},
	},
})

// mutationOpInput is one entry of the batched "mutate" field's ops list:
// entity names the target by its logical (not physical) name, exactly like
// a REST path segment or a GraphQL root field would.
var mutationOpInput = graphql.NewInputObject(graphql.InputObjectConfig{
	Name: "MutationOpInput",
	Fields: graphql.InputObjectConfigFieldMap{
		"entity": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
		"action": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(mutationOpActionEnum)},
		"pk":     &graphql.InputObjectFieldConfig{Type: jsonScalar},
		"item":   &graphql.InputObjectFieldConfig{Type: jsonScalar},
	},
})

// mutationOpResultType is one batched op's outcome: row is populated for
// create/update/upsert/patch, deleted for delete.
var mutationOpResultType = graphql.NewObject(graphql.ObjectConfig{
	Name: "MutationOpResult",
	Fields: graphql.Fields{
		"row":     &graphql.Field{Type: jsonScalar},
		"deleted": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
	},
})

// addMultiMutationField registers the single batched "mutate" root field —
// gated behind runtime.graphql.multiple-mutations, since an operator who
// never turned that on should see no trace of the capability in their
// schema at all, matching the config flag's enable/disable semantics
// exactly rather than merely rejecting calls to it at resolve time.
func (b *builder) addMultiMutationField(out graphql.Fields) {
	if !b.rt.RC.Runtime.GraphQL.MultipleMutations {
		return
	}
	out["mutate"] = &graphql.Field{
		Type: graphql.NewList(mutationOpResultType),
		Args: graphql.FieldConfigArgument{
			"ops": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(mutationOpInput)))},
		},
		Resolve: b.multiMutationResolver(),
	}
}

func (b *builder) multiMutationResolver() graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		raw, _ := p.Args["ops"].([]interface{})
		ops := make([]MutationOp, 0, len(raw))
		for _, item := range raw {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			entity, _ := m["entity"].(string)
			kind := MutationKind(fmt.Sprint(m["action"]))
			pk, _ := m["pk"].(map[string]interface{})
			op, _ := m["item"].(map[string]interface{})
			// Sel.Fields left nil: the follow-up read projects whatever the
			// caller's column mask allows (the same planner fallback the REST
			// and single-mutation GraphQL paths rely on), rather than naming
			// every column explicitly and risking a false authorization denial
			// for a caller with a restrictive field mask.
			ops = append(ops, MutationOp{Entity: entity, Kind: kind, PKValues: pk, Item: op, Sel: plan.Selection{}})
		}
		principal := core.PrincipalFromContext(p.Context)
		results, err := b.rt.MultiMutate(p.Context, principal, ops)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(results))
		for i, r := range results {
			out[i] = map[string]interface{}{"row": r.Row, "deleted": r.Deleted}
		}
		return out, nil
	}
}

// scalarFilterInput returns the shared <Scalar>FilterInput type for one
// GraphQL scalar — one per distinct scalar, reused across every entity
// column of that type, rather than one per (entity, column) pair.
func (b *builder) scalarFilterInput(scalar *graphql.Scalar) *graphql.InputObject {
	if t, ok := b.scalarFilterInputs[scalar]; ok {
		return t
	}
	t := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: scalar.Name() + "FilterInput",
		Fields: graphql.InputObjectConfigFieldMap{
			"eq":         &graphql.InputObjectFieldConfig{Type: scalar},
			"neq":        &graphql.InputObjectFieldConfig{Type: scalar},
			"gt":         &graphql.InputObjectFieldConfig{Type: scalar},
			"gte":        &graphql.InputObjectFieldConfig{Type: scalar},
			"lt":         &graphql.InputObjectFieldConfig{Type: scalar},
			"lte":        &graphql.InputObjectFieldConfig{Type: scalar},
			"contains":   &graphql.InputObjectFieldConfig{Type: graphql.String},
			"startsWith": &graphql.InputObjectFieldConfig{Type: graphql.String},
			"endsWith":   &graphql.InputObjectFieldConfig{Type: graphql.String},
			"in":         &graphql.InputObjectFieldConfig{Type: graphql.NewList(scalar)},
			"isNull":     &graphql.InputObjectFieldConfig{Type: graphql.Boolean},
		},
	})
	b.scalarFilterInputs[scalar] = t
	return t
}

// filterInput returns the entity's <Entity>FilterInput type — one field per
// column plus and/or/not connectives referencing itself, matching
// plan.CompileGraphQLFilter's expected shape exactly.
func (b *builder) filterInput(name string, info plan.EntityInfo) *graphql.InputObject {
	if t, ok := b.filterInputs[name]; ok {
		return t
	}
	var self *graphql.InputObject
	self = graphql.NewInputObject(graphql.InputObjectConfig{
		Name: typeName(name) + "FilterInput",
		Fields: graphql.InputObjectConfigFieldMapThunk(func() graphql.InputObjectConfigFieldMap {
			fields := graphql.InputObjectConfigFieldMap{
				"and": &graphql.InputObjectFieldConfig{Type: graphql.NewList(self)},
				"or":  &graphql.InputObjectFieldConfig{Type: graphql.NewList(self)},
				"not": &graphql.InputObjectFieldConfig{Type: self},
			}
			for _, c := range info.Columns {
				fields[c] = &graphql.InputObjectFieldConfig{Type: b.scalarFilterInput(b.columnTypes[name][c])}
			}
			return fields
		}),
	})
	b.filterInputs[name] = self
	return self
}

func (b *builder) orderByInput(name string, info plan.EntityInfo) *graphql.InputObject {
	if t, ok := b.orderByInputs[name]; ok {
		return t
	}
	fields := graphql.InputObjectConfigFieldMap{}
	for _, c := range info.Columns {
		fields[c] = &graphql.InputObjectFieldConfig{Type: orderDirectionEnum}
	}
	t := graphql.NewInputObject(graphql.InputObjectConfig{Name: typeName(name) + "OrderByInput", Fields: fields})
	b.orderByInputs[name] = t
	return t
}

// createInput/updateInput synthesize a plain scalar-valued input object per
// entity for mutation item payloads — both leave out the primary-key
// columns and make every other column optional; no field is non-null.
func (b *builder) createInput(name string, info plan.EntityInfo) *graphql.InputObject {
	if t, ok := b.createInputs[name]; ok {
		return t
	}
	fields := graphql.InputObjectConfigFieldMap{}
	for _, c := range info.Columns {
		if isPK(c, info.PrimaryKey) {
			continue
		}
		fields[c] = &graphql.InputObjectFieldConfig{Type: b.columnTypes[name][c]}
	}
	t := graphql.NewInputObject(graphql.InputObjectConfig{Name: typeName(name) + "CreateInput", Fields: fields})
	b.createInputs[name] = t
	return t
}

func (b *builder) updateInput(name string, info plan.EntityInfo) *graphql.InputObject {
	if t, ok := b.updateInputs[name]; ok {
		return t
	}
	fields := graphql.InputObjectConfigFieldMap{}
	for _, c := range info.Columns {
		if isPK(c, info.PrimaryKey) {
			continue
		}
		fields[c] = &graphql.InputObjectFieldConfig{Type: b.columnTypes[name][c]}
	}
	t := graphql.NewInputObject(graphql.InputObjectConfig{Name: typeName(name) + "UpdateInput", Fields: fields})
	b.updateInputs[name] = t
	return t
}

func isPK(col string, pk []string) bool {
	for _, p := range pk {
		if p == col {
			return true
		}
	}
	return false
}

// addQueryFields registers the singular (by-PK) and plural (connection)
// root query fields for one entity; the connection type itself carries a
// groupBy field alongside items/hasNextPage/endCursor.
func (b *builder) addQueryFields(out graphql.Fields, name string, entity *conf.Entity, info plan.EntityInfo, obj *graphql.Object) {
	singular, plural := graphqlNames(entity, name)

	pkArgs := graphql.FieldConfigArgument{}
	for _, c := range info.PrimaryKey {
		pkArgs[c] = &graphql.ArgumentConfig{Type: graphql.NewNonNull(b.columnTypes[name][c])}
	}
	out[singular] = &graphql.Field{
		Type:    obj,
		Args:    pkArgs,
		Resolve: b.singularResolver(name, info),
	}

	out[plural] = &graphql.Field{
		Type: b.connectionType(name, info, obj),
		Args: graphql.FieldConfigArgument{
			"filter":  &graphql.ArgumentConfig{Type: b.filterInput(name, info)},
			"orderBy": &graphql.ArgumentConfig{Type: graphql.NewList(b.orderByInput(name, info))},
			"first":   &graphql.ArgumentConfig{Type: graphql.Int},
			"after":   &graphql.ArgumentConfig{Type: graphql.String},
		},
		Resolve: b.pluralResolver(name, info),
	}
}

func (b *builder) addMutationFields(out graphql.Fields, name string, entity *conf.Entity, info plan.EntityInfo, obj *graphql.Object) {
	singular, _ := graphqlNames(entity, name)
	actions := allowedActions(entity)

	if actions[conf.ActionCreate] {
		out["create"+typeName(singular)] = &graphql.Field{
			Type: obj,
			Args: graphql.FieldConfigArgument{
				"item": &graphql.ArgumentConfig{Type: graphql.NewNonNull(b.createInput(name, info))},
			},
			Resolve: b.createResolver(name, info),
		}
	}
	if actions[conf.ActionUpdate] {
		out["update"+typeName(singular)] = &graphql.Field{
			Type: obj,
			Args: graphql.FieldConfigArgument{
				"pk":   &graphql.ArgumentConfig{Type: graphql.NewNonNull(jsonScalar)},
				"item": &graphql.ArgumentConfig{Type: graphql.NewNonNull(b.updateInput(name, info))},
			},
			Resolve: b.updateResolver(name, info),
		}
		out["upsert"+typeName(singular)] = &graphql.Field{
			Type: obj,
			Args: graphql.FieldConfigArgument{
				"pk":   &graphql.ArgumentConfig{Type: graphql.NewNonNull(jsonScalar)},
				"item": &graphql.ArgumentConfig{Type: graphql.NewNonNull(b.updateInput(name, info))},
			},
			Resolve: b.upsertResolver(name, info, false),
		}
		out["patch"+typeName(singular)] = &graphql.Field{
			Type: obj,
			Args: graphql.FieldConfigArgument{
				"pk":   &graphql.ArgumentConfig{Type: graphql.NewNonNull(jsonScalar)},
				"item": &graphql.ArgumentConfig{Type: graphql.NewNonNull(b.updateInput(name, info))},
			},
			Resolve: b.upsertResolver(name, info, true),
		}
	}
	if actions[conf.ActionDelete] {
		out["delete"+typeName(singular)] = &graphql.Field{
			Type: graphql.Boolean,
			Args: graphql.FieldConfigArgument{
				"pk": &graphql.ArgumentConfig{Type: graphql.NewNonNull(jsonScalar)},
			},
			Resolve: b.deleteResolver(name),
		}
	}
}

func (b *builder) procField(name string) *graphql.Field {
	return &graphql.Field{
		Type: graphql.NewList(jsonScalar),
		Args: graphql.FieldConfigArgument{
			"args": &graphql.ArgumentConfig{Type: jsonScalar},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			args, _ := p.Args["args"].(map[string]interface{})
			principal := core.PrincipalFromContext(p.Context)
			return b.rt.Execute(p.Context, principal, name, args)
		},
	}
}

func allowedActions(entity *conf.Entity) map[conf.ActionName]bool {
	out := map[conf.ActionName]bool{}
	for _, perm := range entity.Permissions {
		for _, a := range perm.Actions {
			if a.Name == conf.ActionAll {
				out[conf.ActionCreate] = true
				out[conf.ActionRead] = true
				out[conf.ActionUpdate] = true
				out[conf.ActionDelete] = true
				continue
			}
			out[a.Name] = true
		}
	}
	return out
}

// --- resolvers --------------------------------------------------------

func (b *builder) singularResolver(name string, info plan.EntityInfo) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		sel := collectSelection(rootSelectionSet(p.Info), info, b.rt.Catalog)
		sel.PKValues = map[string]interface{}{}
		for _, c := range info.PrimaryKey {
			if v, ok := p.Args[c]; ok {
				sel.PKValues[c] = v
			}
		}
		principal := core.PrincipalFromContext(p.Context)
		return b.rt.QueryObject(p.Context, principal, name, sel)
	}
}

func (b *builder) pluralResolver(name string, info plan.EntityInfo) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		sel := collectSelection(rootConnectionItemsSet(p.Info), info, b.rt.Catalog)
		sel.Plural = true
		if f, ok := p.Args["filter"].(map[string]interface{}); ok {
			sel.Filter = f
		}
		if ob, ok := p.Args["orderBy"].([]interface{}); ok {
			sel.OrderBy = parseOrderBy(ob)
		}
		if first, ok := p.Args["first"].(int); ok {
			sel.First = first
		}
		if after, ok := p.Args["after"].(string); ok {
			sel.After = after
		}
		principal := core.PrincipalFromContext(p.Context)
		page, err := b.rt.QueryPage(p.Context, principal, name, sel)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"items":       page.Items,
			"hasNextPage": page.HasNextPage,
			"endCursor":   page.EndCursor,
		}, nil
	}
}

func (b *builder) groupByResolver(name string, info plan.EntityInfo) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		sel := plan.Selection{Plural: true}
		if f, ok := p.Args["filter"].(map[string]interface{}); ok {
			sel.Filter = f
		}
		by := toStringSlice(p.Args["by"])
		aggs := parseAggregations(p.Args["aggregations"])
		sel.GroupBy = &plan.GroupBySelection{By: by, Aggregations: aggs}
		principal := core.PrincipalFromContext(p.Context)
		return b.rt.QueryGroupBy(p.Context, principal, name, sel)
	}
}

func (b *builder) createResolver(name string, info plan.EntityInfo) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		item, _ := p.Args["item"].(map[string]interface{})
		sel := collectSelection(rootSelectionSet(p.Info), info, b.rt.Catalog)
		principal := core.PrincipalFromContext(p.Context)
		return b.rt.Create(p.Context, principal, name, item, sel)
	}
}

func (b *builder) updateResolver(name string, info plan.EntityInfo) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		pk, _ := p.Args["pk"].(map[string]interface{})
		item, _ := p.Args["item"].(map[string]interface{})
		sel := collectSelection(rootSelectionSet(p.Info), info, b.rt.Catalog)
		principal := core.PrincipalFromContext(p.Context)
		return b.rt.Update(p.Context, principal, name, pk, item, sel, b.rt.isDevMode())
	}
}

func (b *builder) upsertResolver(name string, info plan.EntityInfo, incremental bool) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		pk, _ := p.Args["pk"].(map[string]interface{})
		item, _ := p.Args["item"].(map[string]interface{})
		sel := collectSelection(rootSelectionSet(p.Info), info, b.rt.Catalog)
		principal := core.PrincipalFromContext(p.Context)
		return b.rt.Upsert(p.Context, principal, name, pk, item, sel, incremental)
	}
}

func (b *builder) deleteResolver(name string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		pk, _ := p.Args["pk"].(map[string]interface{})
		principal := core.PrincipalFromContext(p.Context)
		if err := b.rt.Delete(p.Context, principal, name, pk, b.rt.isDevMode()); err != nil {
			return nil, err
		}
		return true, nil
	}
}

// --- AST walking --------------------------------------------------------

// rootSelectionSet returns the query's top-level field's own selection
// set — the entry point for the single-compiled-query resolver strategy:
// only this call ever inspects the raw AST, everything below it is built
// by collectSelection.
func rootSelectionSet(info graphql.ResolveInfo) *ast.SelectionSet {
	if len(info.FieldASTs) == 0 {
		return nil
	}
	return info.FieldASTs[0].SelectionSet
}

// rootConnectionItemsSet finds the "items" sub-selection under a
// connection-typed root field — the connection's hasNextPage and endCursor
// are filled in by the resolver itself and never reach collectSelection.
func rootConnectionItemsSet(info graphql.ResolveInfo) *ast.SelectionSet {
	set := rootSelectionSet(info)
	if set == nil {
		return nil
	}
	for _, s := range set.Selections {
		f, ok := s.(*ast.Field)
		if !ok || f.Name == nil {
			continue
		}
		if f.Name.Value == "items" {
			return f.SelectionSet
		}
	}
	return nil
}

// collectSelection turns one GraphQL selection set into a plan.Selection,
// recursing into relationship fields (matched against info.Relationships)
// and treating every other field as a scalar leaf. Fragments (inline or
// named) are not expanded — a documented simplification; a query built
// entirely from plain field selections (the overwhelming common case) is
// unaffected.
func collectSelection(set *ast.SelectionSet, info plan.EntityInfo, catalog plan.MapCatalog) plan.Selection {
	var sel plan.Selection
	if set == nil {
		return sel
	}
	for _, s := range set.Selections {
		f, ok := s.(*ast.Field)
		if !ok || f.Name == nil {
			continue
		}
		fieldName := f.Name.Value
		if fieldName == "__typename" {
			continue
		}
		if rel, ok := info.Relationships[fieldName]; ok {
			childInfo, _ := catalog.Entity(rel.TargetEntity)
			childSel := collectSelection(f.SelectionSet, childInfo, catalog)
			childSel.Plural = rel.Many
			sel.Nested = append(sel.Nested, plan.NestedSelection{RelationshipName: fieldName, Selection: childSel})
			continue
		}
		sel.Fields = append(sel.Fields, fieldName)
	}
	return sel
}

func parseOrderBy(items []interface{}) []plan.OrderKey {
	var out []plan.OrderKey
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		for _, col := range sortedKeysAny(m) {
			dir, _ := m[col].(string)
			out = append(out, plan.OrderKey{Column: col, Desc: strings.EqualFold(dir, "DESC")})
		}
	}
	return out
}

func parseAggregations(raw interface{}) []plan.AggregationTerm {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var out []plan.AggregationTerm
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		fn, _ := m["fn"].(string)
		field, _ := m["field"].(string)
		alias, _ := m["alias"].(string)
		out = append(out, plan.AggregationTerm{Fn: aggFnFromString(fn), Field: field, Alias: alias})
	}
	return out
}

func aggFnFromString(s string) plan.AggFn {
	switch s {
	case "count":
		return plan.AggCount
	case "count_distinct":
		return plan.AggCountDistinct
	case "sum":
		return plan.AggSum
	case "avg":
		return plan.AggAvg
	case "min":
		return plan.AggMin
	case "max":
		return plan.AggMax
	default:
		return plan.AggNone
	}
}

func toStringSlice(raw interface{}) []string {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// --- naming --------------------------------------------------------

func graphqlNames(entity *conf.Entity, name string) (singular, plural string) {
	singular, plural = name, name+"s"
	if entity.GraphQL != nil {
		if entity.GraphQL.Singular != "" {
			singular = entity.GraphQL.Singular
		}
		if entity.GraphQL.Plural != "" {
			plural = entity.GraphQL.Plural
		}
	}
	return singular, plural
}

func graphqlFieldName(entity *conf.Entity, name string) string {
	if entity.GraphQL != nil && entity.GraphQL.Singular != "" {
		return entity.GraphQL.Singular
	}
	return name
}

// typeName upper-cases the first rune of an entity/column name to produce a
// GraphQL type name — entity config names are expected to already be
// reasonable identifiers, so this is deliberately not a general-purpose
// identifier sanitizer.
func typeName(name string) string {
	if name == "" {
		return name
	}
	r := []rune(name)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysAny(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
