package plan

// Shape distinguishes how the renderer wraps a Node's JSON projection.
type Shape int

const (
	ShapeObject Shape = iota // to-one / root-singular: a single JSON object
	ShapeArray                // to-many: a JSON array
	ShapeScalar               // a bare scalar column (aggregation cell)
)

// JoinKind distinguishes a direct FK join from a many-to-many hop through a
// linking table.
type JoinKind int

const (
	JoinDirect JoinKind = iota
	JoinLinking
)

// Join describes one join the renderer must emit to reach a child Node's
// source from its parent.
type Join struct {
	Kind  JoinKind
	Other string // physical object name being joined to
	On    *Exp   // parent.source_fields = child.target_fields, as an Exp tree

	// Linking-only: the link table name and its two FK column pairs.
	LinkObject  string
	LinkOn      *Exp // parent -> link table predicate
	LinkOtherOn *Exp // link table -> child predicate
}

// Column is one projected output column or expression.
type Column struct {
	Expr  string // physical column name, or a function-call expression for aggregates
	Alias string
	Fn    AggFn // AggNone for a plain projection
}

// AggFn enumerates the groupBy aggregation functions.
type AggFn int

const (
	AggNone AggFn = iota
	AggCount
	AggCountDistinct
	AggSum
	AggAvg
	AggMin
	AggMax
)

// OrderKey is one ORDER BY term.
type OrderKey struct {
	Column string
	Desc   bool
}

// Param describes one bound value together with an SQL type and a bind
// Ordinal. The renderer does not build Params: it binds raw values, in bind
// order, into sqlgen.Rendered.Args with no SQL type attached, so the driver
// infers each parameter's type from the Go value.
type Param struct {
	Ordinal int
	Value   interface{}
	SQLType string
}

// MutationKind enumerates the write operations C5 plans.
type MutationKind int

const (
	MutationNone MutationKind = iota
	MutationCreate
	MutationUpdate
	MutationDelete
	MutationUpsert
	MutationUpsertIncremental
	// MutationExecute invokes a stored-procedure entity; ProcArgs/Values
	// carry its call arguments and Source names the procedure itself.
	MutationExecute
)

// Node is the dialect-agnostic compiled-query tree — the specification's
// SqlQueryStructure. The planner builds this; core/sqlgen renders it to
// dialect SQL text; nothing in this package ever emits a SQL string.
type Node struct {
	Entity string // logical entity name, for per-child re-authorization
	Source string // physical table/view/object name
	Alias  string

	Columns    []Column
	// RequestedFields is the caller-visible subset of Columns — set before
	// alwaysProject appends join/order/primary-key bookkeeping columns, so
	// the response shaper can tell "the caller asked for this" apart from
	// "the planner needs this to correlate a join or encode a cursor"
	// without re-deriving it heuristically.
	RequestedFields []string
	// Mask is the authorization column mask this Node was compiled under —
	// nil means unrestricted. The response shaper deletes any row key
	// outside Mask, independent of RequestedFields, so a request that never
	// named a forbidden column explicitly still can't have it leak through
	// a wildcard/omitted selection.
	Mask       map[string]bool
	Predicates []*Exp // AND-combined at render time
	Joins      []Join

	OrderBy []OrderKey
	Limit   int // 0 means unbounded; mutations and single-row fetches leave this 0
	Offset  int
	Cursor  *CursorSpec

	Children []*Node // one per nested selection
	Shape    Shape

	// Mutation-only fields; Kind == MutationNone for a pure read.
	Kind          MutationKind
	SetColumns    []Column               // update/upsert SET list
	InsertColumns []Column               // create/upsert INSERT column list
	Values        map[string]interface{} // literal value for each Set/Insert column, by name
	ConflictCols  []string               // upsert target columns
	ReturnAll     bool                   // RETURNING * / OUTPUT INSERTED.* (create/update/upsert)
	ReturnColumns []string               // DELETE ... RETURNING <pk columns>
	ProcArgs      []string               // MutationExecute-only: ordered argument names, values looked up in Values

	// GroupBy-only: when non-empty this Node renders as a GROUP BY query and
	// Columns holds the grouping columns, Aggregations the aggregate terms.
	Aggregations []AggregationTerm
}

// AggregationTerm is one entry of a GroupBy's aggregations list.
type AggregationTerm struct {
	Fn    AggFn
	Field string // empty for count(*)
	Alias string
}

// CursorSpec carries the keyset-pagination tuple a Node was compiled with —
// the columns used both to build the strict tuple-greater-than predicate and
// to later encode the next page's endCursor.
type CursorSpec struct {
	Keys     []OrderKey // the orderBy tuple, PK appended if not already present
	After    []interface{}
	RawFirst int // the caller's requested `first`, before the +1 probe row is added
}
