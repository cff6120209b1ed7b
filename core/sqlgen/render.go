// Package sqlgen lowers a dialect-agnostic plan.Node tree into dialect SQL
// text plus an ordered parameter list, kept as its own package so the
// planner stays free of any dialect string concern.
package sqlgen

import (
	"fmt"
	"strings"

	"github.com/databridge/dataapi/core/dialect"
	"github.com/databridge/dataapi/core/plan"
)

// Rendered is one compiled SQL statement ready for the executor to bind and
// run: Args are in bind-ordinal order, matching each occurrence of
// d.BindVar(i) in SQL.
type Rendered struct {
	SQL  string
	Args []interface{}
}

// Renderer lowers plan.Node trees for one fixed dialect. Stateless beyond
// that — a single Renderer is reused across requests.
type Renderer struct {
	D dialect.Dialect
}

func New(d dialect.Dialect) *Renderer {
	return &Renderer{D: d}
}

// paramSink accumulates bind values in the order the renderer assigns them
// placeholders.
type paramSink struct {
	values []interface{}
	d      dialect.Dialect
}

// bind appends v and returns the placeholder text for it — every call is a
// fresh ordinal; the renderer never string-concatenates v into SQL text,
// so parameter binding is safe by construction.
func (s *paramSink) bind(v interface{}) string {
	s.values = append(s.values, v)
	return s.d.BindVar(len(s.values))
}

// Render compiles one Node tree — read, mutation, or groupBy — into a
// single SQL statement that returns one JSON column: the database returns
// a JSON document directly, and the executor never stitches rows itself.
func (r *Renderer) Render(node *plan.Node) (Rendered, error) {
	sink := &paramSink{d: r.D}
	sql, err := r.renderRoot(node, sink)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{SQL: sql, Args: sink.values}, nil
}

func (r *Renderer) renderRoot(node *plan.Node, sink *paramSink) (string, error) {
	if node.Kind != plan.MutationNone {
		return r.renderMutation(node, sink)
	}
	if len(node.Aggregations) > 0 {
		return r.renderGroupBy(node, sink)
	}

	alias := rootAlias(node)
	cols, err := r.renderColumns(node, sink, alias)
	if err != nil {
		return "", err
	}
	from, err := r.renderFrom(node, sink, alias, true)
	if err != nil {
		return "", err
	}
	single := node.Shape != plan.ShapeArray
	return r.D.RootWrapExpr(cols, from, single), nil
}

func rootAlias(node *plan.Node) string {
	if node.Alias != "" {
		return node.Alias
	}
	return "t0"
}

// renderFrom renders "FROM <quoted source> AS <alias> WHERE ... [ORDER BY
// ...] [LIMIT ...]" for node under alias. Linking-relationship joins are
// rendered as an EXISTS predicate rather than an outer JOIN so a to-many
// link hop never duplicates the parent row.
func (r *Renderer) renderFrom(node *plan.Node, sink *paramSink, alias string, applyPaging bool) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s AS %s", r.D.QuoteIdent(node.Source), r.D.QuoteIdent(alias))

	var whereParts []string
	if len(node.Predicates) > 0 {
		where, err := r.renderPredicateList(node.Predicates, alias, sink)
		if err != nil {
			return "", err
		}
		if where != "" {
			whereParts = append(whereParts, where)
		}
	}
	if len(whereParts) > 0 {
		b.WriteString(" WHERE " + strings.Join(whereParts, " AND "))
	}

	if applyPaging {
		if len(node.OrderBy) > 0 {
			b.WriteString(" ORDER BY " + r.renderOrderBy(node.OrderBy, alias))
		}
		if node.Limit > 0 {
			b.WriteString(" " + r.D.LimitOffset(sink.bind(node.Limit), ""))
		}
	}
	return b.String(), nil
}

// renderColumns renders node's Columns list under alias, substituting each
// child Node with its own correlated-subquery JSON expression — this is
// where nested-navigation compilation becomes SQL text.
func (r *Renderer) renderColumns(node *plan.Node, sink *paramSink, alias string) ([]dialect.JSONField, error) {
	out := make([]dialect.JSONField, 0, len(node.Columns)+len(node.Children))
	for _, c := range node.Columns {
		out = append(out, dialect.JSONField{Expr: alias + "." + r.D.QuoteIdent(c.Expr), Alias: c.Alias})
	}
	for _, child := range node.Children {
		expr, err := r.renderChild(child, alias, sink)
		if err != nil {
			return nil, err
		}
		out = append(out, dialect.JSONField{Expr: expr, Alias: child.Alias})
	}
	return out, nil
}

// renderChild compiles one nested-selection child into its correlated
// subquery expression, correlated against parentAlias: a to-many
// relationship becomes a JSON array aggregate, a to-one a JSON object. The
// join predicate is always "parent.source_fields = child.target_fields",
// or — for a linking (many-to-many) relationship — an EXISTS hop through
// the link table.
func (r *Renderer) renderChild(child *plan.Node, parentAlias string, sink *paramSink) (string, error) {
	childAlias := child.Alias
	if childAlias == "" {
		childAlias = child.Source
	}

	var whereParts []string
	for _, j := range child.Joins {
		switch j.Kind {
		case plan.JoinDirect:
			cond, err := r.renderExp(j.On, parentAlias, childAlias, sink)
			if err != nil {
				return "", err
			}
			whereParts = append(whereParts, cond)
		case plan.JoinLinking:
			linkAlias := childAlias + "_lnk"
			linkCond, err := r.renderExp(j.LinkOn, parentAlias, linkAlias, sink)
			if err != nil {
				return "", err
			}
			childCond, err := r.renderExp(j.LinkOtherOn, linkAlias, childAlias, sink)
			if err != nil {
				return "", err
			}
			whereParts = append(whereParts, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM %s AS %s WHERE %s AND %s)",
				r.D.QuoteIdent(j.LinkObject), r.D.QuoteIdent(linkAlias), linkCond, childCond,
			))
		}
	}
	for _, p := range child.Predicates {
		cond, err := r.renderExp(p, childAlias, childAlias, sink)
		if err != nil {
			return "", err
		}
		if cond != "" {
			whereParts = append(whereParts, "("+cond+")")
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s AS %s", r.D.QuoteIdent(child.Source), r.D.QuoteIdent(childAlias))
	if len(whereParts) > 0 {
		b.WriteString(" WHERE " + strings.Join(whereParts, " AND "))
	}
	if len(child.OrderBy) > 0 {
		b.WriteString(" ORDER BY " + r.renderOrderBy(child.OrderBy, childAlias))
	}
	if child.Limit > 0 {
		b.WriteString(" " + r.D.LimitOffset(sink.bind(child.Limit), ""))
	}
	from := b.String()

	cols, err := r.renderColumns(child, sink, childAlias)
	if err != nil {
		return "", err
	}
	if child.Shape == plan.ShapeArray {
		return r.D.NestedArrayExpr(cols, from), nil
	}
	return r.D.NestedObjectExpr(cols, from), nil
}

func (r *Renderer) renderOrderBy(keys []plan.OrderKey, alias string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts[i] = alias + "." + r.D.QuoteIdent(k.Column) + " " + dir
	}
	return strings.Join(parts, ", ")
}

func (r *Renderer) renderPredicateList(preds []*plan.Exp, alias string, sink *paramSink) (string, error) {
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		s, err := r.renderExp(p, alias, alias, sink)
		if err != nil {
			return "", err
		}
		if s != "" {
			parts = append(parts, "("+s+")")
		}
	}
	return strings.Join(parts, " AND "), nil
}

// renderExp lowers one Exp node to SQL text. leftAlias scopes Column;
// rightAlias scopes a ValColumn reference — the two differ only for a join
// predicate ("parent.pk = child.fk"), and are equal for every ordinary
// single-table predicate (a row filter, a row policy, a WHERE clause).
func (r *Renderer) renderExp(e *plan.Exp, leftAlias, rightAlias string, sink *paramSink) (string, error) {
	if e == nil {
		return "", nil
	}
	switch e.Op {
	case plan.OpAnd, plan.OpOr:
		if len(e.Children) == 0 {
			return "", nil
		}
		parts := make([]string, 0, len(e.Children))
		for _, c := range e.Children {
			s, err := r.renderExp(c, leftAlias, rightAlias, sink)
			if err != nil {
				return "", err
			}
			if s != "" {
				parts = append(parts, "("+s+")")
			}
		}
		joiner := " AND "
		if e.Op == plan.OpOr {
			joiner = " OR "
		}
		return strings.Join(parts, joiner), nil
	case plan.OpNot:
		inner, err := r.renderExp(e.Children[0], leftAlias, rightAlias, sink)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case plan.OpIsNull:
		return leftAlias + "." + r.D.QuoteIdent(e.Column) + " IS NULL", nil
	case plan.OpIsNotNull:
		return leftAlias + "." + r.D.QuoteIdent(e.Column) + " IS NOT NULL", nil
	case plan.OpIn, plan.OpNotIn:
		placeholders := make([]string, len(e.List))
		for i, v := range e.List {
			placeholders[i] = sink.bind(v)
		}
		verb := "IN"
		if e.Op == plan.OpNotIn {
			verb = "NOT IN"
		}
		return fmt.Sprintf("%s.%s %s (%s)", leftAlias, r.D.QuoteIdent(e.Column), verb, strings.Join(placeholders, ", ")), nil
	case plan.OpContains, plan.OpStartsWith, plan.OpEndsWith:
		return r.renderLike(e, leftAlias, sink)
	default:
		return r.renderComparison(e, leftAlias, rightAlias, sink)
	}
}

var comparisonTokens = map[plan.ExpOp]string{
	plan.OpEquals: "=", plan.OpNotEquals: "<>",
	plan.OpGreaterThan: ">", plan.OpGreaterOrEquals: ">=",
	plan.OpLesserThan: "<", plan.OpLesserOrEquals: "<=",
}

func (r *Renderer) renderComparison(e *plan.Exp, leftAlias, rightAlias string, sink *paramSink) (string, error) {
	tok, ok := comparisonTokens[e.Op]
	if !ok {
		return "", fmt.Errorf("sqlgen: unsupported operator %s", e.Op)
	}
	left := leftAlias + "." + r.D.QuoteIdent(e.Column)
	switch e.ValType {
	case plan.ValColumn:
		col, _ := e.Val.(string)
		return fmt.Sprintf("%s %s %s.%s", left, tok, rightAlias, r.D.QuoteIdent(col)), nil
	default:
		return fmt.Sprintf("%s %s %s", left, tok, sink.bind(e.Val)), nil
	}
}

// renderLike lowers contains/startsWith/endsWith to a %-wrapped LIKE,
// case-insensitive on dialects that support ILIKE — a [SUPPLEMENT] folded
// in from the original's filter-operator set (SPEC_FULL.md).
func (r *Renderer) renderLike(e *plan.Exp, alias string, sink *paramSink) (string, error) {
	s, ok := e.Val.(string)
	if !ok {
		return "", fmt.Errorf("sqlgen: %s requires a string value", e.Op)
	}
	var pattern string
	switch e.Op {
	case plan.OpContains:
		pattern = "%" + s + "%"
	case plan.OpStartsWith:
		pattern = s + "%"
	case plan.OpEndsWith:
		pattern = "%" + s
	}
	verb := "LIKE"
	if r.D.Name == "postgresql" {
		verb = "ILIKE"
	}
	return fmt.Sprintf("%s.%s %s %s", alias, r.D.QuoteIdent(e.Column), verb, sink.bind(pattern)), nil
}

// renderMutation renders an INSERT/UPDATE/DELETE/UPSERT statement. Each
// branch asks the dialect for its own RETURNING/OUTPUT text rather than the
// renderer assuming a single shared tail — MSSQL's OUTPUT clause sits
// between the column list and the target table, Postgres/MySQL's RETURNING
// (where supported) trails the WHERE clause.
func (r *Renderer) renderMutation(node *plan.Node, sink *paramSink) (string, error) {
	switch node.Kind {
	case plan.MutationCreate:
		return r.renderInsert(node, sink)
	case plan.MutationUpdate:
		return r.renderUpdate(node, sink)
	case plan.MutationDelete:
		return r.renderDelete(node, sink)
	case plan.MutationUpsert, plan.MutationUpsertIncremental:
		return r.renderUpsert(node, sink)
	case plan.MutationExecute:
		return r.renderExecute(node, sink)
	default:
		return "", fmt.Errorf("sqlgen: unknown mutation kind %d", node.Kind)
	}
}

// renderExecute renders a stored-procedure call. Unlike every other
// mutation kind it never goes through RootWrapExpr — a procedure's result
// set shape is whatever the procedure body projects, not something the
// renderer controls, so the executor scans its rows directly instead of
// reading a single JSON column.
func (r *Renderer) renderExecute(node *plan.Node, sink *paramSink) (string, error) {
	placeholders := make([]string, len(node.ProcArgs))
	for i, name := range node.ProcArgs {
		placeholders[i] = sink.bind(node.Values[name])
	}
	return r.D.CallProcExpr(node.Source, placeholders), nil
}

func (r *Renderer) renderColumnValues(cols []plan.Column, values map[string]interface{}, sink *paramSink) (names []string, placeholders []string) {
	names = make([]string, len(cols))
	placeholders = make([]string, len(cols))
	for i, c := range cols {
		names[i] = r.D.QuoteIdent(c.Expr)
		placeholders[i] = sink.bind(values[c.Expr])
	}
	return names, placeholders
}

func (r *Renderer) renderSetList(cols []plan.Column, values map[string]interface{}, sink *paramSink) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = r.D.QuoteIdent(c.Expr) + " = " + sink.bind(values[c.Expr])
	}
	return strings.Join(parts, ", ")
}

func (r *Renderer) renderInsert(node *plan.Node, sink *paramSink) (string, error) {
	names, placeholders := r.renderColumnValues(node.InsertColumns, node.Values, sink)
	table := r.D.QuoteIdent(node.Source)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s)", table, strings.Join(names, ", "))
	if node.ReturnAll && !r.D.SupportsReturning {
		b.WriteString(" OUTPUT INSERTED.*")
	}
	fmt.Fprintf(&b, " VALUES (%s)", strings.Join(placeholders, ", "))
	if node.ReturnAll && r.D.SupportsReturning {
		b.WriteString(" RETURNING *")
	}
	return b.String(), nil
}

func (r *Renderer) renderUpdate(node *plan.Node, sink *paramSink) (string, error) {
	setList := r.renderSetList(node.SetColumns, node.Values, sink)
	table := r.D.QuoteIdent(node.Source)
	alias := rootAlias(node)

	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s AS %s", table, alias)
	b.WriteString(" SET " + setList)
	if node.ReturnAll && !r.D.SupportsReturning {
		b.WriteString(" OUTPUT INSERTED.*")
	}
	if len(node.Predicates) > 0 {
		where, err := r.renderPredicateList(node.Predicates, alias, sink)
		if err != nil {
			return "", err
		}
		if where != "" {
			b.WriteString(" WHERE " + where)
		}
	}
	if node.ReturnAll && r.D.SupportsReturning {
		b.WriteString(" RETURNING *")
	}
	return b.String(), nil
}

func (r *Renderer) renderDelete(node *plan.Node, sink *paramSink) (string, error) {
	table := r.D.QuoteIdent(node.Source)
	alias := rootAlias(node)

	var b strings.Builder
	fmt.Fprintf(&b, "DELETE FROM %s AS %s", table, alias)
	if len(node.ReturnColumns) > 0 && !r.D.SupportsReturning {
		cols := make([]string, len(node.ReturnColumns))
		for i, c := range node.ReturnColumns {
			cols[i] = "DELETED." + r.D.QuoteIdent(c)
		}
		b.WriteString(" OUTPUT " + strings.Join(cols, ", "))
	}
	if len(node.Predicates) > 0 {
		where, err := r.renderPredicateList(node.Predicates, alias, sink)
		if err != nil {
			return "", err
		}
		if where != "" {
			b.WriteString(" WHERE " + where)
		}
	}
	if len(node.ReturnColumns) > 0 && r.D.SupportsReturning {
		b.WriteString(" RETURNING " + strings.Join(quoteAll(r.D, node.ReturnColumns), ", "))
	}
	return b.String(), nil
}

// renderUpsert asks the dialect for its single-statement upsert tail
// (ON CONFLICT / ON DUPLICATE KEY UPDATE) and appends it to an INSERT. A
// dialect whose UpsertClause returns "" (MSSQL, DWSQL) gets the plain
// INSERT alone: no MERGE is rendered and no second statement updates an
// existing row, so an upsert of an existing key fails there with the
// backend's duplicate-key error.
func (r *Renderer) renderUpsert(node *plan.Node, sink *paramSink) (string, error) {
	names, placeholders := r.renderColumnValues(node.InsertColumns, node.Values, sink)
	table := r.D.QuoteIdent(node.Source)
	setList := r.renderSetList(node.SetColumns, node.Values, sink)

	tail := r.D.UpsertClause(quoteAll(r.D, node.ConflictCols), setList)
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if tail != "" {
		b.WriteString(" " + tail)
	}
	if node.ReturnAll && r.D.SupportsReturning && tail != "" {
		b.WriteString(" RETURNING *")
	}
	return b.String(), nil
}

func quoteAll(d dialect.Dialect, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = d.QuoteIdent(n)
	}
	return out
}

// renderGroupBy renders a GROUP BY query whose Columns are the grouping
// columns and Aggregations the aggregate terms. The result still comes
// back as one JSON array via RootWrapExpr
// so the executor's single-JSON-column contract holds for aggregation
// queries too.
func (r *Renderer) renderGroupBy(node *plan.Node, sink *paramSink) (string, error) {
	alias := rootAlias(node)
	groupCols := make([]string, len(node.Columns))
	fields := make([]dialect.JSONField, 0, len(node.Columns)+len(node.Aggregations))
	for i, c := range node.Columns {
		groupCols[i] = alias + "." + r.D.QuoteIdent(c.Expr)
		fields = append(fields, dialect.JSONField{Expr: groupCols[i], Alias: c.Alias})
	}
	for _, agg := range node.Aggregations {
		expr, err := r.renderAggExpr(agg, alias)
		if err != nil {
			return "", err
		}
		fields = append(fields, dialect.JSONField{Expr: expr, Alias: agg.Alias})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s AS %s", r.D.QuoteIdent(node.Source), r.D.QuoteIdent(alias))
	if len(node.Predicates) > 0 {
		where, err := r.renderPredicateList(node.Predicates, alias, sink)
		if err != nil {
			return "", err
		}
		if where != "" {
			b.WriteString(" WHERE " + where)
		}
	}
	if len(groupCols) > 0 {
		b.WriteString(" GROUP BY " + strings.Join(groupCols, ", "))
	}
	from := b.String()
	return r.D.RootWrapExpr(fields, from, false), nil
}

func (r *Renderer) renderAggExpr(agg plan.AggregationTerm, alias string) (string, error) {
	switch agg.Fn {
	case plan.AggCount:
		if agg.Field == "" {
			return "COUNT(*)", nil
		}
		return fmt.Sprintf("COUNT(%s.%s)", alias, r.D.QuoteIdent(agg.Field)), nil
	case plan.AggCountDistinct:
		return fmt.Sprintf("COUNT(DISTINCT %s.%s)", alias, r.D.QuoteIdent(agg.Field)), nil
	case plan.AggSum:
		return fmt.Sprintf("SUM(%s.%s)", alias, r.D.QuoteIdent(agg.Field)), nil
	case plan.AggAvg:
		return fmt.Sprintf("AVG(%s.%s)", alias, r.D.QuoteIdent(agg.Field)), nil
	case plan.AggMin:
		return fmt.Sprintf("MIN(%s.%s)", alias, r.D.QuoteIdent(agg.Field)), nil
	case plan.AggMax:
		return fmt.Sprintf("MAX(%s.%s)", alias, r.D.QuoteIdent(agg.Field)), nil
	default:
		return "", fmt.Errorf("sqlgen: unsupported aggregate function")
	}
}
