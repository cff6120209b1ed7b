package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/databridge/dataapi/conf"
)

// Queryer is the minimal surface introspection needs from a connection —
// deliberately narrower than core/exec.Conn so this package never imports
// the executor (introspection runs once per entity per snapshot, the
// executor runs per request; keeping them decoupled keeps either free to
// change without touching the other).
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// columnQueryANSI, pkQueryANSI and fkQueryANSI are the three static
// introspection statements used
// for every dialect whose information schema follows the SQL standard
// closely enough to share a query — Postgres, MySQL and MSSQL all expose
// information_schema.columns/key_column_usage/table_constraints with the
// same shape for the columns we need, with MySQL requiring table_schema =
// DATABASE() and the other two requiring table_schema = current_schema().
const columnQueryANSI = `
SELECT c.column_name, c.data_type, c.is_nullable,
       CASE WHEN c.column_default LIKE 'nextval%%' OR c.extra = 'auto_increment' THEN 1 ELSE 0 END AS is_identity
FROM information_schema.columns c
WHERE c.table_schema = %s AND c.table_name = ?
ORDER BY c.ordinal_position`

const pkQueryANSI = `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.table_schema = %s AND tc.table_name = ? AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY kcu.ordinal_position`

const fkQueryANSI = `
SELECT kcu.constraint_name, kcu.column_name, kcu.ordinal_position,
       ccu.table_name AS ref_table, ccu.column_name AS ref_column
FROM information_schema.key_column_usage kcu
JOIN information_schema.referential_constraints rc
  ON kcu.constraint_name = rc.constraint_name AND kcu.table_schema = rc.constraint_schema
JOIN information_schema.key_column_usage ccu
  ON rc.unique_constraint_name = ccu.constraint_name AND ccu.ordinal_position = kcu.position_in_unique_constraint
WHERE kcu.table_schema = %s AND kcu.table_name = ?
ORDER BY kcu.constraint_name, kcu.ordinal_position`

func schemaExpr(kind conf.DBKind) string {
	if kind == conf.KindMySQL {
		return "DATABASE()"
	}
	return "current_schema()"
}

// tableParam rewrites the query's single "?" table-name placeholder into
// the dialect's own bind-variable syntax — introspection goes through
// database/sql directly rather than the SQL renderer, so it has to do this
// rewrite itself instead of inheriting it from dialect.Dialect.BindVar.
func tableParam(kind conf.DBKind, query string) string {
	if kind == conf.KindMySQL {
		return query
	}
	return strings.Replace(query, "?", "$1", 1)
}

// splitObject splits "schema.table" into its parts, defaulting schema to
// "dbo" for MSSQL/DWSQL and "public" for PostgreSQL, matching each engine's
// own default search-path convention.
func splitObject(kind conf.DBKind, object string) (schema, table string) {
	if i := strings.LastIndex(object, "."); i >= 0 {
		return object[:i], object[i+1:]
	}
	switch kind {
	case conf.KindMSSQL, conf.KindDWSQL:
		return "dbo", object
	default:
		return "public", object
	}
}

// introspectTable runs the column/PK/FK queries for one object and builds a
// TableInfo. q is a *sql.DB or *sql.Conn — anything satisfying Queryer.
func introspectTable(ctx context.Context, q Queryer, kind conf.DBKind, object string) (*TableInfo, error) {
	schema, table := splitObject(kind, object)

	cols, err := queryColumns(ctx, q, kind, schema, table)
	if err != nil {
		return nil, fmt.Errorf("introspect columns for %s: %w", object, err)
	}
	pk, err := queryPrimaryKey(ctx, q, kind, schema, table)
	if err != nil {
		return nil, fmt.Errorf("introspect primary key for %s: %w", object, err)
	}
	fks, err := queryForeignKeys(ctx, q, kind, schema, table)
	if err != nil {
		return nil, fmt.Errorf("introspect foreign keys for %s: %w", object, err)
	}

	pkSet := map[string]bool{}
	for _, c := range pk {
		pkSet[c] = true
	}

	ti := &TableInfo{Object: object, PrimaryKey: pk, ForeignKeys: fks, ColumnByName: map[string]Column{}}
	for _, c := range cols {
		c.IsPrimary = pkSet[c.Name]
		ti.Columns = append(ti.Columns, c)
		ti.ColumnByName[c.Name] = c
	}
	return ti, nil
}

func queryColumns(ctx context.Context, q Queryer, kind conf.DBKind, schema, table string) ([]Column, error) {
	query := tableParam(kind, fmt.Sprintf(columnQueryANSI, schemaExpr(kind)))
	rows, err := q.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var c Column
		var nullable string
		var identity int
		if err := rows.Scan(&c.Name, &c.DBType, &nullable, &identity); err != nil {
			return nil, err
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
		c.IsIdentity = identity == 1
		out = append(out, c)
	}
	return out, rows.Err()
}

func queryPrimaryKey(ctx context.Context, q Queryer, kind conf.DBKind, schema, table string) ([]string, error) {
	query := tableParam(kind, fmt.Sprintf(pkQueryANSI, schemaExpr(kind)))
	rows, err := q.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func queryForeignKeys(ctx context.Context, q Queryer, kind conf.DBKind, schema, table string) ([]ForeignKey, error) {
	query := tableParam(kind, fmt.Sprintf(fkQueryANSI, schemaExpr(kind)))
	rows, err := q.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := map[string]*ForeignKey{}
	var order []string
	for rows.Next() {
		var constraintName, column string
		var pos int
		var refTable, refColumn string
		if err := rows.Scan(&constraintName, &column, &pos, &refTable, &refColumn); err != nil {
			return nil, err
		}
		fk, ok := byName[constraintName]
		if !ok {
			fk = &ForeignKey{ConstraintKey: constraintName, RefObject: refTable}
			byName[constraintName] = fk
			order = append(order, constraintName)
		}
		fk.Columns = append(fk.Columns, column)
		fk.RefColumns = append(fk.RefColumns, refColumn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ForeignKey, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}
