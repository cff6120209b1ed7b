// Package dialect isolates the handful of SQL-text differences between
// backends behind a single capability record. Earlier designs in this
// codebase's lineage expressed a dialect as a large polymorphic interface
// with one method per rendering decision; here a plain struct of funcs and
// flags takes its place. The planner and renderer are the only consumers and
// they need data, not a type to satisfy — a struct lets a backend override
// three fields and inherit the rest instead of re-implementing a 40-method
// interface to change one LIMIT clause.
package dialect

import (
	"fmt"
	"strings"

	"github.com/databridge/dataapi/conf"
)

// Dialect is the full set of backend-specific knobs the planner and SQL
// renderer consult. Every field has a sensible cross-backend default;
// Lookup only overrides what a given DBKind actually needs to differ on.
type Dialect struct {
	Name string

	// QuoteIdent quotes a single identifier (table, column, alias).
	QuoteIdent func(ident string) string

	// BindVar renders the i'th (1-based) positional parameter placeholder.
	BindVar func(i int) string

	// LimitOffset renders the LIMIT/OFFSET (or backend equivalent) clause
	// text, given parameter placeholders already allocated by the caller
	// for limit and offset. offsetPlaceholder is "" when no offset applies.
	LimitOffset func(limitPlaceholder, offsetPlaceholder string) string

	// NestedObjectExpr renders a complete correlated subquery expression
	// that produces a single JSON object for a to-one nested selection —
	// cols names the child's projected columns (already-quoted column
	// expr + output alias), from is the already-built "FROM child AS c
	// JOIN ... WHERE <correlation predicate>" clause text. Each dialect
	// decides its own JSON-construction syntax here (jsonb_build_object
	// for Postgres, JSON_OBJECT for MySQL, FOR JSON PATH,
	// WITHOUT_ARRAY_WRAPPER for MSSQL) rather than sharing one fragment
	// format that doesn't actually fit all three.
	NestedObjectExpr func(cols []JSONField, from string) string

	// NestedArrayExpr is NestedObjectExpr's to-many counterpart, producing
	// a JSON array (empty array, never NULL, when the subquery has no
	// rows).
	NestedArrayExpr func(cols []JSONField, from string) string

	// RootWrapExpr wraps the compiled root query (already a "SELECT ...
	// FROM ... WHERE ..." with cols already carrying their nested JSON
	// subquery expressions) into the single JSON document the executor
	// streams back — the database returns a JSON document directly.
	// single is true for a by-PK/singular fetch (JSON object), false for
	// a plural root (JSON array).
	RootWrapExpr func(cols []JSONField, from string, single bool) string

	// UpsertClause renders the backend's upsert tail given the conflict
	// target columns (already quoted) and the SET-list fragment for the
	// update branch. Returns "" if the backend has no upsert tail; the
	// renderer then emits the INSERT alone, with no update branch.
	UpsertClause func(conflictCols []string, setList string) string

	SupportsReturning bool

	// PlaceholderStyle distinguishes "$1"-style positional binding from
	// "?"-style sequential binding, consulted by the renderer when
	// deciding whether repeated references to one logical parameter can
	// share a single placeholder.
	PlaceholderStyle PlaceholderStyle

	// CallProcExpr renders the statement that invokes a stored-procedure
	// entity with its already-bound positional argument placeholders.
	// Stored procedures return their own driver-native result set rather
	// than the single JSON document every other Node produces, so the
	// executor scans rows itself instead of reading one JSON column.
	CallProcExpr func(proc string, placeholders []string) string
}

// JSONField is one column a nested or root JSON projection emits: Expr is
// the (already-quoted, possibly alias-prefixed) SQL column expression,
// Alias is the output key/column name.
type JSONField struct {
	Expr  string
	Alias string
}

func jsonPairs(cols []JSONField) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = "'" + c.Alias + "', " + c.Expr
	}
	return strings.Join(parts, ", ")
}

func selectList(cols []JSONField, asTok string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.Expr + " " + asTok + " " + c.Alias
	}
	return strings.Join(parts, ", ")
}

type PlaceholderStyle int

const (
	PlaceholderDollar PlaceholderStyle = iota // $1, $2, ...
	PlaceholderQuestion                       // ?, ?, ... (one per occurrence)
)

// defaultDialect holds the ANSI-ish baseline every backend starts from.
var defaultDialect = Dialect{
	QuoteIdent: func(ident string) string {
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	},
	BindVar: func(i int) string { return fmt.Sprintf("$%d", i) },
	LimitOffset: func(limit, offset string) string {
		s := "LIMIT " + limit
		if offset != "" {
			s += " OFFSET " + offset
		}
		return s
	},
	NestedObjectExpr: func(cols []JSONField, from string) string {
		return "(SELECT jsonb_build_object(" + jsonPairs(cols) + ") " + from + " LIMIT 1)"
	},
	NestedArrayExpr: func(cols []JSONField, from string) string {
		return "(SELECT COALESCE(jsonb_agg(jsonb_build_object(" + jsonPairs(cols) + ")), '[]'::jsonb) " + from + ")"
	},
	RootWrapExpr: func(cols []JSONField, from string, single bool) string {
		obj := "jsonb_build_object(" + jsonPairs(cols) + ")"
		if single {
			return "SELECT " + obj + " " + from + " LIMIT 1"
		}
		return "SELECT COALESCE(jsonb_agg(" + obj + "), '[]'::jsonb) " + from
	},
	PlaceholderStyle: PlaceholderDollar,
	CallProcExpr: func(proc string, placeholders []string) string {
		return "SELECT * FROM " + proc + "(" + strings.Join(placeholders, ", ") + ")"
	},
}

var registry = map[conf.DBKind]Dialect{}

func init() {
	pg := defaultDialect
	pg.Name = "postgresql"
	pg.SupportsReturning = true
	pg.UpsertClause = func(conflictCols []string, setList string) string {
		return "ON CONFLICT (" + strings.Join(conflictCols, ", ") + ") DO UPDATE SET " + setList
	}
	registry[conf.KindPostgreSQL] = pg

	my := defaultDialect
	my.Name = "mysql"
	my.SupportsReturning = false
	my.PlaceholderStyle = PlaceholderQuestion
	my.QuoteIdent = func(ident string) string {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	my.BindVar = func(i int) string { return "?" }
	my.NestedObjectExpr = func(cols []JSONField, from string) string {
		return "(SELECT JSON_OBJECT(" + jsonPairs(cols) + ") " + from + " LIMIT 1)"
	}
	my.NestedArrayExpr = func(cols []JSONField, from string) string {
		return "(SELECT CAST(COALESCE(JSON_ARRAYAGG(JSON_OBJECT(" + jsonPairs(cols) + ")), JSON_ARRAY()) AS JSON) " + from + ")"
	}
	my.RootWrapExpr = func(cols []JSONField, from string, single bool) string {
		obj := "JSON_OBJECT(" + jsonPairs(cols) + ")"
		if single {
			return "SELECT " + obj + " " + from + " LIMIT 1"
		}
		return "SELECT CAST(COALESCE(JSON_ARRAYAGG(" + obj + "), JSON_ARRAY()) AS JSON) " + from
	}
	my.UpsertClause = func(_ []string, setList string) string {
		return "ON DUPLICATE KEY UPDATE " + setList
	}
	my.CallProcExpr = func(proc string, placeholders []string) string {
		return "CALL " + proc + "(" + strings.Join(placeholders, ", ") + ")"
	}
	registry[conf.KindMySQL] = my

	ms := defaultDialect
	ms.Name = "mssql"
	ms.SupportsReturning = false
	ms.PlaceholderStyle = PlaceholderQuestion
	ms.QuoteIdent = func(ident string) string {
		return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
	}
	ms.BindVar = func(i int) string { return "@p" + fmt.Sprintf("%d", i) }
	ms.LimitOffset = func(limit, offset string) string {
		off := offset
		if off == "" {
			off = "0"
		}
		return "OFFSET " + off + " ROWS FETCH NEXT " + limit + " ROWS ONLY"
	}
	ms.NestedObjectExpr = func(cols []JSONField, from string) string {
		return "(SELECT " + selectList(cols, "AS") + " " + from + " FOR JSON PATH, WITHOUT_ARRAY_WRAPPER)"
	}
	ms.NestedArrayExpr = func(cols []JSONField, from string) string {
		return "JSON_QUERY(COALESCE((SELECT " + selectList(cols, "AS") + " " + from + " FOR JSON PATH), '[]'))"
	}
	ms.RootWrapExpr = func(cols []JSONField, from string, single bool) string {
		tail := "FOR JSON PATH"
		if single {
			tail += ", WITHOUT_ARRAY_WRAPPER"
		}
		return "SELECT " + selectList(cols, "AS") + " " + from + " " + tail
	}
	ms.UpsertClause = func(_ []string, _ string) string { return "" } // no upsert tail: plain INSERT, no MERGE
	ms.CallProcExpr = func(proc string, placeholders []string) string {
		return "EXEC " + proc + " " + strings.Join(placeholders, ", ")
	}
	registry[conf.KindMSSQL] = ms

	dw := ms
	dw.Name = "dwsql"
	registry[conf.KindDWSQL] = dw

	lite := defaultDialect
	lite.Name = "sqlite"
	lite.SupportsReturning = true
	lite.PlaceholderStyle = PlaceholderQuestion
	lite.BindVar = func(i int) string { return "?" }
	lite.NestedObjectExpr = func(cols []JSONField, from string) string {
		return "(SELECT json_object(" + jsonPairs(cols) + ") " + from + " LIMIT 1)"
	}
	lite.NestedArrayExpr = func(cols []JSONField, from string) string {
		return "(SELECT COALESCE(json_group_array(json_object(" + jsonPairs(cols) + ")), '[]') " + from + ")"
	}
	lite.RootWrapExpr = func(cols []JSONField, from string, single bool) string {
		obj := "json_object(" + jsonPairs(cols) + ")"
		if single {
			return "SELECT " + obj + " " + from + " LIMIT 1"
		}
		return "SELECT COALESCE(json_group_array(" + obj + "), '[]') " + from
	}
	lite.UpsertClause = func(conflictCols []string, setList string) string {
		return "ON CONFLICT (" + strings.Join(conflictCols, ", ") + ") DO UPDATE SET " + setList
	}
	// SQLite has no stored-procedure concept; CallProcExpr is inherited from
	// defaultDialect purely so a stored-procedure entity config doesn't panic
	// against a sqlite dev database, not because the statement would execute.
	registry[conf.KindSQLite] = lite
}

// Lookup returns the Dialect for kind, falling back to the ANSI default (no
// upsert, positional $N binding) for kinds without a concrete entry —
// notably the Cosmos variants, which never reach the SQL renderer at all
// since their executor speaks a document query language instead.
func Lookup(kind conf.DBKind) Dialect {
	if d, ok := registry[kind]; ok {
		return d
	}
	d := defaultDialect
	d.Name = string(kind)
	return d
}
