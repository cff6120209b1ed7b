// Package exec runs compiled, rendered SQL against the configured backend —
// the Query Executor stage of the gateway pipeline. It is deliberately thin:
// almost everything here is plumbing around database/sql rather than a
// bespoke driver layer.
package exec

import "context"

// Conn is the external-collaborator boundary this package depends on
// instead of *sql.DB directly: no reflection-driven fake for this
// collaborator, just an interface and a hand-written test double. A *sql.DB
// is adapted to it by WrapDB (dbconn.go); mockconn.go provides the
// hand-written test double.
type Conn interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) Row
	BeginTx(ctx context.Context, readOnly bool) (Tx, error)
	Close() error
}

// Row is the single-row result most executed statements return — a read,
// mutation, or groupBy statement always produces exactly one JSON document
// column, so QueryRowContext covers it. A stored-procedure call is the
// exception and goes through QueryContext/Rows instead, since its result
// set shape comes from the procedure body, not from this package.
type Row interface {
	Scan(dest ...interface{}) error
}

// Tx is the subset of *sql.Tx the executor drives.
type Tx interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (Result, error)
	Commit() error
	Rollback() error
}

// Result mirrors sql.Result — kept as its own interface so mockconn doesn't
// need to fabricate a driver.Result.
type Result interface {
	RowsAffected() (int64, error)
}

// Rows is the multi-row cursor a stored-procedure call's result set needs —
// the one statement kind this package runs that doesn't come back as a
// single JSON document, since a procedure body projects whatever shape it
// wants rather than one the renderer controls.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Columns() ([]string, error)
	Err() error
	Close() error
}
