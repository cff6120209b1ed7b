package exec

import (
	"context"
	"database/sql"
)

// sqlConn adapts a *sql.DB to the Conn interface — the only place in this
// package that wraps a live *sql.DB/*sql.Tx, so the executor is testable
// against mockconn without a real driver.
type sqlConn struct {
	db *sql.DB
}

// WrapDB returns a Conn backed by db. Callers open db themselves (via
// sql.Open with whichever driver the configured DataSource.Kind resolves
// to) and pass it in already pinged and pooled.
func WrapDB(db *sql.DB) Conn {
	return sqlConn{db: db}
}

func (c sqlConn) QueryRowContext(ctx context.Context, query string, args ...interface{}) Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c sqlConn) BeginTx(ctx context.Context, readOnly bool) (Tx, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
		ReadOnly:  readOnly,
	})
	if err != nil {
		return nil, err
	}
	return sqlTx{tx: tx}, nil
}

func (c sqlConn) Close() error { return c.db.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (t sqlTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t sqlTx) QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t sqlTx) ExecContext(ctx context.Context, query string, args ...interface{}) (Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t sqlTx) Commit() error   { return t.tx.Commit() }
func (t sqlTx) Rollback() error { return t.tx.Rollback() }
