package exec

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// MockConn is a hand-written Conn double for tests — no reflection-built
// driver, no sqlmock expectation DSL, just a queue of canned responses.
type MockConn struct {
	// Responses is consumed in order, one per statement call
	// (QueryRowContext, QueryContext or ExecContext). Once they run out,
	// every further call gets a NULL document.
	Responses []MockResponse
	calls     int

	// BeginErr, when set, is returned by the next BeginTx call instead of a
	// transaction.
	BeginErr error

	Queries []string // every rendered SQL text this conn was asked to run
}

// MockResponse is one canned outcome for a single statement.
type MockResponse struct {
	Doc      string // JSON document text, returned as-is unless NullDoc is set
	NullDoc  bool   // the statement yields SQL NULL
	Affected int64
	Err      error

	// ProcRows canned-answers a stored-procedure QueryContext call — each
	// map is one result row, keyed by column name.
	ProcRows []map[string]interface{}
}

func (c *MockConn) QueryRowContext(ctx context.Context, query string, args ...interface{}) Row {
	c.Queries = append(c.Queries, query)
	return mockRow{resp: c.next()}
}

func (c *MockConn) BeginTx(ctx context.Context, readOnly bool) (Tx, error) {
	if c.BeginErr != nil {
		return nil, c.BeginErr
	}
	return &mockTx{conn: c}, nil
}

func (c *MockConn) Close() error { return nil }

func (c *MockConn) next() MockResponse {
	if c.calls >= len(c.Responses) {
		return MockResponse{NullDoc: true}
	}
	r := c.Responses[c.calls]
	c.calls++
	return r
}

type mockRow struct {
	resp MockResponse
}

func (r mockRow) Scan(dest ...interface{}) error {
	if r.resp.Err != nil {
		return r.resp.Err
	}
	if len(dest) != 1 {
		return nil
	}
	ns, ok := dest[0].(*sql.NullString)
	if !ok {
		return nil
	}
	if r.resp.NullDoc {
		*ns = sql.NullString{}
		return nil
	}
	*ns = sql.NullString{String: r.resp.Doc, Valid: true}
	return nil
}

type mockTx struct {
	conn *MockConn
}

func (t *mockTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

func (t *mockTx) QueryContext(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	t.conn.Queries = append(t.conn.Queries, query)
	resp := t.conn.next()
	if resp.Err != nil {
		return nil, resp.Err
	}
	cols := map[string]bool{}
	var order []string
	for _, row := range resp.ProcRows {
		names := make([]string, 0, len(row))
		for k := range row {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, n := range names {
			if !cols[n] {
				cols[n] = true
				order = append(order, n)
			}
		}
	}
	return &mockRows{rows: resp.ProcRows, cols: order}, nil
}

func (t *mockTx) ExecContext(ctx context.Context, query string, args ...interface{}) (Result, error) {
	t.conn.Queries = append(t.conn.Queries, query)
	resp := t.conn.next()
	if resp.Err != nil {
		return nil, resp.Err
	}
	return mockResult{affected: resp.Affected}, nil
}

func (t *mockTx) Commit() error   { return nil }
func (t *mockTx) Rollback() error { return nil }

type mockResult struct {
	affected int64
}

func (r mockResult) RowsAffected() (int64, error) { return r.affected, nil }

// mockRows is the hand-written Rows double for a stored procedure's result
// set — canned as a slice of column-name-keyed maps rather than anything
// driver-shaped.
type mockRows struct {
	rows []map[string]interface{}
	cols []string
	i    int
}

func (r *mockRows) Next() bool {
	if r.i >= len(r.rows) {
		return false
	}
	r.i++
	return true
}

func (r *mockRows) Columns() ([]string, error) { return r.cols, nil }

func (r *mockRows) Scan(dest ...interface{}) error {
	row := r.rows[r.i-1]
	if len(dest) != len(r.cols) {
		return fmt.Errorf("mockRows: scan got %d dest, want %d", len(dest), len(r.cols))
	}
	for i, col := range r.cols {
		ptr, ok := dest[i].(*interface{})
		if !ok {
			return fmt.Errorf("mockRows: dest[%d] must be *interface{}", i)
		}
		*ptr = row[col]
	}
	return nil
}

func (r *mockRows) Err() error   { return nil }
func (r *mockRows) Close() error { return nil }
