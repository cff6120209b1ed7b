package exec

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/databridge/dataapi/core"
	"github.com/databridge/dataapi/core/sqlgen"
)

// mutationTimeout bounds a single write statement — long enough for a
// reasonable write under contention, short enough that a stuck connection
// fails the request instead of holding a pool slot indefinitely.
const mutationTimeout = 30 * time.Second

// Executor runs a sqlgen.Rendered statement against one backend connection
// and returns the single JSON document every rendered statement produces.
// It holds no per-request state and is shared across requests; its own
// sem (see NewExecutor) bounds how many statements run at once.
type Executor struct {
	Conn Conn
	Log  *zap.SugaredLogger

	// sem bounds concurrent connections this executor hands out, per
	// DataSource — independent of the Engine's request-admission
	// semaphore, which bounds requests rather than connections.
	sem chan struct{}
}

// NewExecutor returns an Executor backed by conn, admitting at most
// maxConns concurrent statements. maxConns <= 0 means unbounded.
func NewExecutor(conn Conn, maxConns int, log *zap.SugaredLogger) *Executor {
	e := &Executor{Conn: conn, Log: log}
	if maxConns > 0 {
		e.sem = make(chan struct{}, maxConns)
	}
	return e
}

func (e *Executor) acquire(ctx context.Context) (func(), error) {
	if e.sem == nil {
		return func() {}, nil
	}
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	case <-ctx.Done():
		return nil, core.WrapError(core.ServiceBusy, ctx.Err(), "database connection wait cancelled")
	}
}

// RunRead executes a read-only rendered statement inside a READ COMMITTED
// transaction and returns the one
// JSON document the statement's RootWrapExpr produced. An empty result set
// (COALESCE'd to '[]' / no row or plain NULL for a singular fetch) is not an
// error; a singular fetch then returns a nil document, and the caller
// (schema.Runtime) decides whether it means EntityNotFound.
func (e *Executor) RunRead(ctx context.Context, entity string, r sqlgen.Rendered) (*string, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var doc *string
	runErr := core.Retry(ctx, func() error {
		tx, err := e.Conn.BeginTx(ctx, true)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		var s sql.NullString
		if err := tx.QueryRowContext(ctx, r.SQL, r.Args...).Scan(&s); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if s.Valid {
			doc = &s.String
		}
		return nil
	})
	if runErr != nil {
		return nil, classify(entity, runErr)
	}
	return doc, nil
}

// RunMutation executes a rendered INSERT/UPDATE/DELETE/UPSERT statement,
// bounded by mutationTimeout, and returns the returned JSON document and
// the affected-row count. With expectReturning the statement's one row is
// read: no row gives a nil document and a count of 0, a row gives a count
// of 1. Without it the statement is executed, the document is nil and the
// count comes from RowsAffected.
func (e *Executor) RunMutation(ctx context.Context, entity string, r sqlgen.Rendered, expectReturning bool) (*string, int64, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	var doc *string
	var affected int64

	runErr := core.Retry(ctx, func() error {
		tx, err := e.Conn.BeginTx(ctx, false)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		if expectReturning {
			var s sql.NullString
			if err := tx.QueryRowContext(ctx, r.SQL, r.Args...).Scan(&s); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					affected = 0
				} else {
					return err
				}
			} else {
				affected = 1
				if s.Valid {
					doc = &s.String
				}
			}
		} else {
			res, err := tx.ExecContext(ctx, r.SQL, r.Args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			affected = n
		}
		return tx.Commit()
	})
	if runErr != nil {
		return nil, 0, classify(entity, runErr)
	}
	return doc, affected, nil
}

// RunMultiMutation executes stmts inside a single transaction, committing
// only if every statement succeeds — the batched multi-mutation path's
// all-or-nothing guarantee (a mid-batch failure rolls every prior statement
// in the batch back along with it, via the deferred tx.Rollback firing
// before Commit is ever reached). docs[i]/affected[i] mirror RunMutation's
// single-statement return, one slot per entry of stmts.
func (e *Executor) RunMultiMutation(ctx context.Context, entity string, stmts []sqlgen.Rendered, expectReturning []bool) ([]*string, []int64, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	docs := make([]*string, len(stmts))
	affected := make([]int64, len(stmts))

	runErr := core.Retry(ctx, func() error {
		for i := range docs {
			docs[i] = nil
			affected[i] = 0
		}
		tx, err := e.Conn.BeginTx(ctx, false)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		for i, r := range stmts {
			if expectReturning[i] {
				var s sql.NullString
				if err := tx.QueryRowContext(ctx, r.SQL, r.Args...).Scan(&s); err != nil {
					if errors.Is(err, sql.ErrNoRows) {
						affected[i] = 0
						continue
					}
					return err
				}
				affected[i] = 1
				if s.Valid {
					doc := s.String
					docs[i] = &doc
				}
			} else {
				res, err := tx.ExecContext(ctx, r.SQL, r.Args...)
				if err != nil {
					return err
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				affected[i] = n
			}
		}
		return tx.Commit()
	})
	if runErr != nil {
		return nil, nil, classify(entity, runErr)
	}
	return docs, affected, nil
}

// RunProcedure invokes a stored-procedure entity and returns its result set
// marshaled as a JSON array of row objects — the one statement kind whose
// shape comes from the procedure body rather than RootWrapExpr, so rows are
// scanned generically here instead of read as one pre-built JSON column.
func (e *Executor) RunProcedure(ctx context.Context, entity string, r sqlgen.Rendered) (*string, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, mutationTimeout)
	defer cancel()

	var doc string
	runErr := core.Retry(ctx, func() error {
		tx, err := e.Conn.BeginTx(ctx, false)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		rows, err := tx.QueryContext(ctx, r.SQL, r.Args...)
		if err != nil {
			return err
		}
		out, err := scanRows(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return err
		}
		doc = string(b)
		return nil
	})
	if runErr != nil {
		return nil, classify(entity, runErr)
	}
	return &doc, nil
}

func scanRows(rows Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// classify maps a driver/transport error to the gateway's error taxonomy.
// Only a handful of conditions are distinguishable without a driver-specific
// error-code table (which this module deliberately doesn't maintain, to
// stay free of any one vendor driver's error type) — everything else
// becomes DatabaseOperationFailed, the taxonomy's general database-failure
// bucket.
func classify(entity string, err error) error {
	if err == nil {
		return nil
	}
	var ge *core.GatewayError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ge = core.WrapError(core.ServiceBusy, err, "database operation timed out")
	case errors.Is(err, context.Canceled):
		ge = core.WrapError(core.ServiceBusy, err, "database operation cancelled")
	case errors.Is(err, sql.ErrNoRows):
		ge = core.WrapError(core.EntityNotFound, err, "%s not found", entity)
	case errors.As(err, &ge):
		// already a GatewayError (e.g. raised by the planner); pass through.
	default:
		ge = core.WrapError(core.DatabaseOperationFailed, err, "database operation failed")
	}
	ge.Entity = entity
	return ge
}
