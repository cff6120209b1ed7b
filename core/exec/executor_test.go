package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge/dataapi/core"
	"github.com/databridge/dataapi/core/sqlgen"
)

func TestRunRead_ReturnsDocument(t *testing.T) {
	conn := &MockConn{Responses: []MockResponse{{Doc: `{"id":1}`}}}
	e := NewExecutor(conn, 0, nil)

	doc, err := e.RunRead(context.Background(), "Book", sqlgen.Rendered{SQL: `SELECT 1`})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, `{"id":1}`, *doc)
}

func TestRunRead_NullDocument(t *testing.T) {
	conn := &MockConn{Responses: []MockResponse{{NullDoc: true}}}
	e := NewExecutor(conn, 0, nil)

	doc, err := e.RunRead(context.Background(), "Book", sqlgen.Rendered{SQL: `SELECT 1`})
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestRunRead_ClassifiesDatabaseFailure(t *testing.T) {
	// core.Retry makes four attempts; every one of them fails.
	failure := MockResponse{Err: assertErr{"connection reset"}}
	conn := &MockConn{Responses: []MockResponse{failure, failure, failure, failure}}
	e := NewExecutor(conn, 0, nil)

	_, err := e.RunRead(context.Background(), "Book", sqlgen.Rendered{SQL: `SELECT 1`})
	require.Error(t, err)
	var ge *core.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, core.DatabaseOperationFailed, ge.Kind)
	assert.Equal(t, "Book", ge.Entity)
}

func TestRunMutation_ExecBranchReportsRowsAffected(t *testing.T) {
	conn := &MockConn{Responses: []MockResponse{{Affected: 1}}}
	e := NewExecutor(conn, 0, nil)

	doc, affected, err := e.RunMutation(context.Background(), "Book", sqlgen.Rendered{SQL: `DELETE FROM books`}, false)
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.EqualValues(t, 1, affected)
}

func TestRunMutation_ReturningBranchReportsDocument(t *testing.T) {
	conn := &MockConn{Responses: []MockResponse{{Doc: `{"id":7}`}}}
	e := NewExecutor(conn, 0, nil)

	doc, affected, err := e.RunMutation(context.Background(), "Book", sqlgen.Rendered{SQL: `INSERT INTO books ...`}, true)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, `{"id":7}`, *doc)
	assert.EqualValues(t, 1, affected)
}

func TestAcquire_BlocksBeyondCapacity(t *testing.T) {
	conn := &MockConn{Responses: []MockResponse{{NullDoc: true}}}
	e := NewExecutor(conn, 1, nil)

	release, err := e.acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.acquire(ctx)
	require.Error(t, err)
	var ge *core.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, core.ServiceBusy, ge.Kind)

	release()
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
