package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/databridge/dataapi/conf"
	"github.com/databridge/dataapi/core/dialect"
	"github.com/databridge/dataapi/core/plan"
	"github.com/databridge/dataapi/core/sqlgen"
)

// TestOpenSQLite_RunsRenderedQuery exercises the full compile-render-execute
// chain against a real (in-memory) database rather than a mock connection,
// proving out the sqlite wiring end to end: plan.Node -> sqlgen.Rendered ->
// exec.Executor -> a real driver round trip.
func TestOpenSQLite_RunsRenderedQuery(t *testing.T) {
	db, err := Open(conf.DataSource{Kind: conf.KindSQLite, ConnectionString: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE books (id INTEGER PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO books (id, title) VALUES (1, 'Dune')`)
	require.NoError(t, err)

	node := &plan.Node{
		Source: "books",
		Alias:  "t0",
		Columns: []plan.Column{
			{Expr: "id", Alias: "id"},
			{Expr: "title", Alias: "title"},
		},
		Shape: plan.ShapeArray,
	}
	r := sqlgen.New(dialect.Lookup(conf.KindSQLite))
	rendered, err := r.Render(node)
	require.NoError(t, err)

	e := NewExecutor(WrapDB(db), 0, nil)
	doc, err := e.RunRead(context.Background(), "Book", rendered)
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Contains(t, *doc, "Dune")
}
