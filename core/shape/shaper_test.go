package shape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge/dataapi/core/plan"
)

func TestShapeObject_StripsBookkeepingColumns(t *testing.T) {
	s := New([32]byte{1})
	node := &plan.Node{
		RequestedFields: []string{"title"},
		Columns: []plan.Column{
			{Expr: "title", Alias: "title"},
			{Expr: "id", Alias: "id"}, // always-projected PK, not requested
		},
	}
	doc := `{"title":"Dune","id":1}`

	row, err := s.ShapeObject(&doc, node)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"title": "Dune"}, row)
}

func TestShapeObject_NilDocIsNilNotError(t *testing.T) {
	s := New([32]byte{1})
	row, err := s.ShapeObject(nil, &plan.Node{})
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestShapePage_PopsProbeRowAndSetsHasNextPage(t *testing.T) {
	s := New([32]byte{1})
	node := &plan.Node{
		RequestedFields: []string{"id"},
		Columns:         []plan.Column{{Expr: "id", Alias: "id"}},
		Cursor:          &plan.CursorSpec{Keys: []plan.OrderKey{{Column: "id"}}, RawFirst: 2},
	}
	doc := `[{"id":1},{"id":2},{"id":3}]`

	page, err := s.ShapePage(&doc, node)
	require.NoError(t, err)
	assert.True(t, page.HasNextPage)
	assert.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.EndCursor)
}

func TestShapePage_NoProbeRowNoNextPage(t *testing.T) {
	s := New([32]byte{1})
	node := &plan.Node{
		RequestedFields: []string{"id"},
		Columns:         []plan.Column{{Expr: "id", Alias: "id"}},
		Cursor:          &plan.CursorSpec{Keys: []plan.OrderKey{{Column: "id"}}, RawFirst: 2},
	}
	doc := `[{"id":1}]`

	page, err := s.ShapePage(&doc, node)
	require.NoError(t, err)
	assert.False(t, page.HasNextPage)
	assert.Len(t, page.Items, 1)
}

func TestShapeGroupBy_SeparatesFieldsFromAggregations(t *testing.T) {
	s := New([32]byte{1})
	node := &plan.Node{
		Aggregations: []plan.AggregationTerm{{Fn: plan.AggCount, Alias: "total"}},
	}
	doc := `[{"genre":"scifi","total":12}]`

	rows, err := s.ShapeGroupBy(&doc, node)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]interface{}{"genre": "scifi"}, rows[0]["fields"])
	assert.Equal(t, map[string]interface{}{"total": float64(12)}, rows[0]["aggregations"])
}

func TestShapeObject_RecursesIntoNestedChild(t *testing.T) {
	s := New([32]byte{1})
	child := &plan.Node{
		Alias:           "author",
		RequestedFields: []string{"name"},
		Columns: []plan.Column{
			{Expr: "name", Alias: "name"},
			{Expr: "id", Alias: "id"},
		},
	}
	node := &plan.Node{
		RequestedFields: []string{"title"},
		Columns:         []plan.Column{{Expr: "title", Alias: "title"}},
		Children:        []*plan.Node{child},
	}
	doc := `{"title":"Dune","author":{"name":"Herbert","id":9}}`

	row, err := s.ShapeObject(&doc, node)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"title":  "Dune",
		"author": map[string]interface{}{"name": "Herbert"},
	}, row)
}
