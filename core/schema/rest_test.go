package schema

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge/dataapi/conf"
	"github.com/databridge/dataapi/core"
	"github.com/databridge/dataapi/core/exec"
	"github.com/databridge/dataapi/core/plan"
)

func TestParseSelect(t *testing.T) {
	assert.Nil(t, parseSelect(""))
	assert.Nil(t, parseSelect("   "))
	assert.Equal(t, []string{"title", "id"}, parseSelect("title, id"))
}

func TestParseODataOrderBy(t *testing.T) {
	keys := parseODataOrderBy("title desc, id")
	require.Len(t, keys, 2)
	assert.Equal(t, plan.OrderKey{Column: "title", Desc: true}, keys[0])
	assert.Equal(t, plan.OrderKey{Column: "id", Desc: false}, keys[1])
}

func TestPKPattern(t *testing.T) {
	assert.Equal(t, "/{id}", pkPattern([]string{"id"}))
	assert.Equal(t, "/{tenant}/region/{region}", pkPattern([]string{"tenant", "region"}))
}

func TestRestPath(t *testing.T) {
	assert.Equal(t, "/Book", restPath("Book", &conf.Entity{}))
	assert.Equal(t, "/books", restPath("Book", &conf.Entity{REST: &conf.RESTEntityOptions{Path: "/books"}}))
}

func TestNonNilItems(t *testing.T) {
	assert.Equal(t, []interface{}{}, nonNilItems(nil))
	assert.Equal(t, []interface{}{1}, nonNilItems([]interface{}{1}))
}

func TestWriteError_TranslatesGatewayErrorToEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, core.NewError(core.EntityNotFound, "Book not found"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "EntityNotFound", body["error"]["code"])
	assert.EqualValues(t, http.StatusNotFound, body["error"]["status"])
}

func testRuntime(t *testing.T, conn *exec.MockConn) *Runtime {
	t.Helper()
	rc := &conf.RuntimeConfig{
		SecretKey:  "test-secret",
		DataSource: conf.DataSource{Kind: conf.KindSQLite},
		Entities: map[string]*conf.Entity{
			"Book": {
				Name:   "Book",
				Source: conf.EntitySource{Object: "books", Type: conf.SourceTable},
				Permissions: []conf.Permission{
					{Role: "authenticated", Actions: []conf.Action{{Name: conf.ActionAll}}},
				},
			},
		},
	}
	catalog := plan.MapCatalog{
		"Book": plan.EntityInfo{
			Name:       "Book",
			Source:     "books",
			PrimaryKey: []string{"id"},
			Columns:    []string{"id", "title"},
		},
	}
	executor := exec.NewExecutor(conn, 0, nil)
	return NewRuntime(rc, catalog, executor, CursorKey(rc))
}

func authedRequest(req *http.Request) *http.Request {
	ctx := core.WithPrincipal(req.Context(), core.Principal{Role: "authenticated", Authenticated: true})
	return req.WithContext(ctx)
}

func TestRESTHandler_List(t *testing.T) {
	conn := &exec.MockConn{Responses: []exec.MockResponse{
		{Doc: `[{"id":1,"title":"Dune"},{"id":2,"title":"Foundation"}]`},
	}}
	h := RESTHandler(testRuntime(t, conn), "")

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/Book", nil))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	items := body["value"].([]interface{})
	assert.Len(t, items, 2)
	assert.NotContains(t, body, "nextLink")
}

func TestRESTHandler_GetByPK(t *testing.T) {
	conn := &exec.MockConn{Responses: []exec.MockResponse{{Doc: `{"id":1,"title":"Dune"}`}}}
	h := RESTHandler(testRuntime(t, conn), "")

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/Book/1", nil))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestRESTHandler_GetByPK_NotFound(t *testing.T) {
	conn := &exec.MockConn{Responses: []exec.MockResponse{{NullDoc: true}}}
	h := RESTHandler(testRuntime(t, conn), "")

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/Book/999", nil))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRESTHandler_Create(t *testing.T) {
	conn := &exec.MockConn{Responses: []exec.MockResponse{{Doc: `{"id":3,"title":"New"}`}}}
	h := RESTHandler(testRuntime(t, conn), "")

	payload, err := json.Marshal(map[string]interface{}{"title": "New"})
	require.NoError(t, err)
	req := authedRequest(httptest.NewRequest(http.MethodPost, "/Book", bytes.NewReader(payload)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	items := body["value"].([]interface{})
	require.Len(t, items, 1)
}

func TestRESTHandler_SkipsDisabledEntity(t *testing.T) {
	conn := &exec.MockConn{}
	rt := testRuntime(t, conn)
	rt.RC.Entities["Book"].REST = &conf.RESTEntityOptions{Enabled: false}
	h := RESTHandler(rt, "")

	req := authedRequest(httptest.NewRequest(http.MethodGet, "/Book", nil))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
