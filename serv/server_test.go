package serv

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passThrough() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestDenyIntrospection_BlocksSchemaQueryInGetParam(t *testing.T) {
	h := denyIntrospection(passThrough())

	req := httptest.NewRequest(http.MethodGet, "/graphql?query={__schema{types{name}}}", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "AuthorizationFailed", body["error"]["code"])
}

func TestDenyIntrospection_BlocksTypeQueryInPostBody(t *testing.T) {
	h := denyIntrospection(passThrough())

	payload, err := json.Marshal(map[string]string{"query": "{ __type(name: \"Book\") { name } }"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDenyIntrospection_AllowsOrdinaryQuery(t *testing.T) {
	h := denyIntrospection(passThrough())

	payload, err := json.Marshal(map[string]string{"query": "{ books { id } }"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDenyIntrospection_PostBodyStillReadableDownstream(t *testing.T) {
	var seenBody []byte
	h := denyIntrospection(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(b)
		seenBody = b
		w.WriteHeader(http.StatusOK)
	}))

	payload, err := json.Marshal(map[string]string{"query": "{ books { id } }"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, seenBody)
}

func TestHealthCheckHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, healthRoute, nil)
	w := httptest.NewRecorder()
	healthCheckHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_CurrentReturnsServiceUnavailableBeforeFirstBuild(t *testing.T) {
	s := &Server{}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
