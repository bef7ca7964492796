package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andrewgoldstein/velocitydb/internal/engine"
	"github.com/andrewgoldstein/velocitydb/internal/types"
)

func testServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	e, err := engine.Open(engine.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return NewServer(e, "127.0.0.1:0", nil), e
}

func TestHealthzReturnsOK(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, statusOK, body.Status)
}

func TestStatzReturnsEngineStats(t *testing.T) {
	s, e := testServer(t)
	require.NoError(t, e.Put(types.Key("k"), types.Value("v")))

	req := httptest.NewRequest(http.MethodGet, "/statz", nil)
	rec := httptest.NewRecorder()

	s.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "OK", body["status"])
	require.Contains(t, body, "stats")
}
