package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemate/gateway/runtime/agent/engine"
	"github.com/codemate/gateway/runtime/agent/eventhub"
	"github.com/codemate/gateway/runtime/agent/store"
	"github.com/codemate/gateway/runtime/agent/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := eventhub.New()
	runner := tools.RunnerFunc(func(ctx context.Context, toolName string, args map[string]any) (tools.Result, bool) {
		return tools.Result{OK: true, Output: toolName, Artifacts: map[string]any{}}, false
	})
	eng := engine.New(st, hub, runner)
	return New(eng, hub, st)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	s.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
}

func TestCreateTaskValidatesGoal(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"goal":"ab"}`))
	s.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTaskAndGetReachesCompleted(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"goal":"run unit tests"}`))
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	taskObj := created["task"].(map[string]any)
	id := taskObj["id"].(string)
	require.NotEmpty(t, id)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w = httptest.NewRecorder()
		r = httptest.NewRequest(http.MethodGet, "/v1/tasks/"+id, nil)
		s.ServeHTTP(w, r)
		var snap map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
		if snap["task"].(map[string]any)["status"] == "completed" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not reach completed in time")
}

func TestApproveWithoutPendingReturns409(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/tasks/does-not-exist/approve", nil)
	s.ServeHTTP(w, r)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/tasks/does-not-exist", nil)
	s.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRiskTableEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/risk-table", nil)
	s.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	table := body["risk_table"].(map[string]any)
	assert.Equal(t, "high", table["git_push"])
}
