package tasking

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/stats"
)

func newTestServer(t *testing.T) (*harness, http.Handler) {
	t.Helper()
	h := newHarness(t)
	srv := NewServer(h.svc, ServerConfig{Addr: "127.0.0.1:0", Version: "test", LockTimeout: time.Hour})
	return h, srv.Handler()
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

func TestHealthEndpoint_OK(t *testing.T) {
	_, handler := newTestServer(t)

	w := do(t, handler, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var health HealthResponse
	decode(t, w, &health)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	_, handler := newTestServer(t)

	w := do(t, handler, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	h, handler := newTestServer(t)
	require.NoError(t, h.store.Close())

	w := do(t, handler, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	decode(t, w, &health)
	assert.False(t, health.OK)
}

func TestLockUnlockFlow(t *testing.T) {
	_, handler := newTestServer(t)
	base := fmt.Sprintf("/projects/%d/tasks/1", project)

	w := do(t, handler, http.MethodPost, base+"/lock-for-mapping", fmt.Sprintf(`{"user_id":%d}`, mapper))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var task models.Task
	decode(t, w, &task)
	assert.Equal(t, models.TaskStatusLockedForMapping, task.Status)

	w = do(t, handler, http.MethodPost, base+"/unlock-after-mapping",
		fmt.Sprintf(`{"user_id":%d,"outcome":"MAPPED","comment":"done"}`, mapper))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &task)
	assert.Equal(t, models.TaskStatusMapped, task.Status)

	w = do(t, handler, http.MethodGet, base+"/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history []HistoryEntry
	decode(t, w, &history)
	assert.Len(t, history, 3)

	w = do(t, handler, http.MethodGet, fmt.Sprintf("/projects/%d/summary", project), "")
	require.Equal(t, http.StatusOK, w.Code)
	var sum stats.Summary
	decode(t, w, &sum)
	assert.Equal(t, int64(1), sum.TasksMapped)

	w = do(t, handler, http.MethodGet, fmt.Sprintf("/projects/%d/tasks?status=MAPPED", project), "")
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []models.Task
	decode(t, w, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(1), tasks[0].ID)

	w = do(t, handler, http.MethodGet, fmt.Sprintf("/users/%d/stats", mapper), "")
	require.Equal(t, http.StatusOK, w.Code)
	var uc models.UserCounters
	decode(t, w, &uc)
	assert.Equal(t, int64(1), uc.TasksMapped)

	w = do(t, handler, http.MethodPost, base+"/undo", fmt.Sprintf(`{"user_id":%d}`, mapper))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &task)
	assert.Equal(t, models.TaskStatusReady, task.Status)
}

func TestErrorStatusCodes(t *testing.T) {
	_, handler := newTestServer(t)

	w := do(t, handler, http.MethodGet, fmt.Sprintf("/projects/%d/tasks/99", project), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, handler, http.MethodPost, fmt.Sprintf("/projects/%d/tasks/1/lock-for-mapping", project),
		fmt.Sprintf(`{"user_id":%d}`, beginner))
	assert.Equal(t, http.StatusForbidden, w.Code)
	var body ErrorResponse
	decode(t, w, &body)
	assert.Equal(t, "UserNotCorrectMappingLevel", body.Reason)

	w = do(t, handler, http.MethodPost, fmt.Sprintf("/projects/%d/tasks/1/lock-for-validation", project),
		fmt.Sprintf(`{"user_id":%d}`, validator))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, handler, http.MethodPost, fmt.Sprintf("/projects/%d/tasks/1/undo", project), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, handler, http.MethodPost, fmt.Sprintf("/projects/%d/tasks/1/undo", project), `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutoUnlockEndpoint(t *testing.T) {
	h, handler := newTestServer(t)

	w := do(t, handler, http.MethodPost, fmt.Sprintf("/projects/%d/tasks/1/lock-for-mapping", project),
		fmt.Sprintf(`{"user_id":%d}`, mapper))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, handler, http.MethodPost, "/admin/auto-unlock", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res SweepResult
	decode(t, w, &res)
	assert.Equal(t, 0, res.Unlocked)

	h.clock.Advance(2 * time.Hour)
	w = do(t, handler, http.MethodPost, "/admin/auto-unlock", `{"timeout_seconds":60}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &res)
	assert.Equal(t, 1, res.Unlocked)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusFor(fmt.Errorf("x: %w", ErrTaskNotFound)))
	assert.Equal(t, http.StatusForbidden, StatusFor(denied("UserBlocked")))
	assert.Equal(t, http.StatusConflict, StatusFor(fmt.Errorf("x: %w", ErrNotLockHolder)))
	assert.Equal(t, http.StatusBadRequest, StatusFor(ErrInvalidOutcome))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(ErrInconsistentHistory))
}
