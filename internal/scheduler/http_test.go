package scheduler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheri-hub/sicar-api/internal/trigger"
)

func newSchedulerRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/scheduler/jobs", ListJobsHandler(h.rt))
	r.POST("/scheduler/jobs/:name/run", RunHandler(h.rt))
	r.POST("/scheduler/jobs/:name/pause", PauseHandler(h.rt))
	r.POST("/scheduler/jobs/:name/resume", ResumeHandler(h.rt))
	r.POST("/scheduler/jobs/:name/reschedule", RescheduleHandler(h.rt))
	r.GET("/scheduler/tasks", TasksHandler(h.ledger))
	return r
}

func request(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w, out
}

func TestSchedulerHandlers(t *testing.T) {
	h := newHarness(t, trigger.Daily{Hour: 2}, nil, false)
	r := newSchedulerRouter(h)

	w, body := request(t, r, http.MethodGet, "/scheduler/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, "collect", jobs[0].(map[string]any)["id"])
	assert.NotNil(t, jobs[0].(map[string]any)["next_fire_time"])

	w, body = request(t, r, http.MethodPost, "/scheduler/jobs/collect/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["paused"])
	assert.Nil(t, body["next_fire_time"])

	w, body = request(t, r, http.MethodPost, "/scheduler/jobs/collect/reschedule",
		`{"schedule_type":"interval","interval_hours":6}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "interval 6h0m0s", body["trigger"])
	assert.Equal(t, true, body["paused"])

	w, _ = request(t, r, http.MethodPost, "/scheduler/jobs/collect/resume", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body = request(t, r, http.MethodPost, "/scheduler/jobs/collect/run", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.NotZero(t, body["task_id"])
	h.rt.Wait()

	w, body = request(t, r, http.MethodGet, "/scheduler/tasks?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["tasks"], 1)
}

func TestSchedulerHandlerErrors(t *testing.T) {
	h := newHarness(t, trigger.Daily{Hour: 2}, nil, false)
	r := newSchedulerRouter(h)

	w, body := request(t, r, http.MethodPost, "/scheduler/jobs/collect/reschedule", `{"schedule_type":"daily","hour":25}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_HOUR", body["code"])

	w, _ = request(t, r, http.MethodPost, "/scheduler/jobs/collect/reschedule", `{"schedule_type":"interval"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = request(t, r, http.MethodPost, "/scheduler/jobs/unknown/run", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "SCHEDULER_JOB_NOT_FOUND", body["code"])

	w, _ = request(t, r, http.MethodPost, "/scheduler/jobs/unknown/reschedule", `{"schedule_type":"daily"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = request(t, r, http.MethodGet, "/scheduler/tasks?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
