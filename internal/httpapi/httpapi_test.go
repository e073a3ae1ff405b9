package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-queue/internal/controller"
	"github.com/ChuLiYu/beaver-queue/internal/processor"
	"github.com/ChuLiYu/beaver-queue/internal/retry"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

func startQueue(t *testing.T) *controller.Controller {
	t.Helper()
	cfg := controller.DefaultConfig()
	cfg.WorkerCount = 2
	cfg.PollMin = time.Millisecond
	cfg.PollMax = 20 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond}
	cfg.Processors = processor.Delays{}

	c, err := controller.NewController(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHome(t *testing.T) {
	h := NewHandler(startQueue(t))

	w, body := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Welcome to the Job Queue API", body["message"])
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	w, _ = do(t, h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitAndStatus(t *testing.T) {
	h := NewHandler(startQueue(t))

	w, body := do(t, h, http.MethodPost, "/jobs", `{"type":"calculation","payload":{"operation":"add","numbers":[1,2,3]}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "Job submitted successfully", body["message"])
	assert.Equal(t, "pending", body["status"])
	id, _ := body["jobId"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		w, body = do(t, h, http.MethodGet, "/jobs/"+id, "")
		return w.Code == http.StatusOK && body["status"] == "completed"
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, float64(6), body["result"])
	assert.Equal(t, float64(1), body["attempts"])
}

func TestSubmitValidation(t *testing.T) {
	h := NewHandler(startQueue(t))

	tests := []struct {
		name  string
		body  string
		code  int
		error string
	}{
		{"unknown type", `{"type":"bogus","payload":{"a":1}}`, http.StatusBadRequest, "Invalid job type"},
		{"missing type", `{"payload":{"a":1}}`, http.StatusBadRequest, "Invalid job type"},
		{"missing payload", `{"type":"calculation"}`, http.StatusBadRequest, "Job payload is required"},
		{"empty string payload", `{"type":"calculation","payload":""}`, http.StatusBadRequest, "Job payload is required"},
		{"malformed json", `{"type":`, http.StatusBadRequest, "Invalid JSON body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(t, h, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.error, body["error"])
		})
	}
}

func TestListJobs(t *testing.T) {
	h := NewHandler(startQueue(t))

	w, body := do(t, h, http.MethodGet, "/jobs", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "No jobs found", body["error"])

	for i := 0; i < 3; i++ {
		w, _ = do(t, h, http.MethodPost, "/jobs", `{"type":"file_processing","payload":{"name":"a.txt"}}`)
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w, _ = do(t, h, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []types.JobView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 3)
}

func TestStatusNotFound(t *testing.T) {
	h := NewHandler(startQueue(t))

	w, body := do(t, h, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Job not found", body["error"])
}

func TestCancel(t *testing.T) {
	h := NewHandler(startQueue(t))

	w, body := do(t, h, http.MethodDelete, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Job not found", body["error"])

	w, body = do(t, h, http.MethodPost, "/jobs", `{"type":"calculation","payload":{"operation":"add","numbers":[1]}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := body["jobId"].(string)

	require.Eventually(t, func() bool {
		_, body = do(t, h, http.MethodGet, "/jobs/"+id, "")
		return body["status"] == "completed"
	}, 3*time.Second, 10*time.Millisecond)

	w, body = do(t, h, http.MethodDelete, "/jobs/"+id, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Job cannot be cancelled", body["error"])
	assert.Equal(t, "completed", body["status"])
}

// stubQueue drives the paths a live queue cannot reach on demand
type stubQueue struct {
	submitErr error
	cancelErr error
	stats     map[string]int
}

func (s *stubQueue) Submit(string, json.RawMessage, *int) (types.JobID, error) {
	return "job-1", s.submitErr
}

func (s *stubQueue) Status(types.JobID) (types.JobView, error) {
	return types.JobView{}, errors.New("store unavailable")
}

func (s *stubQueue) Cancel(types.JobID) error { return s.cancelErr }
func (s *stubQueue) List() []types.JobView    { return nil }
func (s *stubQueue) GetStats() map[string]int { return s.stats }

func TestCancelPending(t *testing.T) {
	h := NewHandler(&stubQueue{})

	w, body := do(t, h, http.MethodDelete, "/jobs/job-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Job cancelled", body["message"])
	assert.Equal(t, "job-1", body["jobId"])
}

func TestInternalErrors(t *testing.T) {
	h := NewHandler(&stubQueue{submitErr: errors.New("disk full"), cancelErr: errors.New("disk full")})

	w, body := do(t, h, http.MethodPost, "/jobs", `{"type":"calculation","payload":{"a":1}}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to submit job", body["error"])
	assert.Equal(t, "disk full", body["message"])

	w, body = do(t, h, http.MethodGet, "/jobs/job-1", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to get job status", body["error"])

	w, body = do(t, h, http.MethodDelete, "/jobs/job-1", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to cancel job", body["error"])
}

func TestStats(t *testing.T) {
	stats := map[string]int{"total": 1, "pending": 1, "active": 0, "completed": 0, "failed": 0}
	h := NewHandler(&stubQueue{stats: stats})

	w, body := do(t, h, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["pending"])
	assert.Equal(t, float64(1), body["total"])
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewHandler(&stubQueue{})

	w, _ := do(t, h, http.MethodPut, "/jobs/job-1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

type panicQueue struct{ stubQueue }

func (panicQueue) GetStats() map[string]int { panic("boom") }

func TestServerMiddleware(t *testing.T) {
	var access bytes.Buffer
	srv := NewServer(":0", &panicQueue{}, &access)

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Contains(t, access.String(), `"GET / HTTP/1.1" 200`)
}
