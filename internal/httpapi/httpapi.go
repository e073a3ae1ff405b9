// Package httpapi serves the job queue over JSON/HTTP.
//
// Routes:
//
//	GET    /           welcome message
//	POST   /jobs       submit a job (202)
//	GET    /jobs       list every job
//	GET    /jobs/{id}  job status
//	DELETE /jobs/{id}  cancel a pending job
//	GET    /stats      counts per status
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"

	"github.com/ChuLiYu/beaver-queue/internal/controller"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

var log = slog.Default()

// maxBodyBytes caps a submission body
const maxBodyBytes = 1 << 20

// Queue is the part of the controller the HTTP API needs
type Queue interface {
	Submit(jobType string, payload json.RawMessage, priority *int) (types.JobID, error)
	Status(id types.JobID) (types.JobView, error)
	Cancel(id types.JobID) error
	List() []types.JobView
	GetStats() map[string]int
}

// SubmitRequest is the POST /jobs body
type SubmitRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority *int            `json:"priority,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

type submitResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
}

type cancelResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

// NewHandler returns the API mux without middleware
func NewHandler(q Queue) http.Handler {
	a := &api{queue: q}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.home)
	mux.HandleFunc("POST /jobs", a.submit)
	mux.HandleFunc("GET /jobs", a.list)
	mux.HandleFunc("GET /jobs/{id}", a.status)
	mux.HandleFunc("DELETE /jobs/{id}", a.cancel)
	mux.HandleFunc("GET /stats", a.stats)
	return mux
}

// NewServer wraps the API in panic recovery and combined access logging
// written to accessLog.
func NewServer(addr string, q Queue, accessLog io.Writer) *http.Server {
	h := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(NewHandler(q))
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog, h)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type api struct {
	queue Queue
}

func (a *api) home(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the Job Queue API"})
}

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON body", Message: err.Error()})
		return
	}

	id, err := a.queue.Submit(req.Type, req.Payload, req.Priority)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, submitResponse{
			Message: "Job submitted successfully",
			JobID:   string(id),
			Status:  string(types.StatusPending),
		})
	case errors.Is(err, controller.ErrInvalidType):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid job type"})
	case errors.Is(err, controller.ErrMissingPayload):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Job payload is required"})
	default:
		log.Error("Error submitting job", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to submit job", Message: err.Error()})
	}
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	jobs := a.queue.List()
	if len(jobs) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "No jobs found"})
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	view, err := a.queue.Status(types.JobID(r.PathValue("id")))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, view)
	case errors.Is(err, controller.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Job not found"})
	default:
		log.Error("Error getting job status", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to get job status", Message: err.Error()})
	}
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.queue.Cancel(types.JobID(id))

	var conflict *controller.ConflictError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, cancelResponse{Message: "Job cancelled", JobID: id})
	case errors.Is(err, controller.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Job not found"})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "Job cannot be cancelled", Status: conflict.Status})
	case errors.Is(err, controller.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "Job cannot be cancelled"})
	default:
		log.Error("Error cancelling job", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to cancel job", Message: err.Error()})
	}
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.queue.GetStats())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", "error", err)
	}
}
