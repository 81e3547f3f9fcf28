// Package api serves the HTTP JSON interface and the job progress stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/raphaelgruber/sitekb/internal/app"
	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/service"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
)

// IndexRequest is the body of a start indexing request.
type IndexRequest struct {
	Domain         string `json:"domain"`
	MaxPages       int    `json:"max_pages,omitempty"`
	RespectRobots  *bool  `json:"respect_robots,omitempty"`
	KeepQuery      bool   `json:"keep_query,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	// PageTimeoutSeconds bounds each page fetch.
	PageTimeoutSeconds int `json:"page_timeout_seconds,omitempty"`
}

// Options returns the job options the request asks for.
func (r IndexRequest) Options() models.IndexOptions {
	return models.IndexOptions{
		MaxPages:       r.MaxPages,
		RespectRobots:  r.RespectRobots,
		KeepQueryParam: r.KeepQuery,
		JobTimeout:     time.Duration(r.TimeoutSeconds) * time.Second,
		PageTimeout:    time.Duration(r.PageTimeoutSeconds) * time.Second,
	}
}

// RetrieveRequest is the body of a retrieve request.
type RetrieveRequest struct {
	Query string                `json:"query"`
	TopK  int                   `json:"top_k,omitempty"`
	Types []models.DocumentType `json:"types,omitempty"`
}

// JobList is returned by the job listing endpoint.
type JobList struct {
	Jobs  []models.IndexingJob `json:"jobs"`
	Count int                  `json:"count"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	// JobID names the active job on a 409.
	JobID string `json:"job_id,omitempty"`
}

// Server routes HTTP requests to the services.
type Server struct {
	app    *app.App
	logger *slog.Logger
	mux    *http.ServeMux

	// streamInterval is how often the progress stream polls job status.
	streamInterval time.Duration
}

// New creates the HTTP handler.
func New(a *app.App, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{app: a, logger: logger, mux: http.NewServeMux(), streamInterval: 500 * time.Millisecond}

	const coll = "/v1/tenants/{tenant}/collections/{collection}"
	s.mux.HandleFunc("POST "+coll+"/index", s.handleIndex)
	s.mux.HandleFunc("GET "+coll+"/status", s.handleStatus)
	s.mux.HandleFunc("GET "+coll+"/status/stream", s.handleStatusStream)
	s.mux.HandleFunc("POST "+coll+"/reindex", s.handleReindex)
	s.mux.HandleFunc("POST "+coll+"/cancel", s.handleCancel)
	s.mux.HandleFunc("DELETE "+coll, s.handleDelete)
	s.mux.HandleFunc("POST "+coll+"/retrieve", s.handleRetrieve)
	s.mux.HandleFunc("POST /v1/tenants/{tenant}/reconcile", s.handleReconcile)
	s.mux.HandleFunc("GET /v1/tenants/{tenant}/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{job}", s.handleGetJob)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger)(s.mux)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req IndexRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.MaxPages < 0 || req.TimeoutSeconds < 0 || req.PageTimeoutSeconds < 0 {
		s.writeError(w, fmt.Errorf("%w: negative option", models.ErrInvalidInput))
		return
	}
	ref, err := s.app.Coordinator.StartIndexing(r.Context(), r.PathValue("tenant"), r.PathValue("collection"), req.Domain, req.Options())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJobRef(w, ref)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	ref, err := s.app.Coordinator.Reindex(r.Context(), r.PathValue("tenant"), r.PathValue("collection"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJobRef(w, ref)
}

func (s *Server) writeJobRef(w http.ResponseWriter, ref models.JobRef) {
	status := http.StatusAccepted
	if ref.Deduplicated {
		status = http.StatusOK
	}
	s.writeJSON(w, status, ref)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.Coordinator.GetStatus(r.Context(), r.PathValue("tenant"), r.PathValue("collection"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.Coordinator.Cancel(r.Context(), r.PathValue("tenant"), r.PathValue("collection"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.Coordinator.DeleteCollection(r.Context(), r.PathValue("tenant"), r.PathValue("collection"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req RetrieveRequest
	if !s.decode(w, r, &req) {
		return
	}
	for _, t := range req.Types {
		if !t.Valid() {
			s.writeError(w, fmt.Errorf("%w: unknown document type %q", models.ErrInvalidInput, t))
			return
		}
	}
	out, err := s.app.Retrieval.Retrieve(r.Context(), service.RetrieveRequest{
		TenantID:     r.PathValue("tenant"),
		CollectionID: r.PathValue("collection"),
		Query:        req.Query,
		TopK:         req.TopK,
		Types:        req.Types,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.app.Reconciler.ReconcileTenant(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, fmt.Errorf("%w: limit must be 1-500", models.ErrInvalidInput))
			return
		}
		limit = n
	}
	jobs, err := s.app.Coordinator.ListJobs(r.Context(), r.PathValue("tenant"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.IndexingJob{}
	}
	s.writeJSON(w, http.StatusOK, JobList{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.Coordinator.GetJob(r.Context(), r.PathValue("job"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Metrics.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

const maxBodyBytes = 1 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, fmt.Errorf("%w: decode body: %v", models.ErrInvalidInput, err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var dup *models.DuplicateJobError
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &dup):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	var dup *models.DuplicateJobError
	if errors.As(err, &dup) {
		resp.JobID = dup.JobID
	}
	switch {
	case vectorindex.IsIsolationViolation(err):
		s.logger.Error("tenant isolation violation", "error", err)
		resp.Error = "internal error"
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, resp)
}
