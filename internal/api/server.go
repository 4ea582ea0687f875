package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"social-job-orchestrator/internal/broker"
	"social-job-orchestrator/internal/config"
	"social-job-orchestrator/internal/models"
	"social-job-orchestrator/internal/orchestrator"
	"social-job-orchestrator/internal/queue"
	"social-job-orchestrator/internal/store"
	"social-job-orchestrator/internal/telemetry"
)

// EventLister reads the audit trail of a job. The API works without one.
type EventLister interface {
	ListEvents(ctx context.Context, queue, jobID string, limit int) ([]store.EventRecord, error)
}

// Server wires HTTP handlers for producers and operators.
type Server struct {
	cfg    config.Config
	orch   *orchestrator.Manager
	events EventLister
	log    *slog.Logger
}

// New constructs the API server. events may be nil.
func New(cfg config.Config, orch *orchestrator.Manager, events EventLister, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		orch:   orch,
		events: events,
		log:    log.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/queues", s.handleListQueues)
	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/clean", s.handleClean)
		r.Post("/retry-failed", s.handleRetryFailed)

		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleRemoveJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
		r.Get("/jobs/{id}/events", s.handleJobEvents)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.orch.Broker().Available() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	Type         string            `json:"type"`
	Payload      json.RawMessage   `json:"payload"`
	Owner        *models.Owner     `json:"owner"`
	ScheduledFor *time.Time        `json:"scheduled_for"`
	DelaySeconds int               `json:"delay_seconds"`
	Priority     *int              `json:"priority"`
	MaxAttempts  int               `json:"max_attempts"`
	Backoff      *models.Backoff   `json:"backoff"`
	Retention    *models.Retention `json:"retention"`
	JobID        string            `json:"job_id"`
}

type enqueueResponse struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	workspace := workspaceFromRequest(r, req.Owner)
	allowed, err := s.orch.Broker().Allow(r.Context(), "submit:"+workspace, s.cfg.SubmitRateCapacity, s.cfg.SubmitRateRefill)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !allowed {
		telemetry.SubmitRateLimited.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	job := queue.NewJob{
		Type:         req.Type,
		Owner:        req.Owner,
		ScheduledFor: req.ScheduledFor,
		Priority:     req.Priority,
	}
	if len(req.Payload) > 0 {
		job.Payload = req.Payload
	}
	if req.DelaySeconds > 0 {
		at := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		job.ScheduledFor = &at
	}
	var opts []queue.Option
	if req.MaxAttempts != 0 {
		opts = append(opts, queue.WithAttempts(req.MaxAttempts))
	}
	if req.Backoff != nil {
		opts = append(opts, queue.WithBackoff(*req.Backoff))
	}
	if req.Retention != nil {
		opts = append(opts, queue.WithRetention(*req.Retention))
	}
	if req.JobID != "" {
		opts = append(opts, queue.WithJobID(req.JobID))
	}

	h, err := s.orch.AddJob(r.Context(), chi.URLParam(r, "queue"), job, opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: h.ID, Queue: h.Queue})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	removed, err := s.orch.RemoveJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !removed {
		http.Error(w, "job is being processed", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.RetryJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "waiting"})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "audit log disabled", http.StatusNotImplemented)
		return
	}
	limit, err := intQuery(r, "limit", 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	items, err := s.events.ListEvents(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.GetAllQueueStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.GetQueueStats(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.PauseQueue(r.Context(), chi.URLParam(r, "queue")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.ResumeQueue(r.Context(), chi.URLParam(r, "queue")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type cleanRequest struct {
	State            models.JobState `json:"state"`
	OlderThanSeconds int             `json:"older_than_seconds"`
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	req := cleanRequest{State: models.StateCompleted}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	n, err := s.orch.CleanQueue(r.Context(), chi.URLParam(r, "queue"), time.Duration(req.OlderThanSeconds)*time.Second, req.State)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := s.orch.RetryFailedJobs(r.Context(), chi.URLParam(r, "queue"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": n})
}

// writeError maps domain errors to status codes. Anything unexpected is logged and reported as 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case queue.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, broker.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, broker.ErrDuplicateJob), errors.Is(err, broker.ErrNotFailed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, broker.ErrBrokerUnavailable), errors.Is(err, orchestrator.ErrQueueClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.log.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func workspaceFromRequest(r *http.Request, owner *models.Owner) string {
	if v := r.Header.Get("X-Workspace-ID"); v != "" {
		return v
	}
	if owner != nil && owner.WorkspaceID != "" {
		return owner.WorkspaceID
	}
	return "default"
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
