package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/listingiq/listingiq/internal/config"
	"github.com/listingiq/listingiq/internal/job"
	"github.com/listingiq/listingiq/internal/llm"
	"github.com/listingiq/listingiq/internal/queue"
	"github.com/listingiq/listingiq/internal/report"
	"github.com/listingiq/listingiq/internal/webhook"
)

// ModelReporter reports the configured language model backend.
type ModelReporter interface {
	Info() llm.ProviderInfo
}

// Deps are the components the handlers use. Reports and Notifier may be nil.
type Deps struct {
	Queue    *queue.Queue
	Reports  report.Repository
	Notifier *webhook.Notifier
	Model    ModelReporter
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	queue            *queue.Queue
	reports          report.Repository
	notifier         *webhook.Notifier
	model            ModelReporter
	cfg              *config.Config
	validateCallback func(string) error
	upgrader         websocket.Upgrader
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(deps Deps, cfg *config.Config) *Handler {
	h := &Handler{
		queue:            deps.Queue,
		reports:          deps.Reports,
		notifier:         deps.Notifier,
		model:            deps.Model,
		cfg:              cfg,
		validateCallback: webhook.ValidateURL,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/analysis/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/analysis/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/analysis/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/v1/analysis/jobs/{id}", h.CancelJob)
	mux.HandleFunc("POST /api/v1/analysis/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("GET /api/v1/analysis/jobs/{id}/events", h.StreamSSE)
	mux.HandleFunc("GET /api/v1/analysis/stats", h.Stats)
	mux.HandleFunc("POST /api/v1/analyze/stream", h.AnalyzeStream)
	mux.HandleFunc("GET /api/v1/ws/analysis", h.AnalysisSocket)

	mux.HandleFunc("POST /api/v1/analyses", h.SaveAnalysis)
	mux.HandleFunc("GET /api/v1/analyses", h.ListAnalyses)
	mux.HandleFunc("GET /api/v1/analyses/{id}", h.GetAnalysis)
	mux.HandleFunc("DELETE /api/v1/analyses/{id}", h.DeleteAnalysis)
	mux.HandleFunc("DELETE /api/v1/user/analyses", h.DeleteUserAnalyses)

	mux.HandleFunc("GET /api/v1/model-info", h.ModelInfo)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// createResponse is the 202 body for a submitted analysis.
type createResponse struct {
	JobID        string     `json:"job_id"`
	Status       job.Status `json:"status"`
	WebSocketURL string     `json:"websocket_url"`
	EventsURL    string     `json:"events_url"`
}

// CreateJob handles POST /api/v1/analysis/jobs and responds 202 with the job id.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}
	observers, ok := h.observersFor(w, req)
	if !ok {
		return
	}

	id, err := h.queue.Submit(Principal(r.Context()), req.Input(), observers...)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:        id,
		Status:       job.StatusPending,
		WebSocketURL: "/api/v1/ws/analysis",
		EventsURL:    jobEventsURL(id),
	})
}

// decodeCreate reads and validates a submission body, writing a 400 on failure.
func (h *Handler) decodeCreate(w http.ResponseWriter, r *http.Request) (job.CreateRequest, bool) {
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return req, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if err := req.Validate(); err != nil {
		writeErr(w, err)
		return req, false
	}
	if req.CallbackURL != "" {
		if err := h.validateCallback(req.CallbackURL); err != nil {
			writeError(w, http.StatusBadRequest, "invalid callback_url: "+err.Error())
			return req, false
		}
	}
	return req, true
}

// observersFor builds the webhook and auto-save observers a submission asked for.
func (h *Handler) observersFor(w http.ResponseWriter, req job.CreateRequest) ([]queue.Observer, bool) {
	var observers []queue.Observer
	if req.CallbackURL != "" && h.notifier != nil {
		observers = append(observers, h.notifier.Observer(req.CallbackURL))
	}
	if req.Save {
		if h.reports == nil {
			writeError(w, http.StatusBadRequest, "saving analyses is not enabled")
			return nil, false
		}
		observers = append(observers, report.AutoSave(h.reports))
	}
	return observers, true
}

// ListJobs handles GET /api/v1/analysis/jobs and responds 200 with a page of the caller's jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	jobs, total := h.queue.List(Principal(r.Context()), limit, offset)

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJob handles GET /api/v1/analysis/jobs/{id} and responds 200 with the job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.queue.Status(r.PathValue("id"), Principal(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// CancelJob handles POST /api/v1/analysis/jobs/{id}/cancel and DELETE /api/v1/analysis/jobs/{id}.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.queue.CancelJob(id, Principal(r.Context())); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(job.StatusCancelled)})
}

// Stats handles GET /api/v1/analysis/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Statistics())
}

// ModelInfo handles GET /api/v1/model-info.
func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	if h.model == nil {
		writeError(w, http.StatusServiceUnavailable, "no model configured")
		return
	}
	writeJSON(w, http.StatusOK, h.model.Info())
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":        "ok",
		"environment":   h.cfg.Environment,
		"queue_running": h.queue.Statistics().IsRunning,
	}
	if h.model != nil {
		resp["llm_status"] = h.model.Info().Status
	}
	writeJSON(w, http.StatusOK, resp)
}

// pageParams reads limit and offset, clamped to 1..100 and >= 0.
func pageParams(r *http.Request) (int, int) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)
	if limit <= 0 {
		limit = 20
	}
	return min(limit, 100), max(offset, 0)
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrTerminal), errors.Is(err, job.ErrInvalidTransition), errors.Is(err, report.ErrNotCompleted):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with the status statusFor picks. Internal errors are logged, not echoed.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	case errors.Is(err, job.ErrNotFound):
		msg = "job not found"
	case errors.Is(err, job.ErrTerminal):
		msg = "job already in terminal state"
	case errors.Is(err, queue.ErrQueueFull):
		msg = "analysis queue is full, try again later"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	slog.Warn("websocket: origin rejected", "origin", origin)
	return false
}

func jobEventsURL(id string) string { return fmt.Sprintf("/api/v1/analysis/jobs/%s/events", id) }
