package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/selftune/internal/coordinator"
	"github.com/kalambet/selftune/internal/knowledge"
	"github.com/kalambet/selftune/internal/learning"
	"github.com/kalambet/selftune/internal/metrics"
	"github.com/kalambet/selftune/internal/monitor"
	"github.com/kalambet/selftune/internal/queue"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Service is the coordinator surface exposed over HTTP and MCP.
type Service interface {
	StartAutonomous(topics []string, maxCycles int) error
	StopAutonomous() error
	SubmitManualJob(topic string, examples []string, priority int) (string, error)
	CancelJob(id string) error
	Job(ctx context.Context, id string) (queue.Job, error)
	JobHistory(ctx context.Context, limit int) ([]queue.Job, error)
	QueueStatus() queue.Snapshot
	ProgressInfo() learning.Progress
	KnowledgeStats(ctx context.Context) coordinator.KnowledgeSnapshot
	SearchKnowledge(ctx context.Context, query string) (knowledge.Entry, error)
	MonitorStatus() monitor.Status
	Alerts() []monitor.Alert
}

type SubmitJobRequest struct {
	Topic    string   `json:"topic"`
	Examples []string `json:"examples"`
	// Priority is optional; when absent the queue derives it from how
	// recently the topic was trained.
	Priority *int `json:"priority"`
}

type StartRequest struct {
	Topics    []string `json:"topics"`
	MaxCycles int      `json:"max_cycles"`
}

type MonitorResponse struct {
	Status monitor.Status  `json:"status"`
	Alerts []monitor.Alert `json:"alerts"`
}

// NewHandler returns the HTTP API. Everything except /health and /metrics
// requires the bearer token.
func NewHandler(svc Service, token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))

		r.Get("/queue", handleQueue(svc))
		r.Post("/jobs", handleSubmitJob(svc))
		r.Get("/jobs", handleListJobs(svc))
		r.Get("/jobs/{id}", handleGetJob(svc))
		r.Delete("/jobs/{id}", handleCancelJob(svc))
		r.Get("/progress", handleProgress(svc))
		r.Post("/autonomous/start", handleStart(svc))
		r.Post("/autonomous/stop", handleStop(svc))
		r.Get("/knowledge/stats", handleKnowledgeStats(svc))
		r.Get("/knowledge/search", handleKnowledgeSearch(svc))
		r.Get("/monitor", handleMonitor(svc))
	})

	return r
}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				slog.Debug("rejected unauthenticated request", "path", r.URL.Path)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleQueue(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.QueueStatus())
	}
}

func handleSubmitJob(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		priority := queue.AutoPriority
		if req.Priority != nil {
			priority = *req.Priority
		}

		id, err := svc.SubmitManualJob(req.Topic, req.Examples, priority)
		if err != nil {
			serviceError(w, "failed to submit job", err)
			return
		}
		writeJSON(w, map[string]string{"id": id, "status": string(queue.StatusQueued)})
	}
}

func handleListJobs(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		jobs, err := svc.JobHistory(r.Context(), limit)
		if err != nil {
			serviceError(w, "failed to list jobs", err)
			return
		}
		if jobs == nil {
			jobs = []queue.Job{}
		}
		writeJSON(w, jobs)
	}
}

func handleGetJob(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Job(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, "failed to get job", err)
			return
		}
		writeJSON(w, job)
	}
}

func handleCancelJob(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.CancelJob(chi.URLParam(r, "id")); err != nil {
			serviceError(w, "failed to cancel job", err)
			return
		}
		writeJSON(w, map[string]string{"status": string(queue.StatusCancelled)})
	}
}

func handleProgress(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.ProgressInfo())
	}
}

func handleStart(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := svc.StartAutonomous(req.Topics, req.MaxCycles); err != nil {
			serviceError(w, "failed to start autonomous learning", err)
			return
		}
		writeJSON(w, svc.ProgressInfo())
	}
}

func handleStop(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.StopAutonomous(); err != nil {
			serviceError(w, "failed to stop autonomous learning", err)
			return
		}
		writeJSON(w, svc.ProgressInfo())
	}
}

func handleKnowledgeStats(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.KnowledgeStats(r.Context()))
	}
}

func handleKnowledgeSearch(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		entry, err := svc.SearchKnowledge(r.Context(), q)
		if err != nil {
			serviceError(w, "knowledge search failed", err)
			return
		}
		writeJSON(w, entry)
	}
}

func handleMonitor(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alerts := svc.Alerts()
		if alerts == nil {
			alerts = []monitor.Alert{}
		}
		writeJSON(w, MonitorResponse{Status: svc.MonitorStatus(), Alerts: alerts})
	}
}

// statusFor maps domain errors onto HTTP status codes and error types.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, queue.ErrInvalidJob), errors.Is(err, learning.ErrNoTopics):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, knowledge.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, queue.ErrNotCancellable), errors.Is(err, learning.ErrAlreadyRunning):
		return http.StatusConflict, "conflict"
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, learning.ErrShutdownTimeout):
		return http.StatusGatewayTimeout, "timeout_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func serviceError(w http.ResponseWriter, msg string, err error) {
	code, typ := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error(msg, "error", err)
	}
	httpError(w, code, typ, "%s: %v", msg, err)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
