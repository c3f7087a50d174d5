// Package ops serves the agent's operator HTTP surface: liveness, a status
// snapshot, dead-letter inspection and re-enqueue, and Prometheus metrics.
// It binds to loopback by default and carries no authentication; exposing it
// beyond the host is a deployment decision, not this package's.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gfxsync/agent/internal/offline"
)

// StatusSource produces the agent's status snapshot.
type StatusSource interface {
	Status(ctx context.Context) map[string]any
}

// DeadLetterStore is the slice of the offline queue the handlers use.
type DeadLetterStore interface {
	DeadLetters(ctx context.Context, n int) ([]offline.DeadLetter, error)
	RetryDeadLetter(ctx context.Context, id int64) (bool, error)
}

// Server holds the dependencies needed by the handlers.
type Server struct {
	status  StatusSource
	letters DeadLetterStore
	metrics http.Handler
}

// NewServer creates a Server. metrics may be nil; /metrics then returns 404.
func NewServer(status StatusSource, letters DeadLetterStore, metrics http.Handler) *Server {
	return &Server{status: status, letters: letters, metrics: metrics}
}

// NewRouter returns the configured chi.Router.
//
// Route layout:
//
//	GET  /healthz                        – liveness probe
//	GET  /api/v1/status                  – agent status snapshot
//	GET  /api/v1/dead-letters            – recent dead-lettered records
//	POST /api/v1/dead-letters/{id}/retry – move a dead letter back to pending
//	GET  /metrics                        – Prometheus text exposition
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", srv.handleStatus)
		r.Get("/dead-letters", srv.handleDeadLetters)
		r.Post("/dead-letters/{id}/retry", srv.handleRetryDeadLetter)
	})

	if srv.metrics != nil {
		r.Method(http.MethodGet, "/metrics", srv.metrics)
	}

	return r
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// handleHealthz responds to GET /healthz. Returning 200 means the process is
// alive and serving; it says nothing about remote reachability, which is what
// /api/v1/status is for.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus responds to GET /api/v1/status with the agent snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status(r.Context()))
}

// handleDeadLetters responds to GET /api/v1/dead-letters.
//
// Supported query parameters:
//
//	limit – maximum number of results (default 100, max 1000)
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	letters, err := s.letters.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(letters))
	for _, dl := range letters {
		out = append(out, map[string]any{
			"id":          dl.ID,
			"producer_id": dl.ProducerID,
			"file_path":   dl.FilePath,
			"payload":     dl.Payload,
			"retry_count": dl.RetryCount,
			"failed_at":   dl.FailedAt,
			"last_error":  dl.LastError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out, "count": len(out)})
}

// handleRetryDeadLetter responds to POST /api/v1/dead-letters/{id}/retry by
// moving the record back to the pending queue with a fresh retry budget.
func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'id' must be an integer")
		return
	}

	ok, err := s.letters.RetryDeadLetter(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no dead letter with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": id})
}
