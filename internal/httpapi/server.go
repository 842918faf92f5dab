package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/loadlab/internal/observability"
	"github.com/antoniostano/loadlab/internal/runs"
)

const maxListLimit = 200

// Pinger is implemented by run stores backed by a database.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	store    runs.Store
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
}

// New serves run history from store. A nil gatherer serves the default
// prometheus registry.
func New(store runs.Store, metrics *observability.Metrics, gatherer prometheus.Gatherer) *Server {
	if store == nil {
		store = runs.NewInMemoryStore()
	}
	return &Server{store: store, metrics: metrics, gatherer: gatherer}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})

	r.Get("/v1/runs", s.handleListRuns)
	r.Get("/v1/runs/{id}", s.handleGetRun)
	r.Get("/v1/runs/{id}/tasks", s.handleListRunTasks)
	r.Get("/v1/stats", s.handleStats)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "run_list_failed", err.Error())
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	out := make([]runs.Run, 0, len(list))
	for _, run := range list {
		if status == "" || string(run.Status) == status {
			out = append(out, run)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRunTasks(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	tasks := run.Tasks
	if tasks == nil {
		tasks = []runs.TaskRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"run_id": run.ID, "tasks": tasks})
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (runs.Run, bool) {
	runID := strings.TrimSpace(chi.URLParam(r, "id"))
	if runID == "" {
		respondError(w, http.StatusBadRequest, "invalid_run_id", "missing run id")
		return runs.Run{}, false
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runs.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run_not_found", err.Error())
			return runs.Run{}, false
		}
		respondError(w, http.StatusInternalServerError, "run_get_failed", err.Error())
		return runs.Run{}, false
	}
	return run, true
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.TaskDurations())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) storeMode() string {
	switch s.store.(type) {
	case *runs.InMemoryStore:
		return "in-memory"
	case *runs.PostgresStore:
		return "postgres"
	case *runs.SQLiteStore:
		return "sqlite"
	default:
		return "custom"
	}
}
