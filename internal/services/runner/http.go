package runner

import (
	"errors"
	"net/http"
	"time"

	"github.com/fgeck/gorsync-homelab/internal/metrics"
	"github.com/fgeck/gorsync-homelab/internal/models"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
)

// requestsPerMinute bounds every client of the HTTP endpoint.
const requestsPerMinute = 120

// Router serves the Prometheus metrics and a read-only status view:
//
//	GET /metrics
//	GET /healthz        503 while any task is stopped by an error
//	GET /tasks
//	GET /tasks/{name}
func (s *Impl) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(httprate.LimitByIP(requestsPerMinute, time.Minute))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", s.handleHealth)
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleTasks)
		r.Get("/{name}", s.handleTask)
	})
	return r
}

func (s *Impl) statuses() []models.TaskStatus {
	names := s.TaskNames()
	out := make([]models.TaskStatus, 0, len(names))
	for _, name := range names {
		st, err := s.Status(name)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (s *Impl) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var failed []string
	for _, st := range s.statuses() {
		if st.FatalError != "" {
			failed = append(failed, st.Name)
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "failed", "tasks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Impl) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.statuses())
}

func (s *Impl) handleTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(chi.URLParam(r, "name"))
	if errors.Is(err, ErrUnknownTask) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
