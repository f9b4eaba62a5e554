// Package api exposes the on-demand JSON surface: workflow enumeration,
// schedule inspection, token generation and config record management.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"tokenflow/internal/config"
	"tokenflow/internal/scheduler"
	"tokenflow/internal/store"
	"tokenflow/internal/template"
	"tokenflow/internal/token"
	"tokenflow/internal/workflow"
)

type Server struct {
	r         *chi.Mux
	source    scheduler.Source
	store     *store.Store
	templates *template.Registry
}

// NewServer builds the HTTP handler. The store may be nil when the
// process runs on declarative configuration only; config record routes
// then respond 404.
func NewServer(source scheduler.Source, st *store.Store, templates *template.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, source: source, store: st, templates: templates}

	r.Get("/health", s.health)
	r.Get("/api/workflows", s.listWorkflows)
	r.Get("/api/workflows/{name}/schedule", s.getScheduleToken)
	r.Post("/api/workflows/{name}/tokens", s.generateTokens)
	r.Get("/api/templates", s.listTemplates)
	r.Get("/api/policies", s.listPolicies)

	if st != nil {
		r.Get("/api/tokens/recent", s.recentTokens)
		r.Put("/api/workflows/{name}/schedule", s.putScheduleConfig)
		r.Put("/api/workflows/{name}/jobs/{job}", s.putJobConfig)
		r.Delete("/api/workflows/{name}/jobs/{job}", s.deleteJobConfig)
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	names, err := s.source.WorkflowNames(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": names})
}

func (s *Server) getScheduleToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.source.ScheduleToken(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if t == nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) generateTokens(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tokens, err := s.source.WorkflowTokens(r.Context(), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	if tokens == nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	if s.store != nil {
		if err := s.store.SaveTokens(r.Context(), tokens); err != nil {
			s.fail(w, err)
			return
		}
	}
	log.Info().Str("workflow", name).Int("tokens", len(tokens)).Msg("tokens generated on demand")
	writeJSON(w, http.StatusCreated, map[string]any{"tokens": tokens})
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": s.templates.List()})
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"overrun_policies": workflow.OverrunPolicies()})
}

func (s *Server) recentTokens(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	tokens, err := s.store.RecentTokens(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) putScheduleConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := config.ScheduleFromJSON(body)
	if err != nil {
		s.fail(w, err)
		return
	}
	if c.Workflow != chi.URLParam(r, "name") {
		http.Error(w, "workflow in record does not match URL", http.StatusBadRequest)
		return
	}
	if _, err := s.store.PutScheduleConfig(r.Context(), body); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": token.ScheduleConfigPath(c.Workflow)})
}

func (s *Server) putJobConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := config.JobFromJSON(body)
	if err != nil {
		s.fail(w, err)
		return
	}
	if c.Workflow != chi.URLParam(r, "name") || c.Job != chi.URLParam(r, "job") {
		http.Error(w, "workflow/job in record does not match URL", http.StatusBadRequest)
		return
	}
	if _, err := s.store.PutJobConfig(r.Context(), body); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": token.JobConfigPath(c.Workflow, c.Job)})
}

func (s *Server) deleteJobConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteJobConfig(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "job")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps the error taxonomy onto HTTP statuses: configuration and
// graph-structure errors are the caller's fault, everything else is a
// server error.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var ve *config.ValidationError
	var ge *workflow.VerificationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve), errors.As(err, &ge),
		errors.Is(err, template.ErrUnknownTemplate), errors.Is(err, workflow.ErrUnknownPolicy):
		status = http.StatusBadRequest
	}
	log.Error().Err(err).Int("status", status).Msg("request failed")
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
