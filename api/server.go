// Package api exposes the policy engine over HTTP. Authentication happens
// upstream; requests arrive with a role header the guard middleware checks
// against the role model.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carewatch/api/handlers"
	"carewatch/config"
	"carewatch/core/consolidate"
	"carewatch/core/engine"
	"carewatch/core/rbac"
	"carewatch/core/utils"
)

type Server struct {
	cfg      *config.AppConfig
	svc      *engine.Service
	enforcer *rbac.Enforcer
	logger   *utils.Logger

	incidents *handlers.IncidentsHandler
	policies  *handlers.PoliciesHandler
	views     *handlers.ViewsHandler

	httpServer *http.Server
}

func NewServer(
	cfg *config.AppConfig,
	svc *engine.Service,
	consolidator *consolidate.Consolidator,
	enforcer *rbac.Enforcer,
	logger *utils.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		svc:       svc,
		enforcer:  enforcer,
		logger:    logger,
		incidents: handlers.NewIncidentsHandler(svc, logger),
		policies:  handlers.NewPoliciesHandler(svc, logger),
		views:     handlers.NewViewsHandler(svc, consolidator, logger),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.requestIDMiddleware)
	r.Use(s.jsonMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/incidents", func(r chi.Router) {
		r.With(s.requirePermission(rbac.PermIncidentsWrite)).Post("/", s.incidents.Ingest)
		r.With(s.requirePermission(rbac.PermIncidentsRead)).Get("/{id}", s.incidents.Get)
		r.With(s.requirePermission(rbac.PermIncidentsRead)).Get("/{id}/tasks", s.incidents.ListTasks)
		r.With(s.requirePermission(rbac.PermIncidentsRead)).Get("/{id}/status", s.incidents.GetStatus)
		r.With(s.requirePermission(rbac.PermIncidentsWrite)).Post("/{id}/tasks/generate", s.incidents.GenerateTasks)
		r.With(s.requirePermission(rbac.PermIncidentsWrite)).Post("/{id}/reconcile", s.incidents.Reconcile)
	})

	r.Route("/api/policies", func(r chi.Router) {
		r.With(s.requirePermission(rbac.PermPoliciesRead)).Get("/", s.policies.List)
		r.With(s.requirePermission(rbac.PermPoliciesRead)).Get("/select", s.policies.Select)
		r.With(s.requirePermission(rbac.PermPoliciesWrite)).Post("/{id}/versions/{version}/deactivate", s.policies.Deactivate)
	})

	r.With(s.requirePermission(rbac.PermViewsRead)).Get("/api/views/{key}", s.views.Get)
	r.With(s.requirePermission(rbac.PermRunsRead)).Get("/api/consolidator/runs/latest", s.views.LatestRun)
	r.With(s.requirePermission(rbac.PermRunsRead)).Post("/api/consolidator/runs", s.views.RunNow)

	return r
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.logger != nil {
		s.logger.Printf("http listening on %s", s.cfg.ListenAddr)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
