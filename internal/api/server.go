package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/iotgate/internal/api/handler"
	mw "github.com/edvin/iotgate/internal/api/middleware"
	"github.com/edvin/iotgate/internal/metrics"
	"github.com/edvin/iotgate/internal/model"
	"github.com/edvin/iotgate/internal/proxy"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Gate     *mw.Gate
	Keys     handler.KeyStore
	Webhooks handler.WebhookService
	Events   handler.Triggerer
	// Upstream receives gated requests for the analytics platform.
	Upstream http.Handler
	Routes   []proxy.Route
	// Ready holds the dependency checks behind /readyz.
	Ready map[string]metrics.ReadyFunc
}

type Server struct {
	router chi.Router
	logger zerolog.Logger
	deps   Deps
}

func NewServer(logger zerolog.Logger, deps Deps) *Server {
	if deps.Routes == nil {
		deps.Routes = proxy.DefaultRoutes
	}
	s := &Server{
		router: chi.NewRouter(),
		logger: logger,
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	gate := s.deps.Gate

	s.router.Route("/api/v1", func(r chi.Router) {
		// API keys
		keys := handler.NewAPIKey(s.deps.Keys)
		r.With(gate.RequireAll(model.ScopeKeysRead)).Get("/keys", keys.List)
		r.With(gate.RequireAll(model.ScopeKeysWrite)).Post("/keys", keys.Create)
		r.With(gate.RequireAll(model.ScopeKeysRead)).Get("/keys/{id}", keys.Get)
		r.With(gate.RequireAll(model.ScopeKeysWrite)).Post("/keys/{id}/rotate", keys.Rotate)
		r.With(gate.RequireAll(model.ScopeKeysWrite)).Delete("/keys/{id}", keys.Revoke)

		// Webhooks
		webhooks := handler.NewWebhook(s.deps.Webhooks)
		r.With(gate.RequireAll(model.ScopeWebhooksRead)).Get("/webhooks", webhooks.List)
		r.With(gate.RequireAll(model.ScopeWebhooksWrite)).Post("/webhooks", webhooks.Create)
		r.With(gate.RequireAll(model.ScopeWebhooksRead)).Get("/webhooks/{id}", webhooks.Get)
		r.With(gate.RequireAll(model.ScopeWebhooksWrite)).Delete("/webhooks/{id}", webhooks.Delete)
		r.With(gate.RequireAll(model.ScopeWebhooksWrite)).Post("/webhooks/{id}/test", webhooks.Test)
		r.With(gate.RequireAll(model.ScopeWebhooksRead)).Get("/webhooks/{id}/deliveries", webhooks.Deliveries)

		// Events
		events := handler.NewEvent(s.deps.Events)
		r.With(gate.RequireAll(model.ScopeEventsPublish)).Post("/events", events.Publish)
	})

	// Analytics platform
	proxy.Mount(s.router, gate, s.deps.Upstream, s.deps.Routes)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"status": state, "checks": checks})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
