// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api provides the HTTP + WebSocket control surface of the core
// runtime.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/michaelhil/synopticon/internal/bus"
	"github.com/michaelhil/synopticon/internal/config"
	"github.com/michaelhil/synopticon/internal/distribute"
	"github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/orchestrator"
	"github.com/michaelhil/synopticon/internal/session"
)

// Server wires the orchestrator, the session manager and the event bus to
// the HTTP surface.
type Server struct {
	cfg      config.Config
	version  string
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	events   bus.Bus
	sse      *distribute.SSE
	logger   zerolog.Logger

	startTime time.Time
}

// Deps carries the collaborators a Server needs.
type Deps struct {
	Config       config.Config
	Version      string
	Orchestrator *orchestrator.Orchestrator
	Sessions     *session.Manager
	Events       bus.Bus
	SSE          *distribute.SSE
}

// New creates the server.
func New(deps Deps) *Server {
	return &Server{
		cfg:       deps.Config,
		version:   deps.Version,
		orch:      deps.Orchestrator,
		sessions:  deps.Sessions,
		events:    deps.Events,
		sse:       deps.SSE,
		logger:    log.WithComponent("api"),
		startTime: time.Now(),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(300, time.Minute))
		r.Use(s.apiKeyAuth)

		r.Get("/health", s.handleHealth)
		r.Get("/config", s.handleConfig)
		r.Post("/detect", s.handleDetect)
		r.Post("/batch", s.handleBatch)

		r.Get("/pipelines", s.handlePipelines)
		r.Post("/pipelines/register", s.handleRegisterPipeline)
		r.Get("/strategies", s.handleStrategies)

		r.Route("/distribution", func(r chi.Router) {
			r.Get("/status", s.handleDistributionStatus)
			r.Get("/discovery", s.handleDiscovery)
			r.Get("/templates", s.handleTemplates)
			r.Get("/events", s.handleWS)

			r.Route("/streams", func(r chi.Router) {
				r.Post("/", s.handleStreamCreate)
				r.Get("/", s.handleStreamList)
				r.Get("/{id}", s.handleStreamGet)
				r.Put("/{id}", s.handleStreamModify)
				r.Delete("/{id}", s.handleStreamDelete)
				r.Post("/{id}/record", s.handleStreamRecord)
				r.Post("/{id}/share", s.handleStreamShare)
				r.Get("/{id}/sse", s.handleStreamSSE)
			})
		})
	})

	return r
}

