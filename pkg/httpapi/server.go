/*
Copyright 2025 Jenna Labs.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httpapi exposes the partner-facing HTTP surface: enrichment
// start/status, the stored neighborhood index, health probes, and the
// WebSocket progress stream. Every authenticated route passes auth then
// the rate limiter.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/jennahq/jenna/pkg/auth"
	"github.com/jennahq/jenna/pkg/models"
	"github.com/jennahq/jenna/pkg/queue"
	"github.com/jennahq/jenna/pkg/ratelimit"
)

// Store is the persistence slice the HTTP surface reads and writes.
type Store interface {
	GetProperty(ctx context.Context, propertyID string) (*models.Property, error)
	UpdateEnrichmentStatus(ctx context.Context, propertyID string, status models.EnrichmentStatus, enrichmentError *string) error
	LatestIndexRow(ctx context.Context, propertyID string) (*models.NeighborhoodIndexRow, error)
	IndexTrend(ctx context.Context, propertyID string, days int) ([]models.NeighborhoodIndexRow, error)
}

// Options carry the wiring the router cannot derive.
type Options struct {
	FrontendURL          string
	MaxRequestsPerMinute int
	Version              string
	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
}

// Server is the assembled HTTP API.
type Server struct {
	store   Store
	queue   queue.Queue
	authn   *auth.Authenticator
	limiter *ratelimit.Limiter
	ws      http.Handler
	ready   func(ctx context.Context) error
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	router chi.Router
}

// NewServer assembles the router. ready is polled by the readiness
// probe; ws serves the progress stream.
func NewServer(store Store, q queue.Queue, authn *auth.Authenticator, limiter *ratelimit.Limiter, ws http.Handler, ready func(ctx context.Context) error, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   store,
		queue:   q,
		authn:   authn,
		limiter: limiter,
		ws:      ws,
		ready:   ready,
		opts:    opts,
		logger:  logger.With(zap.String("component", "httpapi")),
		now:     time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(s.opts.FrontendURL),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "X-API-Key", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/live", s.handleLive)
	r.Get("/ready", s.handleReady)
	r.Get("/version", s.handleVersion)
	if s.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.MetricsHandler)
	}
	if s.ws != nil {
		r.Method(http.MethodGet, "/ws/jobs/{job_id}", s.ws)
	}

	ipFallback := ratelimit.IPQuotas(s.opts.MaxRequestsPerMinute)
	limited := s.limiter.Middleware(ipFallback)

	r.Group(func(r chi.Router) {
		r.Use(s.authn.Middleware("pricing:write"), limited)
		r.Post("/enrichment/start", s.handleEnrichmentStart)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.authn.Middleware("pricing:read"), limited)
		r.Get("/enrichment/status/{id}", s.handleEnrichmentStatus)
		r.Get("/neighborhood-index/{property_id}/latest", s.handleIndexLatest)
		r.Get("/neighborhood-index/{property_id}/trend", s.handleIndexTrend)
	})
	return r
}

// ServeHTTP makes the server mountable.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"success":false,"status":"not ready"}`))
			return
		}
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{"version": s.opts.Version})
}

func corsOrigins(frontendURL string) []string {
	if frontendURL == "" {
		return []string{"*"}
	}
	return []string{frontendURL}
}
