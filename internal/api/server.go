// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package api exposes the operator-facing HTTP surface: session and
// participant management, presence reads, event replay, the WebSocket
// upgrade endpoint, and process health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pentora/conclave/internal/dataplane"
	"github.com/pentora/conclave/internal/events"
	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/metrics"
	"github.com/pentora/conclave/internal/models"
	"github.com/pentora/conclave/internal/presence"
	"github.com/pentora/conclave/internal/session"
	"github.com/pentora/conclave/internal/ws"
)

// Config configures the HTTP listener.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration

	RateLimitReqs   int
	RateLimitWindow time.Duration
	CORSOrigins     []string
}

// Server wires the HTTP API over the engine's components.
type Server struct {
	cfg      Config
	sessions *session.Manager
	presence *presence.Manager
	events   *events.Store
	plane    dataplane.Client
	hub      *ws.Hub
	relay    *ws.Relay

	http *http.Server
}

// NewServer builds the server and its routes.
func NewServer(
	cfg Config,
	sessions *session.Manager,
	pm *presence.Manager,
	store *events.Store,
	plane dataplane.Client,
	hub *ws.Hub,
	relay *ws.Relay,
) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		presence: pm,
		events:   store,
		plane:    plane,
		hub:      hub,
		relay:    relay,
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(requestMetrics)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method("GET", "/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimitReqs > 0 {
			r.Use(httprate.Limit(
				s.cfg.RateLimitReqs,
				s.cfg.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(rateLimited),
			))
		}

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/status", s.handleUpdateStatus)
				r.Get("/presence", s.handleGetPresence)
				r.Route("/participants", func(r chi.Router) {
					r.Get("/", s.handleListParticipants)
					r.Post("/", s.handleJoin)
					r.Delete("/{userID}", s.handleLeave)
				})
			})
		})

		r.Route("/operations/{operationID}", func(r chi.Router) {
			r.Get("/events", s.handleGetEvents)
			r.Get("/replay", s.handleReplay)
		})

		r.Get("/events/recent", s.handleRecentEvents)
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logging.Info().Str("addr", s.http.Addr).Msg("http api listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		if err := s.relay.WatchSession(r.Context(), sessionID); err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("presence watch failed")
		}
	}
	ws.ServeWS(s.hub, w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.plane.State()

	status := http.StatusOK
	health := "ok"
	if state != dataplane.StateConnected {
		status = http.StatusServiceUnavailable
		health = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":     health,
		"data_plane": state.String(),
	})
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		metrics.RecordAPIRequest(r.Method, endpoint, wrapped.Status(), time.Since(start))
	})
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	metrics.APIRateLimitHits.WithLabelValues(r.URL.Path).Inc()
	writeError(w, models.NewError(models.CodeRateLimitExceeded, "too many requests"))
}
