// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

// Package api exposes the HTTP surface: event/session/device ingestion,
// presence queries, the realtime websocket, and operational endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/appbeat-io/appbeat/internal/eventprocessor"
	"github.com/appbeat-io/appbeat/internal/ingest"
	"github.com/appbeat-io/appbeat/internal/middleware"
	"github.com/appbeat-io/appbeat/internal/models"
	"github.com/appbeat-io/appbeat/internal/realtime"
)

// EventBuffer is the ingestion buffer surface the API depends on.
type EventBuffer interface {
	Add(ctx context.Context, event *models.AnalyticsEvent) error
	Stats() ingest.Stats
}

// SessionStore persists session and device records for presence tracking.
type SessionStore interface {
	UpsertSession(ctx context.Context, sessionID, appID, deviceID string, lastActivity time.Time) error
	UpsertDevice(ctx context.Context, deviceID, appID, platform, country string) error
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
}

// PresenceSource answers online-users queries.
type PresenceSource interface {
	Snapshot(ctx context.Context, appID string) (models.OnlineUsersSnapshot, error)
}

// QueueInspector reports batch queue state.
type QueueInspector interface {
	Metrics(ctx context.Context) eventprocessor.QueueMetrics
}

// Config holds HTTP server settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Server is the HTTP API server.
type Server struct {
	config   Config
	buffer   EventBuffer
	manager  *realtime.Manager
	presence PresenceSource
	sessions SessionStore
	queue    QueueInspector

	httpServer *http.Server
}

// NewServer assembles the server and its routes. The queue inspector and
// session store may be nil in reduced deployments; their endpoints then
// return what the remaining components can answer.
func NewServer(
	cfg Config,
	buffer EventBuffer,
	manager *realtime.Manager,
	presence PresenceSource,
	sessions SessionStore,
	queue QueueInspector,
) (*Server, error) {
	if buffer == nil {
		return nil, fmt.Errorf("event buffer required")
	}
	if manager == nil {
		return nil, fmt.Errorf("realtime manager required")
	}

	s := &Server{
		config:   cfg,
		buffer:   buffer,
		manager:  manager,
		presence: presence,
		sessions: sessions,
		queue:    queue,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/apps/{appID}", func(r chi.Router) {
			r.Post("/events", s.handleIngestEvent)
			r.Post("/sessions", s.handleIngestSession)
			r.Post("/devices", s.handleIngestDevice)
			r.Get("/online", s.handleOnline)
		})
		r.Get("/stats", s.handleStats)
		r.Get("/queue/metrics", s.handleQueueMetrics)
	})

	r.Get("/ws/{appID}", s.handleWebsocket)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Handler returns the root HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe runs the server until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
