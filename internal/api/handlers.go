// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/appbeat-io/appbeat/internal/logging"
	"github.com/appbeat-io/appbeat/internal/models"
	"github.com/appbeat-io/appbeat/internal/validation"
	"github.com/appbeat-io/appbeat/internal/websocket"
)

type eventRequest struct {
	EventID   string         `json:"event_id" validate:"omitempty,uuid"`
	SessionID string         `json:"session_id" validate:"required,max=128"`
	Name      string         `json:"name" validate:"required,max=256"`
	Params    map[string]any `json:"params"`
	Timestamp int64          `json:"timestamp" validate:"omitempty,min=0"`
}

type sessionRequest struct {
	SessionID string          `json:"session_id" validate:"required,max=128"`
	DeviceID  string          `json:"device_id" validate:"required,max=128"`
	Platform  string          `json:"platform" validate:"omitempty,max=64"`
	Country   string          `json:"country" validate:"omitempty,max=64"`
	Payload   json.RawMessage `json:"payload"`
}

type deviceRequest struct {
	DeviceID string          `json:"device_id" validate:"required,max=128"`
	Platform string          `json:"platform" validate:"omitempty,max=64"`
	Country  string          `json:"country" validate:"omitempty,max=64"`
	Payload  json.RawMessage `json:"payload"`
}

// handleIngestEvent accepts one analytics event: into the ingestion buffer
// for durable persistence, and into the realtime feed for live dashboards.
// Responds 202; the durable write happens asynchronously.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")

	var req eventRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON", err)
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	event := &models.AnalyticsEvent{
		EventID:   req.EventID,
		SessionID: req.SessionID,
		Name:      req.Name,
		Params:    req.Params,
		Timestamp: req.Timestamp,
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UTC().UnixMilli()
	}

	if err := s.buffer.Add(r.Context(), event); err != nil {
		respondError(w, http.StatusServiceUnavailable, "BUFFER_UNAVAILABLE", "event could not be buffered", err)
		return
	}

	var payload json.RawMessage
	if req.Params != nil {
		payload, _ = json.Marshal(req.Params)
	}
	s.manager.PushEvent(appID, models.RealtimeEvent{
		ID:        event.EventID,
		Name:      event.Name,
		SessionID: event.SessionID,
		Timestamp: event.Timestamp,
		Payload:   payload,
	})

	// Event traffic keeps the session's presence alive; failures here only
	// degrade the online counter, never the ingest path.
	if s.sessions != nil {
		if err := s.sessions.TouchSession(r.Context(), event.SessionID, time.Now().UTC()); err != nil {
			logging.Debug().Err(err).Str("session_id", event.SessionID).Msg("api: session touch failed")
		}
	}

	respondSuccess(w, http.StatusAccepted, map[string]string{"event_id": event.EventID})
}

// handleIngestSession records a session start or update.
func (s *Server) handleIngestSession(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")

	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON", err)
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	if s.sessions != nil {
		now := time.Now().UTC()
		if err := s.sessions.UpsertDevice(r.Context(), req.DeviceID, appID, req.Platform, req.Country); err != nil {
			respondError(w, http.StatusInternalServerError, "STORE_ERROR", "device could not be recorded", err)
			return
		}
		if err := s.sessions.UpsertSession(r.Context(), req.SessionID, appID, req.DeviceID, now); err != nil {
			respondError(w, http.StatusInternalServerError, "STORE_ERROR", "session could not be recorded", err)
			return
		}
	}

	s.manager.PushSession(appID, models.RealtimeSession{
		ID:       req.SessionID,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
		Country:  req.Country,
		Payload:  req.Payload,
	})

	respondSuccess(w, http.StatusAccepted, map[string]string{"session_id": req.SessionID})
}

// handleIngestDevice records a device registration or update.
func (s *Server) handleIngestDevice(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")

	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON", err)
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	if s.sessions != nil {
		if err := s.sessions.UpsertDevice(r.Context(), req.DeviceID, appID, req.Platform, req.Country); err != nil {
			respondError(w, http.StatusInternalServerError, "STORE_ERROR", "device could not be recorded", err)
			return
		}
	}

	s.manager.PushDevice(appID, models.RealtimeDevice{
		ID:       req.DeviceID,
		Platform: req.Platform,
		Country:  req.Country,
		Payload:  req.Payload,
	})

	respondSuccess(w, http.StatusAccepted, map[string]string{"device_id": req.DeviceID})
}

// handleOnline returns the current presence snapshot for one application.
// Always a fresh read; the broadcast path uses its own cache.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")

	if s.presence == nil {
		respondSuccess(w, http.StatusOK, models.ZeroSnapshot())
		return
	}
	snapshot, err := s.presence.Snapshot(r.Context(), appID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PRESENCE_ERROR", "presence query failed", err)
		return
	}
	respondSuccess(w, http.StatusOK, snapshot)
}

// statsResponse aggregates runtime counters from the pipeline stages.
type statsResponse struct {
	Ingest   any `json:"ingest"`
	Realtime any `json:"realtime"`
}

// handleStats returns runtime counters for monitoring.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, statsResponse{
		Ingest:   s.buffer.Stats(),
		Realtime: s.manager.Stats(),
	})
}

// queueMetricsResponse combines broker-side queue state with the ingestion
// buffer depth.
type queueMetricsResponse struct {
	Waiting    int64 `json:"waiting"`
	Active     int64 `json:"active"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Delayed    int64 `json:"delayed"`
	BufferSize int64 `json:"buffer_size"`
}

// handleQueueMetrics returns batch queue metrics.
func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	resp := queueMetricsResponse{
		BufferSize: s.buffer.Stats().BufferLen,
	}
	if s.queue != nil {
		m := s.queue.Metrics(r.Context())
		resp.Waiting = m.Waiting
		resp.Active = m.Active
		resp.Completed = m.Completed
		resp.Failed = m.Failed
		resp.Delayed = m.Delayed
	}
	respondSuccess(w, http.StatusOK, resp)
}

// handleWebsocket upgrades the connection and subscribes it to the
// application's realtime feed. Blocks for the connection's lifetime.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	if appID == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "app id is required", nil)
		return
	}
	if err := websocket.Serve(w, r, s.manager, appID); err != nil {
		// Upgrade failures already wrote a response; just log.
		logging.Warn().Err(err).Str("app_id", appID).Msg("api: websocket upgrade failed")
	}
}

// handleHealthz reports liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}
