// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"

	"github.com/appbeat-io/appbeat/internal/eventprocessor"
	"github.com/appbeat-io/appbeat/internal/ingest"
	"github.com/appbeat-io/appbeat/internal/models"
	"github.com/appbeat-io/appbeat/internal/realtime"
)

type mockBuffer struct {
	mu     sync.Mutex
	added  []*models.AnalyticsEvent
	addErr error
	stats  ingest.Stats
}

func (b *mockBuffer) Add(_ context.Context, event *models.AnalyticsEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.addErr != nil {
		return b.addErr
	}
	b.added = append(b.added, event)
	return nil
}

func (b *mockBuffer) Stats() ingest.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

type mockSessionStore struct {
	mu        sync.Mutex
	devices   []string
	sessions  []string
	touches   []string
	upsertErr error
}

func (s *mockSessionStore) UpsertSession(_ context.Context, sessionID, _, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.sessions = append(s.sessions, sessionID)
	return nil
}

func (s *mockSessionStore) UpsertDevice(_ context.Context, deviceID, _, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.devices = append(s.devices, deviceID)
	return nil
}

func (s *mockSessionStore) TouchSession(_ context.Context, sessionID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches = append(s.touches, sessionID)
	return nil
}

type mockPresence struct {
	snapshot models.OnlineUsersSnapshot
	err      error
}

func (p *mockPresence) Snapshot(_ context.Context, _ string) (models.OnlineUsersSnapshot, error) {
	if p.err != nil {
		return models.ZeroSnapshot(), p.err
	}
	return p.snapshot, nil
}

type mockQueue struct {
	metrics eventprocessor.QueueMetrics
}

func (q *mockQueue) Metrics(_ context.Context) eventprocessor.QueueMetrics {
	return q.metrics
}

type testEnv struct {
	server   *Server
	buffer   *mockBuffer
	sessions *mockSessionStore
	presence *mockPresence
	queue    *mockQueue
	manager  *realtime.Manager
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	manager, err := realtime.NewManager(realtime.DefaultConfig(), nil, quartz.NewMock(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env := &testEnv{
		buffer:   &mockBuffer{},
		sessions: &mockSessionStore{},
		presence: &mockPresence{snapshot: models.ZeroSnapshot()},
		queue:    &mockQueue{},
		manager:  manager,
	}
	env.server, err = NewServer(DefaultConfig(), env.buffer, manager, env.presence, env.sessions, env.queue)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return env
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal envelope: %v (body: %s)", err, rec.Body.String())
	}
	return resp
}

func TestIngestEventAccepted(t *testing.T) {
	env := newTestServer(t)

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/v1/apps/app-1/events", map[string]any{
		"session_id": "s1",
		"name":       "screen_view",
		"params":     map[string]any{"screen": "home"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := decodeEnvelope(t, rec)
	if resp.Status != "success" {
		t.Fatalf("expected success envelope, got %+v", resp)
	}
	data, _ := resp.Data.(map[string]any)
	if id, _ := data["event_id"].(string); id == "" {
		t.Fatal("expected a generated event_id in the response")
	}

	if len(env.buffer.added) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(env.buffer.added))
	}
	ev := env.buffer.added[0]
	if ev.EventID == "" || ev.Timestamp == 0 {
		t.Fatalf("expected defaults applied, got %+v", ev)
	}
	if len(env.sessions.touches) != 1 || env.sessions.touches[0] != "s1" {
		t.Fatalf("expected session touch for s1, got %v", env.sessions.touches)
	}
}

func TestIngestEventKeepsClientID(t *testing.T) {
	env := newTestServer(t)
	const id = "6f1e1d7e-58a5-4c2b-9f5a-3e0a93b8f001"

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/v1/apps/app-1/events", map[string]any{
		"event_id":   id,
		"session_id": "s1",
		"name":       "app_open",
		"timestamp":  1724899200000,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if env.buffer.added[0].EventID != id {
		t.Fatalf("client event_id must survive, got %q", env.buffer.added[0].EventID)
	}
	if env.buffer.added[0].Timestamp != 1724899200000 {
		t.Fatalf("client timestamp must survive, got %d", env.buffer.added[0].Timestamp)
	}
}

func TestIngestEventValidation(t *testing.T) {
	env := newTestServer(t)
	h := env.server.Handler()

	cases := []struct {
		name string
		body any
	}{
		{"missing session", map[string]any{"name": "n"}},
		{"missing name", map[string]any{"session_id": "s1"}},
		{"bad event id", map[string]any{"session_id": "s1", "name": "n", "event_id": "not-a-uuid"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/v1/apps/app-1/events", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			resp := decodeEnvelope(t, rec)
			if resp.Error == nil || resp.Error.Code != "VALIDATION_ERROR" {
				t.Fatalf("expected VALIDATION_ERROR, got %+v", resp.Error)
			}
		})
	}

	rec := doJSON(t, h, http.MethodPost, "/api/v1/apps/app-1/events", []byte("{not json"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Error == nil || resp.Error.Code != "INVALID_JSON" {
		t.Fatalf("expected INVALID_JSON, got %+v", rec.Body.String())
	}
}

func TestIngestEventBufferUnavailable(t *testing.T) {
	env := newTestServer(t)
	env.buffer.addErr = errors.New("redis down")

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/v1/apps/app-1/events", map[string]any{
		"session_id": "s1",
		"name":       "n",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestIngestSessionPersistsDeviceAndSession(t *testing.T) {
	env := newTestServer(t)

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/v1/apps/app-1/sessions", map[string]any{
		"session_id": "s1",
		"device_id":  "d1",
		"platform":   "ios",
		"country":    "US",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.sessions.devices) != 1 || env.sessions.devices[0] != "d1" {
		t.Fatalf("expected device upsert, got %v", env.sessions.devices)
	}
	if len(env.sessions.sessions) != 1 || env.sessions.sessions[0] != "s1" {
		t.Fatalf("expected session upsert, got %v", env.sessions.sessions)
	}
}

func TestIngestSessionStoreError(t *testing.T) {
	env := newTestServer(t)
	env.sessions.upsertErr = errors.New("disk full")

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/v1/apps/app-1/sessions", map[string]any{
		"session_id": "s1",
		"device_id":  "d1",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestIngestDevice(t *testing.T) {
	env := newTestServer(t)

	rec := doJSON(t, env.server.Handler(), http.MethodPost, "/api/v1/apps/app-1/devices", map[string]any{
		"device_id": "d1",
		"platform":  "android",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.sessions.devices) != 1 {
		t.Fatalf("expected device upsert, got %v", env.sessions.devices)
	}
}

func TestOnlineReturnsSnapshot(t *testing.T) {
	env := newTestServer(t)
	env.presence.snapshot = models.OnlineUsersSnapshot{
		Total:     4,
		Platforms: map[string]int{"ios": 3, "android": 1},
		Countries: map[string]int{"US": 4},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/apps/app-1/online", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	data, _ := resp.Data.(map[string]any)
	if total, _ := data["total"].(float64); total != 4 {
		t.Fatalf("expected total 4, got %v", data["total"])
	}
}

func TestOnlinePresenceError(t *testing.T) {
	env := newTestServer(t)
	env.presence.err = errors.New("db unavailable")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/apps/app-1/online", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestQueueMetricsIncludesBufferDepth(t *testing.T) {
	env := newTestServer(t)
	env.buffer.stats = ingest.Stats{BufferLen: 42}
	env.queue.metrics = eventprocessor.QueueMetrics{Waiting: 7, Completed: 100, Failed: 2}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/metrics", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	data, _ := resp.Data.(map[string]any)
	if v, _ := data["buffer_size"].(float64); v != 42 {
		t.Fatalf("expected buffer_size 42, got %v", data["buffer_size"])
	}
	if v, _ := data["waiting"].(float64); v != 7 {
		t.Fatalf("expected waiting 7, got %v", data["waiting"])
	}
}

func TestStats(t *testing.T) {
	env := newTestServer(t)
	env.buffer.stats = ingest.Stats{EventsReceived: 10, BatchesPublished: 2}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Status != "success" {
		t.Fatalf("expected success envelope, got %+v", resp)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "upstream-id" {
		t.Fatalf("expected upstream request id echoed, got %q", got)
	}
}
