// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

// Package realtime fans live analytics out to dashboard subscribers. The
// manager buffers pushed items per application and delivers merged messages
// on a fixed cadence instead of per event, keeping fan-out cost bounded under
// burst traffic.
package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/appbeat-io/appbeat/internal/logging"
	"github.com/appbeat-io/appbeat/internal/metrics"
	"github.com/appbeat-io/appbeat/internal/models"
)

// SendFunc delivers one serialized message to a subscriber. A returned error
// marks the connection dead; the manager evicts it and never calls the
// function again.
type SendFunc func(data []byte) error

// PresenceSource computes a fresh presence snapshot for one application.
// Implemented by presence.Tracker.
type PresenceSource interface {
	Snapshot(ctx context.Context, appID string) (models.OnlineUsersSnapshot, error)
}

// Config holds broadcast manager settings.
type Config struct {
	// FlushInterval is the broadcast cadence.
	FlushInterval time.Duration
	// PresenceInterval is how often presence snapshots refresh.
	PresenceInterval time.Duration
	// HeartbeatInterval is how often idle connections are checked.
	HeartbeatInterval time.Duration
	// ConnectionTimeout evicts connections with no activity for this long.
	ConnectionTimeout time.Duration
	// MaxBufferSize caps each per-app item buffer; the oldest items beyond it
	// are dropped.
	MaxBufferSize int
	// PresenceCacheTTL is how long a cached snapshot may be served before it
	// is treated as stale and replaced by the zero state.
	PresenceCacheTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval:     3 * time.Second,
		PresenceInterval:  5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 90 * time.Second,
		MaxBufferSize:     1000,
		PresenceCacheTTL:  10 * time.Second,
	}
}

// Stats holds runtime counters for monitoring.
type Stats struct {
	TotalApps        int `json:"total_apps"`
	TotalConnections int `json:"total_connections"`
	BufferedEvents   int `json:"buffered_events"`
	BufferedSessions int `json:"buffered_sessions"`
	BufferedDevices  int `json:"buffered_devices"`
}

// Connection is one live subscriber.
type Connection struct {
	ID    uint64
	AppID string

	send SendFunc

	// lastActive is unix nanos of the most recent successful send or
	// client-side activity.
	lastActive atomic.Int64
}

// Touch records client activity, deferring heartbeat eviction.
func (c *Connection) Touch(now time.Time) {
	c.lastActive.Store(now.UnixNano())
}

// appState holds everything the manager tracks for one application, guarded
// by a single mutex so teardown is atomic.
type appState struct {
	mu sync.Mutex

	connections map[uint64]*Connection

	events   []models.RealtimeEvent
	sessions []models.RealtimeSession
	devices  []models.RealtimeDevice

	presence    models.OnlineUsersSnapshot
	presenceAt  time.Time
	hasPresence bool
}

// Manager is the realtime broadcast hub. All three maintenance loops (flush,
// presence refresh, heartbeat) run on the injected clock, so tests drive them
// deterministically.
type Manager struct {
	config   Config
	presence PresenceSource
	clock    quartz.Clock
	breaker  *gobreaker.CircuitBreaker[models.OnlineUsersSnapshot]

	mu   sync.RWMutex
	apps map[string]*appState

	nextConnID atomic.Uint64
	started    atomic.Bool

	// refreshing collapses overlapping presence ticks; a refresh that
	// outlasts the interval skips the next tick instead of stacking queries.
	refreshing atomic.Bool

	cancel  context.CancelFunc
	waiters []quartz.Waiter

	broadcasts   atomic.Int64
	sendFailures atomic.Int64
	droppedItems atomic.Int64
}

// NewManager creates a Manager. The presence source may be nil, in which case
// broadcasts always carry the zero presence state.
func NewManager(cfg Config, source PresenceSource, clock quartz.Clock) (*Manager, error) {
	if cfg.FlushInterval <= 0 || cfg.PresenceInterval <= 0 || cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("all intervals must be positive")
	}
	if cfg.MaxBufferSize <= 0 {
		return nil, fmt.Errorf("max buffer size must be positive")
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	breaker := gobreaker.NewCircuitBreaker[models.OnlineUsersSnapshot](gobreaker.Settings{
		Name:    "presence-refresh",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Manager{
		config:   cfg,
		presence: source,
		clock:    clock,
		breaker:  breaker,
		apps:     make(map[string]*appState),
	}, nil
}

// Start launches the flush, presence, and heartbeat loops. Idempotent; the
// second and later calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	if m.started.Swap(true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.waiters = []quartz.Waiter{
		m.clock.TickerFunc(loopCtx, m.config.FlushInterval, func() error {
			m.flushAll()
			return nil
		}, "realtime-flush"),
		m.clock.TickerFunc(loopCtx, m.config.PresenceInterval, func() error {
			m.refreshPresence(loopCtx)
			return nil
		}, "realtime-presence"),
		m.clock.TickerFunc(loopCtx, m.config.HeartbeatInterval, func() error {
			m.evictIdle()
			return nil
		}, "realtime-heartbeat"),
	}
	logging.Info().
		Dur("flush_interval", m.config.FlushInterval).
		Dur("presence_interval", m.config.PresenceInterval).
		Dur("heartbeat_interval", m.config.HeartbeatInterval).
		Msg("realtime: manager started")
}

// Stop halts the loops and clears all state. Every subscriber is dropped; a
// restarted manager begins empty.
func (m *Manager) Stop() {
	if !m.started.Swap(false) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	for _, w := range m.waiters {
		// Loops return nil; Wait only reports context cancellation.
		_ = w.Wait()
	}
	m.waiters = nil

	m.mu.Lock()
	apps := len(m.apps)
	conns := 0
	for _, state := range m.apps {
		state.mu.Lock()
		conns += len(state.connections)
		state.mu.Unlock()
	}
	m.apps = make(map[string]*appState)
	m.mu.Unlock()

	metrics.RealtimeApps.Set(0)
	metrics.RealtimeConnections.Set(0)
	logging.Info().
		Int("apps_cleared", apps).
		Int("connections_dropped", conns).
		Msg("realtime: manager stopped")
}

// AddConnection registers a subscriber for an application and returns the
// connection plus its unsubscribe function. Unsubscribing the last connection
// tears down the whole per-app state.
func (m *Manager) AddConnection(appID string, send SendFunc) (*Connection, func()) {
	conn := &Connection{
		ID:    m.nextConnID.Add(1),
		AppID: appID,
		send:  send,
	}
	conn.Touch(m.clock.Now())

	m.mu.Lock()
	state, ok := m.apps[appID]
	if !ok {
		state = &appState{connections: make(map[uint64]*Connection)}
		m.apps[appID] = state
		metrics.RealtimeApps.Set(float64(len(m.apps)))
	}
	m.mu.Unlock()

	state.mu.Lock()
	state.connections[conn.ID] = conn
	total := len(state.connections)
	state.mu.Unlock()

	metrics.RealtimeConnections.Inc()
	logging.Debug().
		Str("app_id", appID).
		Uint64("conn_id", conn.ID).
		Int("app_connections", total).
		Msg("realtime: subscriber added")

	return conn, func() { m.removeConnection(appID, conn.ID) }
}

// Touch records activity for a connection, if it still exists.
func (m *Manager) Touch(appID string, connID uint64) {
	m.mu.RLock()
	state, ok := m.apps[appID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	state.mu.Lock()
	if conn, ok := state.connections[connID]; ok {
		conn.Touch(m.clock.Now())
	}
	state.mu.Unlock()
}

// PushEvent buffers a live event for the application. A push for an
// application with no subscribers is a no-op; nothing accumulates for
// dashboards nobody is watching.
func (m *Manager) PushEvent(appID string, event models.RealtimeEvent) {
	state := m.subscribedState(appID)
	if state == nil {
		return
	}
	state.mu.Lock()
	state.events = append(state.events, event)
	if n := len(state.events) - m.config.MaxBufferSize; n > 0 {
		state.events = state.events[n:]
		m.recordDrops(n)
	}
	state.mu.Unlock()
}

// PushSession buffers a live session update for the application.
func (m *Manager) PushSession(appID string, session models.RealtimeSession) {
	state := m.subscribedState(appID)
	if state == nil {
		return
	}
	state.mu.Lock()
	state.sessions = append(state.sessions, session)
	if n := len(state.sessions) - m.config.MaxBufferSize; n > 0 {
		state.sessions = state.sessions[n:]
		m.recordDrops(n)
	}
	state.mu.Unlock()
}

// PushDevice buffers a live device update for the application.
func (m *Manager) PushDevice(appID string, device models.RealtimeDevice) {
	state := m.subscribedState(appID)
	if state == nil {
		return
	}
	state.mu.Lock()
	state.devices = append(state.devices, device)
	if n := len(state.devices) - m.config.MaxBufferSize; n > 0 {
		state.devices = state.devices[n:]
		m.recordDrops(n)
	}
	state.mu.Unlock()
}

// Stats returns current runtime counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{TotalApps: len(m.apps)}
	for _, state := range m.apps {
		state.mu.Lock()
		stats.TotalConnections += len(state.connections)
		stats.BufferedEvents += len(state.events)
		stats.BufferedSessions += len(state.sessions)
		stats.BufferedDevices += len(state.devices)
		state.mu.Unlock()
	}
	return stats
}

// subscribedState returns the app state only when it has at least one
// subscriber.
func (m *Manager) subscribedState(appID string) *appState {
	m.mu.RLock()
	state, ok := m.apps[appID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	state.mu.Lock()
	empty := len(state.connections) == 0
	state.mu.Unlock()
	if empty {
		return nil
	}
	return state
}

func (m *Manager) recordDrops(n int) {
	m.droppedItems.Add(int64(n))
	metrics.RealtimeBufferedDropped.Add(float64(n))
}

// removeConnection drops one subscriber; when it was the last one, the whole
// per-app state (buffers, presence cache, connection map) goes with it in a
// single step under the manager lock.
func (m *Manager) removeConnection(appID string, connID uint64) {
	m.mu.Lock()
	state, ok := m.apps[appID]
	if !ok {
		m.mu.Unlock()
		return
	}

	state.mu.Lock()
	_, existed := state.connections[connID]
	if existed {
		delete(state.connections, connID)
	}
	last := len(state.connections) == 0
	state.mu.Unlock()

	if last {
		delete(m.apps, appID)
		metrics.RealtimeApps.Set(float64(len(m.apps)))
	}
	m.mu.Unlock()

	if existed {
		metrics.RealtimeConnections.Dec()
		logging.Debug().
			Str("app_id", appID).
			Uint64("conn_id", connID).
			Bool("app_removed", last).
			Msg("realtime: subscriber removed")
	}
}

// flushAll runs one broadcast tick across all applications.
func (m *Manager) flushAll() {
	m.mu.RLock()
	apps := make(map[string]*appState, len(m.apps))
	for id, state := range m.apps {
		apps[id] = state
	}
	m.mu.RUnlock()

	for appID, state := range apps {
		m.flushApp(appID, state)
	}
}

// flushApp snapshots and clears the app's buffers under its lock, then
// delivers the merged message outside the lock. Items pushed while sends are
// in flight land in the next tick's message, never this one.
func (m *Manager) flushApp(appID string, state *appState) {
	now := m.clock.Now()

	state.mu.Lock()
	if len(state.connections) == 0 {
		state.mu.Unlock()
		return
	}

	msg := models.RealtimeMessage{
		Timestamp: now.UTC().Format(time.RFC3339),
		Events:    state.events,
		Sessions:  state.sessions,
		Devices:   state.devices,
	}
	state.events = nil
	state.sessions = nil
	state.devices = nil

	// Serve the cached presence snapshot while fresh; a stale cache is
	// evicted here and the zero state goes out instead, so a dashboard never
	// renders counts the refresher stopped backing.
	if state.hasPresence && now.Sub(state.presenceAt) <= m.config.PresenceCacheTTL {
		msg.OnlineUsers = state.presence
	} else {
		if state.hasPresence {
			state.hasPresence = false
			state.presence = models.OnlineUsersSnapshot{}
		}
		msg.OnlineUsers = models.ZeroSnapshot()
	}

	conns := make([]*Connection, 0, len(state.connections))
	for _, conn := range state.connections {
		conns = append(conns, conn)
	}
	state.mu.Unlock()

	if len(msg.Events) == 0 && len(msg.Sessions) == 0 && len(msg.Devices) == 0 && msg.OnlineUsers.Total == 0 {
		return
	}

	// Empty slices serialize as [] rather than null.
	if msg.Events == nil {
		msg.Events = []models.RealtimeEvent{}
	}
	if msg.Sessions == nil {
		msg.Sessions = []models.RealtimeSession{}
	}
	if msg.Devices == nil {
		msg.Devices = []models.RealtimeDevice{}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		logging.Error().Err(err).Str("app_id", appID).Msg("realtime: message marshal failed")
		return
	}

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *Connection) {
			defer wg.Done()
			if err := conn.send(payload); err != nil {
				m.sendFailures.Add(1)
				metrics.RealtimeSendFailures.Inc()
				logging.Warn().
					Err(err).
					Str("app_id", appID).
					Uint64("conn_id", conn.ID).
					Msg("realtime: send failed, evicting subscriber")
				m.removeConnection(appID, conn.ID)
				return
			}
			conn.Touch(m.clock.Now())
			m.broadcasts.Add(1)
			metrics.RealtimeBroadcasts.Inc()
		}(conn)
	}
	wg.Wait()
}

// refreshPresence runs one presence tick: a fresh snapshot per subscribed
// application. A failed query keeps the previous cache; the flush loop's TTL
// check decides when that goes stale.
func (m *Manager) refreshPresence(ctx context.Context) {
	if m.presence == nil {
		return
	}
	if !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer m.refreshing.Store(false)

	m.mu.RLock()
	apps := make(map[string]*appState, len(m.apps))
	for id, state := range m.apps {
		apps[id] = state
	}
	m.mu.RUnlock()

	for appID, state := range apps {
		state.mu.Lock()
		empty := len(state.connections) == 0
		state.mu.Unlock()
		if empty {
			continue
		}

		snapshot, err := m.breaker.Execute(func() (models.OnlineUsersSnapshot, error) {
			return m.presence.Snapshot(ctx, appID)
		})
		if err != nil {
			logging.Warn().Err(err).Str("app_id", appID).Msg("realtime: presence refresh failed")
			continue
		}

		now := m.clock.Now()
		state.mu.Lock()
		state.presence = snapshot
		state.presenceAt = now
		state.hasPresence = true
		state.mu.Unlock()
	}
}

// evictIdle runs one heartbeat tick, dropping connections whose last
// activity predates the timeout.
func (m *Manager) evictIdle() {
	cutoff := m.clock.Now().Add(-m.config.ConnectionTimeout).UnixNano()

	m.mu.RLock()
	apps := make(map[string]*appState, len(m.apps))
	for id, state := range m.apps {
		apps[id] = state
	}
	m.mu.RUnlock()

	for appID, state := range apps {
		var stale []uint64
		state.mu.Lock()
		for id, conn := range state.connections {
			if conn.lastActive.Load() < cutoff {
				stale = append(stale, id)
			}
		}
		state.mu.Unlock()

		for _, id := range stale {
			logging.Debug().
				Str("app_id", appID).
				Uint64("conn_id", id).
				Msg("realtime: evicting idle subscriber")
			m.removeConnection(appID, id)
		}
	}
}
