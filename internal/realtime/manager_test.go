// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"

	"github.com/appbeat-io/appbeat/internal/models"
)

// captureConn records every payload delivered to one subscriber.
type captureConn struct {
	mu       sync.Mutex
	messages []models.RealtimeMessage
	err      error
}

func (c *captureConn) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	var msg models.RealtimeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureConn) received() []models.RealtimeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.RealtimeMessage(nil), c.messages...)
}

// stubPresence returns a fixed snapshot or error.
type stubPresence struct {
	mu       sync.Mutex
	snapshot models.OnlineUsersSnapshot
	err      error
	calls    int
}

func (s *stubPresence) Snapshot(_ context.Context, _ string) (models.OnlineUsersSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return models.ZeroSnapshot(), s.err
	}
	return s.snapshot, nil
}

func newTestManager(t *testing.T, source PresenceSource) (*Manager, *quartz.Mock) {
	t.Helper()
	mClock := quartz.NewMock(t)
	m, err := NewManager(DefaultConfig(), source, mClock)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, mClock
}

func TestPushWithoutSubscribersIsNoop(t *testing.T) {
	m, _ := newTestManager(t, nil)

	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "app_open"})
	m.PushSession("app-1", models.RealtimeSession{ID: "s1"})
	m.PushDevice("app-1", models.RealtimeDevice{ID: "d1"})

	stats := m.Stats()
	if stats.TotalApps != 0 || stats.BufferedEvents != 0 || stats.BufferedSessions != 0 || stats.BufferedDevices != 0 {
		t.Fatalf("expected nothing buffered, got %+v", stats)
	}
}

func TestBufferKeepsNewestItems(t *testing.T) {
	mClock := quartz.NewMock(t)
	cfg := DefaultConfig()
	cfg.MaxBufferSize = 3
	m, err := NewManager(cfg, nil, mClock)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	conn := &captureConn{}
	_, unsub := m.AddConnection("app-1", conn.send)
	defer unsub()

	for i := 1; i <= 5; i++ {
		m.PushEvent("app-1", models.RealtimeEvent{ID: fmt.Sprintf("e%d", i), Name: "n"})
	}

	m.flushAll()
	msgs := conn.received()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	events := msgs[0].Events
	if len(events) != 3 {
		t.Fatalf("expected newest 3 events, got %d", len(events))
	}
	for i, want := range []string{"e3", "e4", "e5"} {
		if events[i].ID != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, events[i].ID)
		}
	}
}

func TestFlushDeliversThenClears(t *testing.T) {
	m, _ := newTestManager(t, nil)

	conn := &captureConn{}
	_, unsub := m.AddConnection("app-1", conn.send)
	defer unsub()

	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "n"})
	m.flushAll()

	m.PushEvent("app-1", models.RealtimeEvent{ID: "e2", Name: "n"})
	m.flushAll()

	msgs := conn.received()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if len(msgs[0].Events) != 1 || msgs[0].Events[0].ID != "e1" {
		t.Fatalf("first flush: expected [e1], got %+v", msgs[0].Events)
	}
	if len(msgs[1].Events) != 1 || msgs[1].Events[0].ID != "e2" {
		t.Fatalf("second flush: expected [e2], got %+v", msgs[1].Events)
	}
}

func TestFlushSkipsWhenNothingToSend(t *testing.T) {
	m, _ := newTestManager(t, nil)

	conn := &captureConn{}
	_, unsub := m.AddConnection("app-1", conn.send)
	defer unsub()

	m.flushAll()
	if len(conn.received()) != 0 {
		t.Fatal("expected no message for an empty tick")
	}
}

func TestSendFailureEvictsOnlyFailedConnection(t *testing.T) {
	m, _ := newTestManager(t, nil)

	good := &captureConn{}
	bad := &captureConn{err: errors.New("connection reset")}
	_, unsubGood := m.AddConnection("app-1", good.send)
	defer unsubGood()
	m.AddConnection("app-1", bad.send)

	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "n"})
	m.flushAll()

	if len(good.received()) != 1 {
		t.Fatalf("healthy subscriber should receive the message, got %d", len(good.received()))
	}
	stats := m.Stats()
	if stats.TotalConnections != 1 {
		t.Fatalf("expected failed connection evicted, got %d connections", stats.TotalConnections)
	}

	// The survivor keeps receiving on later ticks.
	m.PushEvent("app-1", models.RealtimeEvent{ID: "e2", Name: "n"})
	m.flushAll()
	if len(good.received()) != 2 {
		t.Fatalf("expected 2 messages on healthy subscriber, got %d", len(good.received()))
	}
}

func TestPresenceRefreshCachesSnapshot(t *testing.T) {
	source := &stubPresence{snapshot: models.OnlineUsersSnapshot{
		Total:     2,
		Platforms: map[string]int{"ios": 1, "android": 1},
		Countries: map[string]int{"US": 2},
	}}
	m, _ := newTestManager(t, source)

	conn := &captureConn{}
	_, unsub := m.AddConnection("app-1", conn.send)
	defer unsub()

	m.refreshPresence(context.Background())
	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "n"})
	m.flushAll()

	msgs := conn.received()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].OnlineUsers.Total != 2 || msgs[0].OnlineUsers.Platforms["ios"] != 1 {
		t.Fatalf("expected cached presence in broadcast, got %+v", msgs[0].OnlineUsers)
	}
}

func TestStalePresenceServesZeroStateAndEvicts(t *testing.T) {
	source := &stubPresence{snapshot: models.OnlineUsersSnapshot{
		Total:     5,
		Platforms: map[string]int{"ios": 5},
		Countries: map[string]int{"DE": 5},
	}}
	m, mClock := newTestManager(t, source)

	conn := &captureConn{}
	_, unsub := m.AddConnection("app-1", conn.send)
	defer unsub()

	m.refreshPresence(context.Background())

	// Let the cached snapshot age past its TTL without a refresh.
	mClock.Advance(m.config.PresenceCacheTTL + time.Second).MustWait(context.Background())

	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "n"})
	m.flushAll()

	msgs := conn.received()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].OnlineUsers.Total != 0 {
		t.Fatalf("stale cache must serve the zero state, got total=%d", msgs[0].OnlineUsers.Total)
	}

	m.mu.RLock()
	state := m.apps["app-1"]
	m.mu.RUnlock()
	state.mu.Lock()
	evicted := !state.hasPresence
	state.mu.Unlock()
	if !evicted {
		t.Fatal("stale snapshot must be evicted on read")
	}
}

func TestPresenceRefreshErrorKeepsCache(t *testing.T) {
	source := &stubPresence{snapshot: models.OnlineUsersSnapshot{
		Total:     1,
		Platforms: map[string]int{"ios": 1},
		Countries: map[string]int{},
	}}
	m, _ := newTestManager(t, source)

	conn := &captureConn{}
	_, unsub := m.AddConnection("app-1", conn.send)
	defer unsub()

	m.refreshPresence(context.Background())

	source.mu.Lock()
	source.err = errors.New("db unavailable")
	source.mu.Unlock()
	m.refreshPresence(context.Background())

	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "n"})
	m.flushAll()

	msgs := conn.received()
	if len(msgs) != 1 || msgs[0].OnlineUsers.Total != 1 {
		t.Fatalf("failed refresh must keep the previous cache, got %+v", msgs)
	}
}

func TestHeartbeatEvictsIdleAndTearsDownApp(t *testing.T) {
	m, mClock := newTestManager(t, nil)

	conn := &captureConn{}
	m.AddConnection("app-1", conn.send)
	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "n"})

	mClock.Advance(m.config.ConnectionTimeout + time.Second).MustWait(context.Background())
	m.evictIdle()

	stats := m.Stats()
	if stats.TotalApps != 0 || stats.TotalConnections != 0 {
		t.Fatalf("expected full teardown after idle eviction, got %+v", stats)
	}
}

func TestTouchDefersEviction(t *testing.T) {
	m, mClock := newTestManager(t, nil)

	conn := &captureConn{}
	rc, unsub := m.AddConnection("app-1", conn.send)
	defer unsub()

	mClock.Advance(m.config.ConnectionTimeout - time.Second).MustWait(context.Background())
	m.Touch("app-1", rc.ID)
	mClock.Advance(2 * time.Second).MustWait(context.Background())
	m.evictIdle()

	if m.Stats().TotalConnections != 1 {
		t.Fatal("touched connection must survive the heartbeat")
	}
}

func TestUnsubscribeLastConnectionClearsState(t *testing.T) {
	m, _ := newTestManager(t, nil)

	conn := &captureConn{}
	_, unsub := m.AddConnection("app-1", conn.send)
	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "n"})

	unsub()

	stats := m.Stats()
	if stats.TotalApps != 0 || stats.BufferedEvents != 0 {
		t.Fatalf("expected per-app state gone with its last subscriber, got %+v", stats)
	}

	// Pushes after teardown are no-ops again.
	m.PushEvent("app-1", models.RealtimeEvent{ID: "e2", Name: "n"})
	if m.Stats().BufferedEvents != 0 {
		t.Fatal("push after teardown must not buffer")
	}
}

func TestAppsAreIsolated(t *testing.T) {
	m, _ := newTestManager(t, nil)

	conn1 := &captureConn{}
	conn2 := &captureConn{}
	_, unsub1 := m.AddConnection("app-1", conn1.send)
	defer unsub1()
	_, unsub2 := m.AddConnection("app-2", conn2.send)
	defer unsub2()

	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "n"})
	m.flushAll()

	if len(conn1.received()) != 1 {
		t.Fatalf("app-1 subscriber should receive, got %d", len(conn1.received()))
	}
	if len(conn2.received()) != 0 {
		t.Fatal("app-2 subscriber must not receive app-1 traffic")
	}
}

func TestStartIsIdempotentAndStopClears(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	m.Start(ctx) // no-op

	conn := &captureConn{}
	m.AddConnection("app-1", conn.send)
	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "n"})

	m.Stop()
	stats := m.Stats()
	if stats.TotalApps != 0 || stats.TotalConnections != 0 {
		t.Fatalf("Stop must clear all state, got %+v", stats)
	}
	m.Stop() // no-op
}

func TestTickerDrivenFlush(t *testing.T) {
	m, mClock := newTestManager(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	defer m.Stop()

	conn := &captureConn{}
	_, unsub := m.AddConnection("app-1", conn.send)
	defer unsub()

	m.PushEvent("app-1", models.RealtimeEvent{ID: "e1", Name: "n"})
	mClock.Advance(m.config.FlushInterval).MustWait(ctx)

	msgs := conn.received()
	if len(msgs) != 1 || len(msgs[0].Events) != 1 || msgs[0].Events[0].ID != "e1" {
		t.Fatalf("expected ticker flush to deliver [e1], got %+v", msgs)
	}
}
