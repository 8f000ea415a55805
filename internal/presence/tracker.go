// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

// Package presence computes "who is online" for an application: distinct
// devices with a session active within a recency window, tallied by platform
// and country.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"github.com/appbeat-io/appbeat/internal/metrics"
	"github.com/appbeat-io/appbeat/internal/models"
)

// DeviceStore provides the joined session/device rows a snapshot is built from.
type DeviceStore interface {
	OnlineDevices(ctx context.Context, appID string, since time.Time) ([]models.OnlineDevice, error)
}

// Config holds presence settings.
type Config struct {
	// Window is how recently a session must have been active for its device
	// to count as online.
	Window time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Window: time.Minute}
}

// Tracker answers presence queries against the store. It holds no state of
// its own; every Snapshot is a fresh read, and the realtime manager layers
// its own short-lived cache on top.
type Tracker struct {
	store  DeviceStore
	window time.Duration
	clock  quartz.Clock
}

// NewTracker creates a Tracker over the given store.
func NewTracker(store DeviceStore, cfg Config, clock quartz.Clock) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("device store required")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("presence window must be positive")
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Tracker{store: store, window: cfg.Window, clock: clock}, nil
}

// Snapshot computes the current presence tally for one application. Devices
// with multiple active sessions count once; their platform and country come
// from whichever row is seen first.
func (t *Tracker) Snapshot(ctx context.Context, appID string) (models.OnlineUsersSnapshot, error) {
	start := t.clock.Now()
	cutoff := start.Add(-t.window)

	rows, err := t.store.OnlineDevices(ctx, appID, cutoff)
	metrics.RecordPresenceRefresh(t.clock.Since(start), err)
	if err != nil {
		return models.ZeroSnapshot(), fmt.Errorf("presence snapshot for %s: %w", appID, err)
	}

	snapshot := models.ZeroSnapshot()
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, dup := seen[row.DeviceID]; dup {
			continue
		}
		seen[row.DeviceID] = struct{}{}
		snapshot.Total++
		if row.Platform != "" {
			snapshot.Platforms[row.Platform]++
		}
		if row.Country != "" {
			snapshot.Countries[row.Country]++
		}
	}
	return snapshot, nil
}

// Window returns the configured recency window.
func (t *Tracker) Window() time.Duration {
	return t.window
}
