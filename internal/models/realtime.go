// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package models

import "github.com/goccy/go-json"

// RealtimeEvent is the live-feed projection of an analytics event, pushed to
// dashboard viewers without waiting for durable persistence.
type RealtimeEvent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RealtimeSession is a freshly started or updated session for the live feed.
type RealtimeSession struct {
	ID       string          `json:"id"`
	DeviceID string          `json:"device_id,omitempty"`
	Platform string          `json:"platform,omitempty"`
	Country  string          `json:"country,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// RealtimeDevice is a newly seen or updated device for the live feed.
type RealtimeDevice struct {
	ID       string          `json:"id"`
	Platform string          `json:"platform,omitempty"`
	Country  string          `json:"country,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// OnlineUsersSnapshot is a point-in-time presence tally for one application:
// devices with a session active within the recency window, grouped by
// platform and country. A device with several concurrent sessions counts once.
type OnlineUsersSnapshot struct {
	Total     int            `json:"total"`
	Platforms map[string]int `json:"platforms"`
	Countries map[string]int `json:"countries"`
}

// ZeroSnapshot returns the empty presence state. Used both when no snapshot
// has been cached yet and when a cached one has gone stale.
func ZeroSnapshot() OnlineUsersSnapshot {
	return OnlineUsersSnapshot{
		Total:     0,
		Platforms: map[string]int{},
		Countries: map[string]int{},
	}
}

// RealtimeMessage is the merged flush payload delivered to every subscriber
// of an application on each broadcast tick.
type RealtimeMessage struct {
	Timestamp   string              `json:"timestamp"` // RFC3339
	Events      []RealtimeEvent     `json:"events"`
	Sessions    []RealtimeSession   `json:"sessions"`
	Devices     []RealtimeDevice    `json:"devices"`
	OnlineUsers OnlineUsersSnapshot `json:"onlineUsers"`
}

// OnlineDevice is one joined session/device row returned by the store for
// presence computation. Rows are not deduplicated at the store level; a
// device with multiple active sessions appears once per session.
type OnlineDevice struct {
	DeviceID string
	Platform string
	Country  string
}
