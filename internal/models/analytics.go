// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package models

import (
	"time"

	"github.com/google/uuid"
)

// AnalyticsEvent is the canonical client-emitted event (app open, screen
// view, custom event, session start). EventID is its identity and the
// deduplication key for persistence: the pipeline is at-least-once, so the
// same event may reach the store twice, but it must never produce two rows.
//
// Events are immutable after creation.
type AnalyticsEvent struct {
	EventID   string         `json:"event_id"`
	SessionID string         `json:"session_id"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp int64          `json:"timestamp"` // epoch milliseconds
}

// NewAnalyticsEvent creates an event with a generated ID and the current time.
func NewAnalyticsEvent(sessionID, name string) *AnalyticsEvent {
	return &AnalyticsEvent{
		EventID:   uuid.New().String(),
		SessionID: sessionID,
		Name:      name,
		Timestamp: time.Now().UTC().UnixMilli(),
	}
}

// Validate checks required fields.
func (e *AnalyticsEvent) Validate() error {
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Message: "required"}
	}
	if e.SessionID == "" {
		return &ValidationError{Field: "session_id", Message: "required"}
	}
	if e.Name == "" {
		return &ValidationError{Field: "name", Message: "required"}
	}
	if e.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Message: "must be positive"}
	}
	return nil
}

// Time returns the event timestamp as time.Time.
func (e *AnalyticsEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// EventBatch is a bounded group of events handed to the durable queue as one
// job. It is ephemeral: created by the ingestion buffer when a flush fires,
// consumed and discarded by the batch worker, never persisted as an entity.
type EventBatch struct {
	BatchID string           `json:"batch_id"`
	Events  []AnalyticsEvent `json:"events"`
}

// NewEventBatch wraps events in a batch with a generated ID.
func NewEventBatch(events []AnalyticsEvent) *EventBatch {
	return &EventBatch{
		BatchID: uuid.New().String(),
		Events:  events,
	}
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
