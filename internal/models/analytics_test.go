// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package models

import (
	"errors"
	"testing"
	"time"
)

func TestAnalyticsEventValidate(t *testing.T) {
	valid := AnalyticsEvent{
		EventID:   "e1",
		SessionID: "s1",
		Name:      "app_open",
		Timestamp: time.Now().UnixMilli(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	cases := []struct {
		field  string
		mutate func(*AnalyticsEvent)
	}{
		{"event_id", func(e *AnalyticsEvent) { e.EventID = "" }},
		{"session_id", func(e *AnalyticsEvent) { e.SessionID = "" }},
		{"name", func(e *AnalyticsEvent) { e.Name = "" }},
		{"timestamp", func(e *AnalyticsEvent) { e.Timestamp = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			e := valid
			tc.mutate(&e)
			err := e.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, verr.Field)
			}
		})
	}
}

func TestNewAnalyticsEventDefaults(t *testing.T) {
	e := NewAnalyticsEvent("s1", "screen_view")
	if e.EventID == "" {
		t.Fatal("expected generated event id")
	}
	if e.Timestamp <= 0 {
		t.Fatal("expected current timestamp")
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("generated event invalid: %v", err)
	}
}

func TestEventTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	e := AnalyticsEvent{Timestamp: at.UnixMilli()}
	if !e.Time().Equal(at) {
		t.Fatalf("expected %v, got %v", at, e.Time())
	}
}

func TestNewEventBatch(t *testing.T) {
	events := []AnalyticsEvent{{EventID: "a"}, {EventID: "b"}}
	batch := NewEventBatch(events)
	if batch.BatchID == "" {
		t.Fatal("expected generated batch id")
	}
	if len(batch.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(batch.Events))
	}
}
