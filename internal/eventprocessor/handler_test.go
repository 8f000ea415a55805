// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/appbeat-io/appbeat/internal/database"
	"github.com/appbeat-io/appbeat/internal/models"
)

// mockEventStore simulates the persistence layer with a configurable set of
// already-present event IDs.
type mockEventStore struct {
	existing   map[string]bool
	failIDs    map[string]bool
	bulkErr    error
	bulkCalls  int
	rowCalls   int
	persisted  []string
	duplicates []string
}

func newMockEventStore() *mockEventStore {
	return &mockEventStore{
		existing: make(map[string]bool),
		failIDs:  make(map[string]bool),
	}
}

func (m *mockEventStore) InsertEventsBulk(_ context.Context, events []models.AnalyticsEvent) error {
	m.bulkCalls++
	if m.bulkErr != nil {
		return m.bulkErr
	}
	for _, e := range events {
		if m.existing[e.EventID] {
			return fmt.Errorf("bulk insert event %s: %w", e.EventID, database.ErrDuplicateKey)
		}
	}
	for _, e := range events {
		m.existing[e.EventID] = true
		m.persisted = append(m.persisted, e.EventID)
	}
	return nil
}

func (m *mockEventStore) InsertEvent(_ context.Context, event *models.AnalyticsEvent) error {
	m.rowCalls++
	if m.failIDs[event.EventID] {
		return errors.New("disk error")
	}
	if m.existing[event.EventID] {
		m.duplicates = append(m.duplicates, event.EventID)
		return fmt.Errorf("insert event %s: %w", event.EventID, database.ErrDuplicateKey)
	}
	m.existing[event.EventID] = true
	m.persisted = append(m.persisted, event.EventID)
	return nil
}

func makeBatch(ids ...string) *models.EventBatch {
	events := make([]models.AnalyticsEvent, 0, len(ids))
	for _, id := range ids {
		events = append(events, models.AnalyticsEvent{
			EventID:   id,
			SessionID: "s1",
			Name:      "app_open",
			Timestamp: time.Now().UnixMilli(),
		})
	}
	return &models.EventBatch{BatchID: "batch-1", Events: events}
}

func TestProcessBatchAllNew(t *testing.T) {
	store := newMockEventStore()
	h, err := NewBatchHandler(store)
	if err != nil {
		t.Fatalf("NewBatchHandler: %v", err)
	}

	outcome, err := h.ProcessBatch(context.Background(), makeBatch("a", "b", "c"))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if outcome.Inserted != 3 || outcome.Duplicates != 0 || outcome.Errors != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if store.rowCalls != 0 {
		t.Fatalf("expected no row-by-row fallback, got %d calls", store.rowCalls)
	}
}

func TestProcessBatchDuplicateFallback(t *testing.T) {
	store := newMockEventStore()
	store.existing["b"] = true

	h, _ := NewBatchHandler(store)
	outcome, err := h.ProcessBatch(context.Background(), makeBatch("a", "b", "c"))
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if outcome.Inserted != 2 || outcome.Duplicates != 1 || outcome.Errors != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if store.rowCalls != 3 {
		t.Fatalf("expected 3 row inserts, got %d", store.rowCalls)
	}
}

func TestProcessBatchRedeliveryIsIdempotent(t *testing.T) {
	store := newMockEventStore()
	h, _ := NewBatchHandler(store)

	batch := makeBatch("a", "b")
	if _, err := h.ProcessBatch(context.Background(), batch); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// Same batch redelivered: everything lands as duplicates, no error.
	outcome, err := h.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if outcome.Inserted != 0 || outcome.Duplicates != 2 {
		t.Fatalf("unexpected redelivery outcome: %+v", outcome)
	}
	if len(store.persisted) != 2 {
		t.Fatalf("expected exactly 2 rows persisted, got %d", len(store.persisted))
	}
}

func TestProcessBatchAllFailReturnsError(t *testing.T) {
	store := newMockEventStore()
	store.failIDs["a"] = true
	store.failIDs["b"] = true
	// Bulk reports a duplicate so the handler takes the row-by-row path.
	store.bulkErr = fmt.Errorf("bulk: %w", database.ErrDuplicateKey)
	h, _ := NewBatchHandler(store)

	batch := makeBatch("a", "b")

	outcome, err := h.ProcessBatch(context.Background(), batch)
	if err == nil {
		t.Fatal("expected error when every event fails")
	}
	if outcome.Errors != 2 {
		t.Fatalf("expected 2 errors, got %+v", outcome)
	}
}

func TestProcessBatchPartialFailureConsumes(t *testing.T) {
	store := newMockEventStore()
	store.failIDs["b"] = true
	store.bulkErr = fmt.Errorf("bulk: %w", database.ErrDuplicateKey)
	h, _ := NewBatchHandler(store)

	outcome, err := h.ProcessBatch(context.Background(), makeBatch("a", "b", "c"))
	if err != nil {
		t.Fatalf("partial failure must not error the job: %v", err)
	}
	if outcome.Inserted != 2 || outcome.Errors != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestProcessBatchNonDuplicateBulkError(t *testing.T) {
	store := newMockEventStore()
	store.bulkErr = errors.New("io error")
	h, _ := NewBatchHandler(store)

	if _, err := h.ProcessBatch(context.Background(), makeBatch("a")); err == nil {
		t.Fatal("expected non-duplicate bulk error to propagate")
	}
	if store.rowCalls != 0 {
		t.Fatal("non-duplicate bulk errors must not trigger the fallback")
	}
}

func TestHandlerFuncUnmarshalFailure(t *testing.T) {
	store := newMockEventStore()
	h, _ := NewBatchHandler(store)
	fn := h.HandlerFunc()

	msg := message.NewMessage("bad", []byte("{not json"))
	if err := fn(msg); err == nil {
		t.Fatal("expected error for unparseable payload")
	}
	_, failed, _ := h.Counters()
	if failed != 1 {
		t.Fatalf("expected 1 failed job, got %d", failed)
	}
}

func TestHandlerFuncCountsCompleted(t *testing.T) {
	store := newMockEventStore()
	h, _ := NewBatchHandler(store)
	fn := h.HandlerFunc()

	payload, err := json.Marshal(makeBatch("a", "b"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := fn(message.NewMessage("batch-1", payload)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	completed, failed, active := h.Counters()
	if completed != 1 || failed != 0 || active != 0 {
		t.Fatalf("unexpected counters: completed=%d failed=%d active=%d", completed, failed, active)
	}
}
