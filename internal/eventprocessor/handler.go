// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package eventprocessor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/appbeat-io/appbeat/internal/database"
	"github.com/appbeat-io/appbeat/internal/logging"
	"github.com/appbeat-io/appbeat/internal/metrics"
	"github.com/appbeat-io/appbeat/internal/models"
)

// EventStore persists analytics events. Implemented by database.DB.
type EventStore interface {
	InsertEventsBulk(ctx context.Context, events []models.AnalyticsEvent) error
	InsertEvent(ctx context.Context, event *models.AnalyticsEvent) error
}

// BatchOutcome is the per-batch persistence result.
type BatchOutcome struct {
	Inserted   int
	Duplicates int
	Errors     int
}

// BatchHandler consumes serialized event batches and persists them.
//
// Persistence is idempotent under redelivery: a bulk insert is attempted
// first, and when it trips a duplicate key the handler falls back to
// row-by-row inserts, counting duplicates as successes. A redelivered batch
// therefore lands as all-duplicates and acks cleanly instead of looping.
type BatchHandler struct {
	store EventStore

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewBatchHandler creates a handler over the given store.
func NewBatchHandler(store EventStore) (*BatchHandler, error) {
	if store == nil {
		return nil, fmt.Errorf("event store required")
	}
	return &BatchHandler{store: store}, nil
}

// HandlerFunc returns the Watermill handler function. Returning an error
// nacks the message so the router's retry middleware redelivers it.
func (h *BatchHandler) HandlerFunc() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		h.active.Add(1)
		defer h.active.Add(-1)

		var batch models.EventBatch
		if err := json.Unmarshal(msg.Payload, &batch); err != nil {
			// Unparseable payloads cannot succeed on retry; fail them so the
			// poison queue captures the raw message after retries exhaust.
			h.failed.Add(1)
			metrics.QueueJobsFailed.Inc()
			return fmt.Errorf("unmarshal batch %s: %w", msg.UUID, err)
		}

		outcome, err := h.ProcessBatch(msg.Context(), &batch)
		if err != nil {
			h.failed.Add(1)
			metrics.QueueJobsFailed.Inc()
			return err
		}

		h.completed.Add(1)
		metrics.QueueJobsCompleted.Inc()
		logging.Debug().
			Str("batch_id", batch.BatchID).
			Int("inserted", outcome.Inserted).
			Int("duplicates", outcome.Duplicates).
			Int("errors", outcome.Errors).
			Msg("worker: batch persisted")
		return nil
	}
}

// ProcessBatch persists one batch. It returns an error only when nothing in
// the batch could be persisted, which signals the queue to retry; partial
// failure is logged and counted but considered consumed, since retrying would
// re-insert nothing (the successes are now duplicates) while blocking the
// queue behind a poisoned row.
func (h *BatchHandler) ProcessBatch(ctx context.Context, batch *models.EventBatch) (BatchOutcome, error) {
	start := time.Now()
	var outcome BatchOutcome

	if len(batch.Events) == 0 {
		return outcome, nil
	}

	err := h.store.InsertEventsBulk(ctx, batch.Events)
	if err == nil {
		outcome.Inserted = len(batch.Events)
		metrics.RecordBatchOutcome(time.Since(start), outcome.Inserted, 0, 0)
		return outcome, nil
	}
	if !database.IsDuplicateKeyErr(err) {
		metrics.RecordBatchOutcome(time.Since(start), 0, 0, len(batch.Events))
		return outcome, fmt.Errorf("bulk insert batch %s: %w", batch.BatchID, err)
	}

	// At least one duplicate in the batch; fall back to row-by-row so the new
	// events still land.
	for i := range batch.Events {
		rerr := h.store.InsertEvent(ctx, &batch.Events[i])
		switch {
		case rerr == nil:
			outcome.Inserted++
		case database.IsDuplicateKeyErr(rerr):
			outcome.Duplicates++
		default:
			outcome.Errors++
			logging.Warn().
				Err(rerr).
				Str("batch_id", batch.BatchID).
				Str("event_id", batch.Events[i].EventID).
				Msg("worker: event insert failed")
		}
	}
	metrics.RecordBatchOutcome(time.Since(start), outcome.Inserted, outcome.Duplicates, outcome.Errors)

	if outcome.Errors == len(batch.Events) {
		return outcome, fmt.Errorf("batch %s: all %d events failed persistence", batch.BatchID, outcome.Errors)
	}
	return outcome, nil
}

// Counters returns completed, failed, and active job counts.
func (h *BatchHandler) Counters() (completed, failed, active int64) {
	return h.completed.Load(), h.failed.Load(), h.active.Load()
}
