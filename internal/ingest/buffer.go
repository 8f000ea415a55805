// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

// Package ingest absorbs bursty event-write traffic and converts it into
// right-sized batches for the durable queue, without ever blocking the caller
// on a durable write.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"

	"github.com/appbeat-io/appbeat/internal/logging"
	"github.com/appbeat-io/appbeat/internal/metrics"
	"github.com/appbeat-io/appbeat/internal/models"
)

// BatchPublisher hands a finished batch to the durable queue.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, batch *models.EventBatch) error
}

// Config holds ingestion buffer settings.
type Config struct {
	// ListKey is the shared list key all replicas use.
	ListKey string
	// BatchSize triggers a flush and bounds the events popped per flush.
	BatchSize int
	// MaxBufferSize caps the shared list; the oldest entries beyond it are
	// dropped, favoring availability over completeness under overload.
	MaxBufferSize int
	// RetryDelay is the trailing-timer delay for rescheduled flushes.
	RetryDelay time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ListKey:       "appbeat:events:pending",
		BatchSize:     50,
		MaxBufferSize: 500,
		RetryDelay:    time.Second,
	}
}

// Stats holds runtime counters for monitoring.
type Stats struct {
	EventsReceived   int64 // events accepted by Add
	BatchesPublished int64 // batches handed to the durable queue
	EventsPublished  int64 // events contained in those batches
	DroppedMalformed int64 // buffered entries that failed to parse or validate
	FlushErrors      int64 // flush attempts that failed to pop or publish
	BufferLen        int64 // current shared list length (best effort)
}

// Buffer accumulates serialized events in the shared list and flushes batches
// to the durable queue.
//
// Flushes are single-flight: a flush requested while one is in progress is a
// no-op, and a trailing timer schedules the next eligible flush instead of
// queueing flushes unboundedly. A flush fires when the very first event lands
// in an empty list (bounding worst-case latency for low-traffic apps) and
// whenever the list reaches BatchSize.
type Buffer struct {
	store     ListStore
	publisher BatchPublisher
	config    Config
	clock     quartz.Clock

	// flushing is the single-flight guard; retryPending collapses trailing
	// timers so at most one is armed at a time.
	flushing     atomic.Bool
	retryPending atomic.Bool

	closed  atomic.Bool
	flushWg sync.WaitGroup

	eventsReceived   atomic.Int64
	batchesPublished atomic.Int64
	eventsPublished  atomic.Int64
	droppedMalformed atomic.Int64
	flushErrors      atomic.Int64
}

// NewBuffer creates a Buffer over the given list store and queue publisher.
func NewBuffer(store ListStore, publisher BatchPublisher, cfg Config, clock quartz.Clock) (*Buffer, error) {
	if store == nil {
		return nil, fmt.Errorf("list store required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("batch publisher required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if cfg.MaxBufferSize < cfg.BatchSize {
		return nil, fmt.Errorf("max buffer size must be >= batch size")
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Buffer{
		store:     store,
		publisher: publisher,
		config:    cfg,
		clock:     clock,
	}, nil
}

// Add appends one event to the shared list. Returns an error only when the
// store push itself fails (surfaced to the HTTP handler); everything after
// the push is asynchronous and never blocks the caller on a durable write.
func (b *Buffer) Add(ctx context.Context, event *models.AnalyticsEvent) error {
	if b.closed.Load() {
		return fmt.Errorf("ingestion buffer is closed")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	n, err := b.store.PushBack(ctx, b.config.ListKey, string(payload))
	if err != nil {
		return fmt.Errorf("buffer event %s: %w", event.EventID, err)
	}
	b.eventsReceived.Add(1)
	metrics.IngestEventsReceived.Inc()
	metrics.IngestBufferDepth.Set(float64(n))

	if overflow := n - int64(b.config.MaxBufferSize); overflow > 0 {
		if err := b.store.TrimToNewest(ctx, b.config.ListKey, int64(b.config.MaxBufferSize)); err != nil {
			logging.Warn().Err(err).Msg("ingest: buffer trim failed")
		} else {
			metrics.IngestEventsDropped.WithLabelValues("overflow").Add(float64(overflow))
			logging.Warn().
				Int64("dropped", overflow).
				Int("max_buffer_size", b.config.MaxBufferSize).
				Msg("ingest: buffer overflow, oldest events dropped")
		}
	}

	// First event into an empty list flushes immediately; otherwise wait for
	// a full batch.
	if n == 1 || n >= int64(b.config.BatchSize) {
		b.flushAsync()
	}
	return nil
}

// Flush synchronously drains the shared list (used at shutdown). It waits for
// in-flight async flushes, then pops batches until the list is empty or an
// attempt makes no progress.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushWg.Wait()
	for {
		published, remaining, err := b.processBatch(ctx)
		if err != nil {
			return err
		}
		if remaining <= 0 || published == 0 {
			return nil
		}
	}
}

// Close marks the buffer closed and drains pending events.
func (b *Buffer) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return b.Flush(ctx)
}

// Stats returns current runtime counters.
func (b *Buffer) Stats() Stats {
	n, err := b.store.Len(context.Background(), b.config.ListKey)
	if err != nil {
		n = -1
	}
	return Stats{
		EventsReceived:   b.eventsReceived.Load(),
		BatchesPublished: b.batchesPublished.Load(),
		EventsPublished:  b.eventsPublished.Load(),
		DroppedMalformed: b.droppedMalformed.Load(),
		FlushErrors:      b.flushErrors.Load(),
		BufferLen:        n,
	}
}

// flushAsync runs one flush attempt in the background with a detached
// context: the caller's request context must not cancel a flush mid-publish.
func (b *Buffer) flushAsync() {
	b.flushWg.Add(1)
	go func() {
		defer b.flushWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, _, err := b.processBatch(ctx); err != nil {
			logging.Debug().Err(err).Msg("ingest: async flush error")
		}
	}()
}

// processBatch pops up to BatchSize entries and publishes the valid ones as
// one batch. Malformed entries are dropped with a warning, not treated as
// fatal. Entries popped by a flush whose publish fails are not re-queued.
func (b *Buffer) processBatch(ctx context.Context) (published int, remaining int64, err error) {
	if !b.flushing.CompareAndSwap(false, true) {
		// A flush is already running; the trailing timer picks up anything
		// it leaves behind.
		b.scheduleRetry()
		return 0, 0, nil
	}
	defer b.flushing.Store(false)

	start := time.Now()

	entries, err := b.store.PopFront(ctx, b.config.ListKey, int64(b.config.BatchSize))
	if err != nil {
		b.flushErrors.Add(1)
		b.scheduleRetry()
		return 0, 0, fmt.Errorf("pop batch: %w", err)
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	events := make([]models.AnalyticsEvent, 0, len(entries))
	for _, entry := range entries {
		var event models.AnalyticsEvent
		if uerr := json.Unmarshal([]byte(entry), &event); uerr != nil {
			b.droppedMalformed.Add(1)
			metrics.IngestEventsDropped.WithLabelValues("malformed").Inc()
			logging.Warn().Err(uerr).Msg("ingest: dropping unparseable buffered entry")
			continue
		}
		if verr := event.Validate(); verr != nil {
			b.droppedMalformed.Add(1)
			metrics.IngestEventsDropped.WithLabelValues("malformed").Inc()
			logging.Warn().Err(verr).Str("event_id", event.EventID).Msg("ingest: dropping invalid buffered event")
			continue
		}
		events = append(events, event)
	}

	if len(events) > 0 {
		batch := models.NewEventBatch(events)
		if perr := b.publisher.PublishBatch(ctx, batch); perr != nil {
			b.flushErrors.Add(1)
			b.scheduleRetry()
			logging.Error().
				Err(perr).
				Str("batch_id", batch.BatchID).
				Int("events", len(events)).
				Msg("ingest: batch publish failed")
			return 0, 0, fmt.Errorf("publish batch %s: %w", batch.BatchID, perr)
		}
		published = len(events)
		b.batchesPublished.Add(1)
		b.eventsPublished.Add(int64(published))
		logging.Debug().
			Str("batch_id", batch.BatchID).
			Int("events", published).
			Int("malformed", len(entries)-published).
			Msg("ingest: batch published")
	}
	metrics.RecordIngestFlush(time.Since(start), published)

	remaining, lerr := b.store.Len(ctx, b.config.ListKey)
	if lerr != nil {
		logging.Warn().Err(lerr).Msg("ingest: buffer length check failed")
		remaining = 0
	}
	metrics.IngestBufferDepth.Set(float64(remaining))
	if remaining > 0 {
		b.scheduleRetry()
	}
	return published, remaining, nil
}

// scheduleRetry arms the trailing flush timer if it is not armed already.
func (b *Buffer) scheduleRetry() {
	if b.closed.Load() {
		return
	}
	if !b.retryPending.CompareAndSwap(false, true) {
		return
	}
	b.clock.AfterFunc(b.config.RetryDelay, func() {
		b.retryPending.Store(false)
		if b.closed.Load() {
			return
		}
		b.flushAsync()
	}, "ingest-flush-retry")
}
