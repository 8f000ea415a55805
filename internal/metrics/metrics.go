// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

// Package metrics exposes Prometheus instrumentation for the ingestion and
// broadcast pipeline: buffer depth, queue throughput, batch persistence
// outcomes, realtime fan-out, and presence refresh latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion buffer metrics
	IngestEventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_events_received_total",
			Help: "Total number of analytics events accepted by the ingestion buffer",
		},
	)

	IngestEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_dropped_total",
			Help: "Total number of buffered events dropped",
		},
		[]string{"reason"}, // "overflow", "malformed"
	)

	IngestBatchesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_batches_published_total",
			Help: "Total number of event batches handed to the durable queue",
		},
	)

	IngestBufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_buffer_depth",
			Help: "Current number of serialized events in the shared ingestion list",
		},
	)

	IngestFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_flush_duration_seconds",
			Help:    "Duration of ingestion buffer flushes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Batch worker metrics
	BatchEventsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_events_inserted_total",
			Help: "Total number of events durably persisted",
		},
	)

	BatchEventsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_events_duplicate_total",
			Help: "Total number of events skipped as duplicates during persistence",
		},
	)

	BatchEventsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_events_failed_total",
			Help: "Total number of events that failed persistence for non-duplicate reasons",
		},
	)

	BatchInsertDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_insert_duration_seconds",
			Help:    "Duration of batch persistence attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueJobsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of batch jobs completed successfully",
		},
	)

	QueueJobsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of batch jobs that exhausted their retry attempts",
		},
	)

	// Realtime broadcast metrics
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Current number of live dashboard connections",
		},
	)

	RealtimeApps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_apps",
			Help: "Current number of applications with at least one subscriber",
		},
	)

	RealtimeBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_broadcasts_total",
			Help: "Total number of realtime messages delivered to subscribers",
		},
	)

	RealtimeSendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_send_failures_total",
			Help: "Total number of subscriber send failures (connection evicted)",
		},
	)

	RealtimeBufferedDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_buffered_dropped_total",
			Help: "Total number of realtime items dropped by per-app buffer truncation",
		},
	)

	// HTTP API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of in-flight HTTP API requests",
		},
	)

	// Presence metrics
	PresenceRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "presence_refresh_duration_seconds",
			Help:    "Duration of per-application presence queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PresenceRefreshErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_refresh_errors_total",
			Help: "Total number of failed presence refresh queries",
		},
	)
)

// RecordAPIRequest records one completed HTTP request.
func RecordAPIRequest(method, path, status string, d time.Duration) {
	APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	APIRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(active bool) {
	if active {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordIngestFlush records one ingestion flush.
func RecordIngestFlush(d time.Duration, published int) {
	IngestFlushDuration.Observe(d.Seconds())
	if published > 0 {
		IngestBatchesPublished.Inc()
	}
}

// RecordBatchOutcome records the persistence outcome of one batch job.
func RecordBatchOutcome(d time.Duration, inserted, duplicates, failed int) {
	BatchInsertDuration.Observe(d.Seconds())
	BatchEventsInserted.Add(float64(inserted))
	BatchEventsDuplicate.Add(float64(duplicates))
	BatchEventsFailed.Add(float64(failed))
}

// RecordPresenceRefresh records one presence query.
func RecordPresenceRefresh(d time.Duration, err error) {
	PresenceRefreshDuration.Observe(d.Seconds())
	if err != nil {
		PresenceRefreshErrors.Inc()
	}
}
