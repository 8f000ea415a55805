// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package eventprocessor

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/appbeat-io/appbeat/internal/logging"
)

// QueueMetrics is a point-in-time view of the batch queue, combining broker
// state (waiting, delayed) with handler counters (active, completed, failed).
type QueueMetrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// ConsumerInfoProvider reports durable consumer state. Implemented by the
// jetstream consumer handle; mocked in tests.
type ConsumerInfoProvider interface {
	Info(ctx context.Context) (*jetstream.ConsumerInfo, error)
}

// jetStreamConsumerInfo looks the durable consumer up on every call, because
// the subscriber creates it lazily on first subscribe.
type jetStreamConsumerInfo struct {
	js      jetstream.JetStream
	stream  string
	durable string
}

// NewJetStreamConsumerInfo creates a ConsumerInfoProvider over the broker.
func NewJetStreamConsumerInfo(js jetstream.JetStream, stream, durable string) ConsumerInfoProvider {
	return &jetStreamConsumerInfo{js: js, stream: stream, durable: durable}
}

func (p *jetStreamConsumerInfo) Info(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	consumer, err := p.js.Consumer(ctx, p.stream, p.durable)
	if err != nil {
		return nil, fmt.Errorf("lookup consumer %s on %s: %w", p.durable, p.stream, err)
	}
	return consumer.Info(ctx)
}

// Worker wires the subscriber, router, and batch handler into one runnable
// unit. Run blocks until the context is canceled.
type Worker struct {
	subscriber *Subscriber
	router     *Router
	handler    *BatchHandler
	consumer   ConsumerInfoProvider
}

// NewWorker assembles the batch worker. The consumer info provider is
// optional; without it queue metrics carry handler counters only.
func NewWorker(subscriber *Subscriber, router *Router, handler *BatchHandler, consumer ConsumerInfoProvider) (*Worker, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber required")
	}
	if router == nil {
		return nil, fmt.Errorf("router required")
	}
	if handler == nil {
		return nil, fmt.Errorf("batch handler required")
	}

	w := &Worker{
		subscriber: subscriber,
		router:     router,
		handler:    handler,
		consumer:   consumer,
	}
	router.AddConsumerHandler(
		"persist-analytics-batch",
		TopicBatch,
		subscriber.WatermillSubscriber(),
		handler.HandlerFunc(),
	)
	return w, nil
}

// Run starts the router and blocks until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	logging.Info().Str("topic", TopicBatch).Msg("worker: starting batch consumer")
	return w.router.Run(ctx)
}

// Close stops the router and subscriber.
func (w *Worker) Close() error {
	if err := w.router.Close(); err != nil {
		return fmt.Errorf("close router: %w", err)
	}
	return w.subscriber.Close()
}

// Metrics returns current queue metrics. Broker queries are best effort; a
// failed info call leaves waiting and delayed at zero rather than failing the
// whole stats request.
func (w *Worker) Metrics(ctx context.Context) QueueMetrics {
	completed, failed, active := w.handler.Counters()
	m := QueueMetrics{
		Active:    active,
		Completed: completed,
		Failed:    failed,
	}

	if w.consumer != nil {
		info, err := w.consumer.Info(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("worker: consumer info unavailable")
			return m
		}
		m.Waiting = int64(info.NumPending)
		m.Delayed = int64(info.NumRedelivered)
	}
	return m
}
