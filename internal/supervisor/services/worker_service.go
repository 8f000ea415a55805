// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package services

import (
	"context"
)

// BatchWorker matches eventprocessor.Worker's run loop.
type BatchWorker interface {
	Run(ctx context.Context) error
}

// WorkerService wraps the batch worker as a supervised service, so a crashed
// consumer restarts with backoff instead of silently halting persistence.
type WorkerService struct {
	worker BatchWorker
	name   string
}

// NewWorkerService creates the wrapper.
func NewWorkerService(worker BatchWorker) *WorkerService {
	return &WorkerService{
		worker: worker,
		name:   "batch-worker",
	}
}

// Serve implements suture.Service.
func (w *WorkerService) Serve(ctx context.Context) error {
	return w.worker.Run(ctx)
}

// String implements fmt.Stringer for suture logging.
func (w *WorkerService) String() string {
	return w.name
}
