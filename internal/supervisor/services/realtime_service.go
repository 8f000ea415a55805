// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package services

import (
	"context"
)

// BroadcastManager matches realtime.Manager's lifecycle.
type BroadcastManager interface {
	Start(ctx context.Context)
	Stop()
}

// RealtimeService runs the broadcast manager under supervision. The manager's
// loops are ticker-driven rather than blocking, so Serve starts them and then
// parks on the context.
type RealtimeService struct {
	manager BroadcastManager
	name    string
}

// NewRealtimeService creates the wrapper.
func NewRealtimeService(manager BroadcastManager) *RealtimeService {
	return &RealtimeService{
		manager: manager,
		name:    "realtime-manager",
	}
}

// Serve implements suture.Service. Stop clears all subscriber state; a
// restart by the supervisor begins with an empty manager.
func (r *RealtimeService) Serve(ctx context.Context) error {
	r.manager.Start(ctx)
	<-ctx.Done()
	r.manager.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for suture logging.
func (r *RealtimeService) String() string {
	return r.name
}
