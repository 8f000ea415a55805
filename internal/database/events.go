// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/appbeat-io/appbeat/internal/logging"
	"github.com/appbeat-io/appbeat/internal/models"
)

// ErrDuplicateKey marks a uniqueness-constraint violation. Store
// implementations wrap it so callers can classify with IsDuplicateKeyErr
// without string matching.
var ErrDuplicateKey = errors.New("duplicate key")

// IsDuplicateKeyErr reports whether err is a uniqueness-constraint violation,
// either a wrapped ErrDuplicateKey or a raw DuckDB constraint error.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "primary key constraint")
}

const insertEventSQL = `INSERT INTO analytics_events
	(event_id, session_id, name, params, timestamp)
	VALUES (?, ?, ?, ?, ?)`

// InsertEventsBulk inserts a batch of events in one transaction with
// all-or-nothing semantics. A duplicate event_id anywhere in the batch fails
// the whole transaction with an error satisfying IsDuplicateKeyErr; the
// caller falls back to per-row insertion in that case.
func (db *DB) InsertEventsBulk(ctx context.Context, events []models.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk insert: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logging.Error().Err(rbErr).Msg("bulk insert rollback failed")
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("prepare bulk insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range events {
		params, merr := marshalParams(events[i].Params)
		if merr != nil {
			err = fmt.Errorf("marshal params for %s: %w", events[i].EventID, merr)
			return err
		}
		if _, err = stmt.ExecContext(ctx,
			events[i].EventID, events[i].SessionID, events[i].Name, params, events[i].Timestamp,
		); err != nil {
			if IsDuplicateKeyErr(err) {
				err = fmt.Errorf("bulk insert event %s: %w", events[i].EventID, errors.Join(err, ErrDuplicateKey))
			} else {
				err = fmt.Errorf("bulk insert event %s: %w", events[i].EventID, err)
			}
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk insert: %w", err)
	}
	return nil
}

// InsertEvent inserts a single event. Used by the batch worker's row-by-row
// fallback after a bulk duplicate violation.
func (db *DB) InsertEvent(ctx context.Context, event *models.AnalyticsEvent) error {
	params, err := marshalParams(event.Params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", event.EventID, err)
	}
	if _, err := db.conn.ExecContext(ctx, insertEventSQL,
		event.EventID, event.SessionID, event.Name, params, event.Timestamp,
	); err != nil {
		if IsDuplicateKeyErr(err) {
			return fmt.Errorf("insert event %s: %w", event.EventID, errors.Join(err, ErrDuplicateKey))
		}
		return fmt.Errorf("insert event %s: %w", event.EventID, err)
	}
	return nil
}

// CountEvents returns the number of persisted events. Monitoring only.
func (db *DB) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM analytics_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func marshalParams(params map[string]any) (any, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
