// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/appbeat-io/appbeat/internal/models"
)

// OnlineDevices returns one row per session active since the cutoff for the
// given application, joined to its device. Rows are not deduplicated here; a
// device with several concurrent sessions appears once per session and the
// presence tracker collapses them.
func (db *DB) OnlineDevices(ctx context.Context, appID string, since time.Time) ([]models.OnlineDevice, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT d.device_id, coalesce(d.platform, ''), coalesce(d.country, '')
		FROM sessions s
		JOIN devices d ON d.device_id = s.device_id
		WHERE s.app_id = ? AND s.last_activity_at >= ?
			ORDER BY s.last_activity_at DESC`,
		appID, since)
	if err != nil {
		return nil, fmt.Errorf("query online devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var devices []models.OnlineDevice
	for rows.Next() {
		var d models.OnlineDevice
		if err := rows.Scan(&d.DeviceID, &d.Platform, &d.Country); err != nil {
			return nil, fmt.Errorf("scan online device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate online devices: %w", err)
	}
	return devices, nil
}

// UpsertDevice records a device, updating platform and country on conflict.
func (db *DB) UpsertDevice(ctx context.Context, deviceID, appID, platform, country string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO devices (device_id, app_id, platform, country)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			platform = excluded.platform,
			country = excluded.country`,
		deviceID, appID, platform, country)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", deviceID, err)
	}
	return nil
}

// UpsertSession records a session, refreshing last_activity_at on conflict.
func (db *DB) UpsertSession(ctx context.Context, sessionID, appID, deviceID string, lastActivity time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sessions (session_id, app_id, device_id, started_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			last_activity_at = excluded.last_activity_at`,
		sessionID, appID, deviceID, lastActivity, lastActivity)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sessionID, err)
	}
	return nil
}

// TouchSession refreshes a session's last_activity_at.
func (db *DB) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`, at, sessionID)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}
