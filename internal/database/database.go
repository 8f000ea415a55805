// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

// Package database owns the DuckDB store: the durable analytics_events table
// written by the batch worker, and the sessions/devices tables the presence
// tracker reads.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/appbeat-io/appbeat/internal/logging"
)

// Config holds DuckDB settings.
type Config struct {
	// Path is the database file path; ":memory:" for an in-memory database.
	Path string
	// MaxMemory caps DuckDB's memory usage (e.g. "1GB").
	MaxMemory string
	// Threads sets DuckDB's thread count; 0 uses runtime.NumCPU().
	Threads int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:      "/data/appbeat.duckdb",
		MaxMemory: "1GB",
		Threads:   0,
	}
}

// DB wraps the DuckDB connection.
type DB struct {
	conn *sql.DB
	cfg  Config
}

// New opens the database, verifies the connection, and ensures the schema.
func New(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path required")
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
			cfg.Path, threads, cfg.MaxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	// DuckDB is single-writer; keep the pool at one connection to avoid
	// write contention between the batch worker and presence reads.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, cfg: cfg}
	if err := db.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("database opened")
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS analytics_events (
			event_id   VARCHAR PRIMARY KEY,
			session_id VARCHAR NOT NULL,
			name       VARCHAR NOT NULL,
			params     VARCHAR,
			timestamp  BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id  VARCHAR PRIMARY KEY,
			app_id     VARCHAR NOT NULL,
			platform   VARCHAR,
			country    VARCHAR,
			first_seen TIMESTAMP DEFAULT current_timestamp
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id       VARCHAR PRIMARY KEY,
			app_id           VARCHAR NOT NULL,
			device_id        VARCHAR NOT NULL,
			started_at       TIMESTAMP DEFAULT current_timestamp,
			last_activity_at TIMESTAMP DEFAULT current_timestamp
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_app_activity
			ON sessions (app_id, last_activity_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
