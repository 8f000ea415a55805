// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

// Package config loads layered configuration for the pipeline: built-in
// defaults, an optional YAML file, and APPBEAT_-prefixed environment
// variables, in increasing order of priority.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the AppBeat server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Redis    RedisConfig    `koanf:"redis"`
	NATS     NATSConfig     `koanf:"nats"`
	Database DatabaseConfig `koanf:"database"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Worker   WorkerConfig   `koanf:"worker"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Presence PresenceConfig `koanf:"presence"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// RedisConfig holds the connection settings for the shared ingestion list.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// ListKey is the Redis key of the shared event list. All API replicas
	// push to and pop from this one list.
	ListKey string `koanf:"list_key"`
}

// NATSConfig holds the durable queue settings.
type NATSConfig struct {
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`

	StreamName      string        `koanf:"stream_name"`
	StreamMaxAge    time.Duration `koanf:"stream_max_age"`
	StreamMaxMsgs   int64         `koanf:"stream_max_msgs"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`

	DurableName string `koanf:"durable_name"`
	QueueGroup  string `koanf:"queue_group"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = runtime.NumCPU()
}

// IngestConfig holds ingestion buffer settings.
type IngestConfig struct {
	// BatchSize is the number of buffered events that triggers a flush and
	// the maximum events popped per flush.
	BatchSize int `koanf:"batch_size"`
	// MaxBufferSize caps the shared list; the oldest entries beyond it are
	// dropped under sustained overload.
	MaxBufferSize int `koanf:"max_buffer_size"`
	// RetryDelay is the trailing-timer delay before re-attempting a flush
	// that was skipped or left entries behind.
	RetryDelay time.Duration `koanf:"retry_delay"`
}

// WorkerConfig holds batch worker settings.
type WorkerConfig struct {
	// Concurrency is the number of in-process batch consumers. Kept at 1 to
	// preserve write ordering; scale horizontally with more worker instances
	// in the same queue group instead.
	Concurrency int `koanf:"concurrency"`
	// MaxAttempts bounds delivery attempts per batch job.
	MaxAttempts int `koanf:"max_attempts"`
	// RetryInitialInterval is the first backoff delay; doubled per attempt.
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	CloseTimeout         time.Duration `koanf:"close_timeout"`
}

// RealtimeConfig holds broadcast manager settings.
type RealtimeConfig struct {
	FlushInterval     time.Duration `koanf:"flush_interval"`
	PresenceInterval  time.Duration `koanf:"presence_interval"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	ConnectionTimeout time.Duration `koanf:"connection_timeout"`
	MaxBufferSize     int           `koanf:"max_buffer_size"`
	PresenceCacheTTL  time.Duration `koanf:"presence_cache_ttl"`
}

// PresenceConfig holds online presence tracker settings.
type PresenceConfig struct {
	// Window is the recency window within which a session counts as active.
	Window time.Duration `koanf:"window"`
}

// defaultConfig returns a Config with all defaults applied. These are
// overridden by the config file and then by environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8475,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Redis: RedisConfig{
			Addr:    "127.0.0.1:6379",
			DB:      0,
			ListKey: "appbeat:events:pending",
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			EmbeddedServer:  true,
			StoreDir:        "/data/nats/jetstream",
			StreamName:      "ANALYTICS",
			StreamMaxAge:    24 * time.Hour,
			StreamMaxMsgs:   1_000_000,
			DuplicateWindow: 2 * time.Minute,
			DurableName:     "batch-worker",
			QueueGroup:      "batch-workers",
			MaxReconnects:   60,
			ReconnectWait:   2 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/appbeat.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Ingest: IngestConfig{
			BatchSize:     50,
			MaxBufferSize: 500,
			RetryDelay:    time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:          1,
			MaxAttempts:          3,
			RetryInitialInterval: 2 * time.Second,
			CloseTimeout:         30 * time.Second,
		},
		Realtime: RealtimeConfig{
			FlushInterval:     3 * time.Second,
			PresenceInterval:  5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			ConnectionTimeout: 90 * time.Second,
			MaxBufferSize:     1000,
			PresenceCacheTTL:  10 * time.Second,
		},
		Presence: PresenceConfig{
			Window: time.Minute,
		},
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Redis.ListKey == "" {
		return fmt.Errorf("redis.list_key must not be empty")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive")
	}
	if c.Ingest.MaxBufferSize < c.Ingest.BatchSize {
		return fmt.Errorf("ingest.max_buffer_size (%d) must be >= ingest.batch_size (%d)",
			c.Ingest.MaxBufferSize, c.Ingest.BatchSize)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be positive")
	}
	if c.Realtime.FlushInterval <= 0 || c.Realtime.PresenceInterval <= 0 || c.Realtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime intervals must be positive")
	}
	if c.Realtime.ConnectionTimeout <= c.Realtime.HeartbeatInterval {
		return fmt.Errorf("realtime.connection_timeout must exceed realtime.heartbeat_interval")
	}
	if c.Realtime.MaxBufferSize <= 0 {
		return fmt.Errorf("realtime.max_buffer_size must be positive")
	}
	if c.Presence.Window <= 0 {
		return fmt.Errorf("presence.window must be positive")
	}
	return nil
}
