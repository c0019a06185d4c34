// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package config provides koanf-based configuration for Conclave.
//
// Configuration is resolved in three layers, later layers overriding earlier
// ones: compiled-in defaults, an optional YAML file, and CONCLAVE_* environment
// variables.
package config

import "time"

// Config is the root configuration for the collaboration engine.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	DataPlane DataPlaneConfig `koanf:"dataplane"`
	NATS      NATSConfig      `koanf:"nats"`
	Database  DatabaseConfig  `koanf:"database"`
	Session   SessionConfig   `koanf:"session"`
	Presence  PresenceConfig  `koanf:"presence"`
	Dedup     DedupConfig     `koanf:"dedup"`
	Events    EventsConfig    `koanf:"events"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the operator-facing HTTP API.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimitReqs is the per-IP request budget per RateLimitWindow.
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// DataPlaneConfig configures the resilient data-plane client.
type DataPlaneConfig struct {
	// StorePath is the badger database directory.
	StorePath string `koanf:"store_path" validate:"required"`

	// KeyPrefix namespaces every key and pub/sub subject.
	KeyPrefix string `koanf:"key_prefix" validate:"required"`

	// CommandTimeout bounds every individual command.
	CommandTimeout time.Duration `koanf:"command_timeout"`

	// MaxRetries is the reconnect budget before the client enters its
	// terminal error state.
	MaxRetries int `koanf:"max_retries" validate:"min=1"`

	// BaseReconnectDelay seeds the exponential backoff
	// (delay = min(base * 2^attempt, MaxReconnectDelay)).
	BaseReconnectDelay time.Duration `koanf:"base_reconnect_delay"`
	MaxReconnectDelay  time.Duration `koanf:"max_reconnect_delay"`

	// HealthCheckInterval is how often silent failures are probed for.
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`

	// BreakerFailureThreshold is the consecutive-failure count that opens
	// the command circuit breaker.
	BreakerFailureThreshold uint32 `koanf:"breaker_failure_threshold"`
}

// NATSConfig configures the pub/sub broker connection.
type NATSConfig struct {
	URL string `koanf:"url" validate:"required"`

	// EmbeddedServer runs an in-process NATS server (single-node deployments).
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
}

// DatabaseConfig configures the relational session store.
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// SessionConfig configures session lifecycle policy.
type SessionConfig struct {
	// MaxParticipants caps concurrent active participants per session.
	MaxParticipants int `koanf:"max_participants" validate:"min=1"`

	// CleanupDays is the inactivity threshold for bulk archival.
	CleanupDays int `koanf:"cleanup_days" validate:"min=1"`
}

// PresenceConfig configures presence liveness thresholds.
type PresenceConfig struct {
	// RecordTTL is the store-side backstop expiry for presence records.
	RecordTTL time.Duration `koanf:"record_ttl"`

	// HeartbeatTimeout is the local timer after which a silent user is
	// removed and reported offline.
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`

	// AwayThreshold marks a user away when exceeded (and the heartbeat
	// timeout is not).
	AwayThreshold time.Duration `koanf:"away_threshold"`
}

// DedupConfig configures the probabilistic event deduplicator.
type DedupConfig struct {
	ExpectedElements  int           `koanf:"expected_elements" validate:"min=1"`
	FalsePositiveRate float64       `koanf:"false_positive_rate" validate:"gt=0,lt=1"`
	Window            time.Duration `koanf:"window"`
	CleanupInterval   time.Duration `koanf:"cleanup_interval"`
}

// EventsConfig configures the bounded event store.
type EventsConfig struct {
	// MaxEventsPerOperation bounds the in-memory buffer; durable storage is
	// capped at twice this before trimming.
	MaxEventsPerOperation int `koanf:"max_events_per_operation" validate:"min=1"`

	// RetentionHours is the durable log TTL.
	RetentionHours int `koanf:"retention_hours" validate:"min=1"`

	// CleanupInterval is the durable sweep cadence.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// IngestConfig configures the operation-output ingest router.
type IngestConfig struct {
	Enabled bool `koanf:"enabled"`

	// SourceTopic is the subject operation runners publish raw output to.
	SourceTopic string `koanf:"source_topic"`

	// StreamTopic is the subject deduplicated events are forwarded on.
	StreamTopic string `koanf:"stream_topic"`

	PoisonTopic string `koanf:"poison_topic"`

	RetryMaxRetries      int           `koanf:"retry_max_retries"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	CloseTimeout         time.Duration `koanf:"close_timeout"`

	// RelayEventsPerSecond throttles WebSocket fan-out (0 = unlimited).
	RelayEventsPerSecond float64 `koanf:"relay_events_per_second"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all production defaults. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3990,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: 1 * time.Minute,
			CORSOrigins:     []string{"*"},
		},
		DataPlane: DataPlaneConfig{
			StorePath:               "/data/conclave/store",
			KeyPrefix:               "conclave",
			CommandTimeout:          3 * time.Second,
			MaxRetries:              10,
			BaseReconnectDelay:      500 * time.Millisecond,
			MaxReconnectDelay:       30 * time.Second,
			HealthCheckInterval:     30 * time.Second,
			BreakerFailureThreshold: 5,
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/conclave/nats",
		},
		Database: DatabaseConfig{
			Path: "/data/conclave/sessions.db",
		},
		Session: SessionConfig{
			MaxParticipants: 50,
			CleanupDays:     30,
		},
		Presence: PresenceConfig{
			RecordTTL:        60 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
			AwayThreshold:    120 * time.Second,
		},
		Dedup: DedupConfig{
			ExpectedElements:  10000,
			FalsePositiveRate: 0.01,
			Window:            5 * time.Minute,
			CleanupInterval:   60 * time.Second,
		},
		Events: EventsConfig{
			MaxEventsPerOperation: 1000,
			RetentionHours:        24,
			CleanupInterval:       1 * time.Hour,
		},
		Ingest: IngestConfig{
			Enabled:              true,
			SourceTopic:          "operation.output",
			StreamTopic:          "operation.stream",
			PoisonTopic:          "operation.poison",
			RetryMaxRetries:      3,
			RetryInitialInterval: 100 * time.Millisecond,
			CloseTimeout:         30 * time.Second,
			RelayEventsPerSecond: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
