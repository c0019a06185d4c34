// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package metrics provides Prometheus instrumentation for Conclave.
//
// Covered surfaces:
//   - Data-plane command latency, failures, and connection state
//   - Event deduplication efficiency
//   - Event store buffering and durable persistence
//   - Presence roster sizes and heartbeat timeouts
//   - WebSocket fan-out and HTTP API traffic
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Data-Plane Metrics
	DataPlaneCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataplane_command_duration_seconds",
			Help:    "Duration of data-plane commands in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	DataPlaneCommandErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataplane_command_errors_total",
			Help: "Total number of failed data-plane commands",
		},
		[]string{"command", "error_type"}, // "timeout", "store", "breaker_open"
	)

	DataPlaneConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dataplane_connection_state",
			Help: "Current data-plane connection state (0=disconnected 1=connecting 2=connected 3=error 4=reconnecting)",
		},
	)

	DataPlaneReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dataplane_reconnects_total",
			Help: "Total number of data-plane reconnect attempts",
		},
	)

	DataPlaneLatencyAverage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dataplane_command_latency_avg_seconds",
			Help: "Rolling average latency of the last 100 data-plane commands",
		},
	)

	// Deduplication Metrics
	DedupChecks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_checks_total",
			Help: "Total number of duplicate checks",
		},
	)

	DedupDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_duplicates_total",
			Help: "Total number of confirmed duplicate events",
		},
	)

	DedupFalsePositives = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_bloom_false_positives_total",
			Help: "Total number of bloom filter false positives resolved by the exact map",
		},
	)

	DedupFilterResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_filter_resets_total",
			Help: "Total number of coarse bloom filter resets after expiry sweeps",
		},
	)

	// Event Store Metrics
	EventsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_stored_total",
			Help: "Total number of operation events appended to the store",
		},
	)

	EventsBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "events_buffered",
			Help: "Current number of events held in memory across all operations",
		},
	)

	EventsPersistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_persist_errors_total",
			Help: "Total number of failed durable event writes",
		},
	)

	EventsCleanupRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_cleanup_removed_total",
			Help: "Total number of events removed by retention cleanup",
		},
	)

	// Presence Metrics
	PresenceOnlineUsers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "presence_online_users",
			Help: "Current number of online users per session",
		},
		[]string{"session_id"},
	)

	PresenceHeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_heartbeat_timeouts_total",
			Help: "Total number of users removed after heartbeat timeout",
		},
	)

	PresenceDeltasPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_deltas_published_total",
			Help: "Total number of presence deltas published",
		},
		[]string{"type"}, // "online", "offline", "cursor", "activity"
	)

	// Session Metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Total number of collaboration sessions created",
		},
	)

	SessionJoinRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_join_rejections_total",
			Help: "Total number of rejected join attempts",
		},
		[]string{"reason"}, // "full", "duplicate", "not_active"
	)

	// WebSocket Metrics
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_clients",
			Help: "Current number of connected WebSocket clients",
		},
	)

	WebSocketMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_dropped_total",
			Help: "Total number of messages dropped due to slow clients or full buffers",
		},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)
)

// ObserveDataPlaneCommand records duration and outcome of one data-plane command.
func ObserveDataPlaneCommand(command string, duration time.Duration, err error) {
	DataPlaneCommandDuration.WithLabelValues(command).Observe(duration.Seconds())
	if err != nil {
		DataPlaneCommandErrors.WithLabelValues(command, "store").Inc()
	}
}

// RecordAPIRequest records an API request with its response status.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
