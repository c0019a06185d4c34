// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package dataplane provides the resilient key/value + sorted-set + pub/sub
// client shared by the presence and event layers.
//
// Storage is an embedded Badger database (values carry TTLs natively) and
// pub/sub rides on a NATS connection. The client owns one connection state
// machine across both:
//
//	disconnected → connecting → connected
//	connected/connecting → error → reconnecting → connected (loop)
//
// Reconnects use exponential backoff (min(base·2^attempt, max)); once the
// retry budget is exhausted the client enters a terminal error state and
// closes its Fatal channel. Dependent features must treat that as fatal
// rather than silently retrying forever.
//
// Every command is wrapped in a timeout race plus a circuit breaker; command
// failures are surfaced as typed errors and are never retried internally.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/metrics"
)

// State is the connection state of the client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateReconnecting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ZMember is one sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Subscription is a handle on an active pub/sub subscription.
type Subscription interface {
	// Unsubscribe stops delivery for this subscription.
	Unsubscribe() error
}

// Client is the data-plane contract consumed by the presence and event
// layers. All keys and subjects are namespaced with the configured prefix.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	ZAdd(ctx context.Context, set, member string, score float64) error
	ZRem(ctx context.Context, set, member string) error
	ZRange(ctx context.Context, set string, start, stop int) ([]ZMember, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error)
	Unsubscribe(channel string) error

	FlushAll(ctx context.Context) error

	State() State
	// Fatal is closed when the reconnect budget is exhausted. Process health
	// should reflect it.
	Fatal() <-chan struct{}
	Stats() Stats
}

// Stats is a point-in-time snapshot of client health.
type Stats struct {
	State             State
	ReconnectAttempts int
	CommandsTotal     int64
	FailuresTotal     int64
	AverageLatency    time.Duration
	LatencySamples    int
}

// Config configures the resilient client.
type Config struct {
	// StorePath is the badger directory; ":memory:" selects an in-memory store.
	StorePath string

	// NATSURL is the pub/sub broker address.
	NATSURL string

	// KeyPrefix namespaces every key and subject.
	KeyPrefix string

	CommandTimeout      time.Duration
	MaxRetries          int
	BaseReconnectDelay  time.Duration
	MaxReconnectDelay   time.Duration
	HealthCheckInterval time.Duration

	// BreakerFailureThreshold opens the command breaker after this many
	// consecutive failures. Zero disables the breaker.
	BreakerFailureThreshold uint32
}

// DefaultConfig returns production defaults.
func DefaultConfig(storePath, natsURL string) Config {
	return Config{
		StorePath:               storePath,
		NATSURL:                 natsURL,
		KeyPrefix:               "conclave",
		CommandTimeout:          3 * time.Second,
		MaxRetries:              10,
		BaseReconnectDelay:      500 * time.Millisecond,
		MaxReconnectDelay:       30 * time.Second,
		HealthCheckInterval:     30 * time.Second,
		BreakerFailureThreshold: 5,
	}
}

// BadgerClient implements Client over an embedded badger store and a NATS
// connection.
type BadgerClient struct {
	cfg Config

	mu sync.RWMutex
	db *badger.DB
	nc *nats.Conn

	subMu sync.Mutex
	subs  map[string][]*subEntry

	state        atomic.Int32
	attempts     atomic.Int32
	reconnecting atomic.Bool
	closed       atomic.Bool

	fatalOnce sync.Once
	fatalCh   chan struct{}

	stopHealth chan struct{}
	healthDone chan struct{}

	breaker *gobreaker.CircuitBreaker[any]
	latency *latencyWindow

	commandsTotal atomic.Int64
	failuresTotal atomic.Int64
}

// compile-time interface check
var _ Client = (*BadgerClient)(nil)

// New creates a client; no connection is attempted until Connect.
func New(cfg Config) *BadgerClient {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	if cfg.BaseReconnectDelay <= 0 {
		cfg.BaseReconnectDelay = 500 * time.Millisecond
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}

	c := &BadgerClient{
		cfg:        cfg,
		subs:       make(map[string][]*subEntry),
		fatalCh:    make(chan struct{}),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
		latency:    newLatencyWindow(100),
	}
	c.setState(StateDisconnected)

	if cfg.BreakerFailureThreshold > 0 {
		c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        "dataplane",
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
			},
		})
	}

	return c
}

// Connect opens the store and dials the broker, retrying with exponential
// backoff until connected, the context is canceled, or the retry budget is
// exhausted (terminal error state).
func (c *BadgerClient) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.setState(StateConnecting)

	for {
		err := c.attemptConnect()
		if err == nil {
			c.attempts.Store(0)
			c.setState(StateConnected)
			go c.healthCheckLoop()
			logging.Info().Str("store", c.cfg.StorePath).Str("nats", c.cfg.NATSURL).
				Msg("data plane connected")
			return nil
		}

		c.setState(StateError)
		attempt := c.attempts.Add(1)
		metrics.DataPlaneReconnects.Inc()

		if int(attempt) >= c.cfg.MaxRetries {
			c.enterFatal()
			return fmt.Errorf("connect data plane: %w", ErrMaxRetriesExceeded)
		}

		delay := backoffDelay(c.cfg.BaseReconnectDelay, int(attempt-1), c.cfg.MaxReconnectDelay)
		logging.Warn().Err(err).Int32("attempt", attempt).Dur("delay", delay).
			Msg("data plane connect failed, backing off")
		c.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
		c.setState(StateConnecting)
	}
}

// attemptConnect makes a single open/dial attempt.
func (c *BadgerClient) attemptConnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		opts := badger.DefaultOptions(c.cfg.StorePath).WithLogger(nil)
		if c.cfg.StorePath == ":memory:" {
			opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
		}
		db, err := badger.Open(opts)
		if err != nil {
			return fmt.Errorf("open badger store: %w", err)
		}
		c.db = db
	}

	if c.nc == nil || !c.nc.IsConnected() {
		// Reconnect policy is owned by this client's state machine, so
		// the NATS client's own reconnect loop stays off.
		nc, err := nats.Connect(c.cfg.NATSURL,
			nats.NoReconnect(),
			nats.Timeout(5*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logging.Warn().Err(err).Msg("data plane broker disconnected")
				}
				c.triggerReconnect()
			}),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		c.nc = nc
	}

	return nil
}

// Disconnect closes the store and broker connection and stops background
// work. The client cannot be reused afterwards.
func (c *BadgerClient) Disconnect() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stopHealth)
	// Health loop may never have started; don't block on it.
	select {
	case <-c.healthDone:
	case <-time.After(2 * time.Second):
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.subMu.Lock()
	for _, entries := range c.subs {
		for _, entry := range entries {
			if entry.sub != nil {
				_ = entry.sub.Unsubscribe()
			}
		}
	}
	c.subs = make(map[string][]*subEntry)
	c.subMu.Unlock()

	var firstErr error
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			firstErr = fmt.Errorf("close badger store: %w", err)
		}
		c.db = nil
	}

	c.setState(StateDisconnected)
	logging.Info().Msg("data plane disconnected")
	return firstErr
}

// Get returns the value stored at key, or ErrKeyNotFound.
func (c *BadgerClient) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.execute(ctx, "get", func() error {
		return c.withDB(func(db *badger.DB) error {
			return db.View(func(txn *badger.Txn) error {
				item, err := txn.Get(c.key(key))
				if errors.Is(err, badger.ErrKeyNotFound) {
					return ErrKeyNotFound
				}
				if err != nil {
					return err
				}
				value, err = item.ValueCopy(nil)
				return err
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value at key. A positive ttl bounds the entry's lifetime.
func (c *BadgerClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.execute(ctx, "set", func() error {
		return c.withDB(func(db *badger.DB) error {
			return db.Update(func(txn *badger.Txn) error {
				entry := badger.NewEntry(c.key(key), value)
				if ttl > 0 {
					entry = entry.WithTTL(ttl)
				}
				return txn.SetEntry(entry)
			})
		})
	})
}

// Del removes the given keys. Missing keys are not an error.
func (c *BadgerClient) Del(ctx context.Context, keys ...string) error {
	return c.execute(ctx, "del", func() error {
		return c.withDB(func(db *badger.DB) error {
			return db.Update(func(txn *badger.Txn) error {
				for _, k := range keys {
					if err := txn.Delete(c.key(k)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
						return err
					}
				}
				return nil
			})
		})
	})
}

// Keys returns all keys matching pattern. Only "prefix*" and exact patterns
// are supported, which covers every access pattern in this engine.
func (c *BadgerClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := c.execute(ctx, "keys", func() error {
		return c.withDB(func(db *badger.DB) error {
			return db.View(func(txn *badger.Txn) error {
				opts := badger.DefaultIteratorOptions
				opts.PrefetchValues = false
				it := txn.NewIterator(opts)
				defer it.Close()

				scan, wildcard := strings.CutSuffix(pattern, "*")
				prefix := c.key(scan)
				for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
					k := string(it.Item().Key())
					k = strings.TrimPrefix(k, c.cfg.KeyPrefix+":")
					if !wildcard && k != scan {
						continue
					}
					keys = append(keys, k)
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// FlushAll drops every key under the configured prefix. Pub/sub state is
// untouched.
func (c *BadgerClient) FlushAll(ctx context.Context) error {
	return c.execute(ctx, "flushall", func() error {
		return c.withDB(func(db *badger.DB) error {
			return db.DropPrefix([]byte(c.cfg.KeyPrefix + ":"))
		})
	})
}

// State returns the current connection state.
func (c *BadgerClient) State() State {
	return State(c.state.Load())
}

// Fatal returns a channel closed when reconnection is exhausted.
func (c *BadgerClient) Fatal() <-chan struct{} {
	return c.fatalCh
}

// Stats returns a snapshot of client health.
func (c *BadgerClient) Stats() Stats {
	return Stats{
		State:             c.State(),
		ReconnectAttempts: int(c.attempts.Load()),
		CommandsTotal:     c.commandsTotal.Load(),
		FailuresTotal:     c.failuresTotal.Load(),
		AverageLatency:    c.latency.Average(),
		LatencySamples:    c.latency.Count(),
	}
}

// execute wraps one command with the connected-state check, the circuit
// breaker, the timeout race, latency tracking, and metrics. Commands are
// never retried here; retry policy belongs to the caller.
func (c *BadgerClient) execute(ctx context.Context, name string, fn func() error) error {
	if c.State() != StateConnected {
		c.failuresTotal.Add(1)
		metrics.DataPlaneCommandErrors.WithLabelValues(name, "not_connected").Inc()
		return newError(name, ErrNotConnected)
	}

	c.commandsTotal.Add(1)
	start := time.Now()

	run := func() error {
		done := make(chan error, 1)
		go func() { done <- fn() }()

		timer := time.NewTimer(c.cfg.CommandTimeout)
		defer timer.Stop()

		select {
		case err := <-done:
			return err
		case <-timer.C:
			return ErrCommandTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error
	if c.breaker != nil {
		_, berr := c.breaker.Execute(func() (any, error) {
			err = run()
			// Key-not-found is a contract answer, not a fault the breaker
			// should count.
			if err != nil && !errors.Is(err, ErrKeyNotFound) {
				return nil, err
			}
			return nil, nil
		})
		if errors.Is(berr, gobreaker.ErrOpenState) || errors.Is(berr, gobreaker.ErrTooManyRequests) {
			c.failuresTotal.Add(1)
			metrics.DataPlaneCommandErrors.WithLabelValues(name, "breaker_open").Inc()
			return newError(name, berr)
		}
	} else {
		err = run()
	}

	elapsed := time.Since(start)
	c.latency.Record(elapsed)
	metrics.DataPlaneCommandDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	metrics.DataPlaneLatencyAverage.Set(c.latency.Average().Seconds())

	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		c.failuresTotal.Add(1)
		kind := "store"
		if errors.Is(err, ErrCommandTimeout) {
			kind = "timeout"
		}
		metrics.DataPlaneCommandErrors.WithLabelValues(name, kind).Inc()
		return newError(name, err)
	}
	return newError(name, err)
}

// withDB runs fn against the open store, guarding against a concurrent close.
func (c *BadgerClient) withDB(fn func(db *badger.DB) error) error {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return ErrNotConnected
	}
	return fn(db)
}

// setState updates the state machine and the state gauge.
func (c *BadgerClient) setState(s State) {
	c.state.Store(int32(s))
	metrics.DataPlaneConnectionState.Set(float64(s))
}

// enterFatal moves the client into its terminal error state.
func (c *BadgerClient) enterFatal() {
	c.setState(StateError)
	c.fatalOnce.Do(func() {
		close(c.fatalCh)
		logging.Error().Int("max_retries", c.cfg.MaxRetries).
			Msg("data plane reconnect budget exhausted; escalating")
	})
}

// triggerReconnect starts the background reconnect loop if one is not
// already running.
func (c *BadgerClient) triggerReconnect() {
	if c.closed.Load() || c.State() == StateError && c.isFatal() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go c.reconnectLoop()
}

// isFatal reports whether the fatal channel has been closed.
func (c *BadgerClient) isFatal() bool {
	select {
	case <-c.fatalCh:
		return true
	default:
		return false
	}
}

// reconnectLoop re-dials the broker with exponential backoff until connected
// or the retry budget is exhausted.
func (c *BadgerClient) reconnectLoop() {
	defer c.reconnecting.Store(false)

	for {
		if c.closed.Load() {
			return
		}

		attempt := c.attempts.Add(1)
		metrics.DataPlaneReconnects.Inc()
		if int(attempt) > c.cfg.MaxRetries {
			c.enterFatal()
			return
		}

		c.setState(StateReconnecting)
		delay := backoffDelay(c.cfg.BaseReconnectDelay, int(attempt-1), c.cfg.MaxReconnectDelay)
		logging.Warn().Int32("attempt", attempt).Dur("delay", delay).
			Msg("data plane reconnecting")

		select {
		case <-c.stopHealth:
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.nc != nil {
			c.nc.Close()
			c.nc = nil
		}
		c.mu.Unlock()

		c.setState(StateConnecting)
		if err := c.attemptConnect(); err != nil {
			c.setState(StateError)
			logging.Warn().Err(err).Int32("attempt", attempt).Msg("data plane reconnect failed")
			continue
		}

		c.attempts.Store(0)
		c.setState(StateConnected)
		c.resubscribeAll()
		logging.Info().Msg("data plane reconnected")
		return
	}
}

// healthCheckLoop periodically probes for silent failures. A failed probe
// re-enters the reconnect loop; the loop itself never escalates directly.
func (c *BadgerClient) healthCheckLoop() {
	defer close(c.healthDone)

	interval := c.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealth:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				logging.Warn().Err(err).Msg("data plane health check failed")
				c.triggerReconnect()
			}
		}
	}
}

// ping verifies both halves of the data plane.
func (c *BadgerClient) ping() error {
	c.mu.RLock()
	nc, db := c.nc, c.db
	c.mu.RUnlock()

	if db == nil {
		return ErrNotConnected
	}
	if err := db.View(func(txn *badger.Txn) error { return nil }); err != nil {
		return fmt.Errorf("store probe: %w", err)
	}
	if nc == nil || !nc.IsConnected() {
		return fmt.Errorf("broker probe: %w", ErrNotConnected)
	}
	if err := nc.FlushTimeout(2 * time.Second); err != nil {
		return fmt.Errorf("broker probe: %w", err)
	}
	return nil
}

// key applies the namespace prefix.
func (c *BadgerClient) key(k string) []byte {
	return []byte(c.cfg.KeyPrefix + ":" + k)
}

// subject applies the namespace prefix to a pub/sub channel.
func (c *BadgerClient) subject(channel string) string {
	return c.cfg.KeyPrefix + "." + channel
}

// backoffDelay computes min(base·2^attempt, max).
func backoffDelay(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
