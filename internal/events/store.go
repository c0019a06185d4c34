// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package events buffers operation output in memory and mirrors it into
// the data plane for replay. The buffer is the hot path; durable history
// only backs reads the buffer cannot satisfy on its own.
package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pentora/conclave/internal/dataplane"
	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/metrics"
	"github.com/pentora/conclave/internal/models"
)

// Order selects result ordering for event queries.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Query filters and paginates event reads. The zero value means: all
// types, all time, newest first, first 100 events.
type Query struct {
	Types     []models.EventType
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
	Order     Order
}

func (q Query) normalized() Query {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Order == "" {
		q.Order = OrderDesc
	}
	return q
}

// Config bounds the store.
type Config struct {
	// MaxEventsPerOperation caps the in-memory buffer per operation.
	// Durable storage holds at most twice this before trimming.
	MaxEventsPerOperation int

	// RetentionHours is the durable log TTL.
	RetentionHours int

	// CleanupInterval is the durable sweep cadence. Zero disables the
	// background loop.
	CleanupInterval time.Duration
}

// DefaultConfig returns production bounds.
func DefaultConfig() Config {
	return Config{
		MaxEventsPerOperation: 1000,
		RetentionHours:        24,
		CleanupInterval:       time.Hour,
	}
}

// Store keeps a bounded per-operation buffer and an asynchronous durable
// mirror keyed events:<operationId> in the data plane.
type Store struct {
	client dataplane.Client
	cfg    Config

	mu      sync.RWMutex
	buffers map[string][]models.OperationEvent

	persistCh chan string
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStore builds the store and starts its persistence worker, plus the
// durable cleanup loop when an interval is configured.
func NewStore(client dataplane.Client, cfg Config) *Store {
	if cfg.MaxEventsPerOperation <= 0 {
		cfg.MaxEventsPerOperation = 1000
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}

	s := &Store{
		client:    client,
		cfg:       cfg,
		buffers:   make(map[string][]models.OperationEvent),
		persistCh: make(chan string, 256),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.persistWorker()

	if cfg.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}

	go func() {
		s.wg.Wait()
		close(s.doneCh)
	}()

	return s
}

// StoreEvent appends one event to the operation's buffer and schedules an
// asynchronous durable write. The buffer drops its oldest entry once full.
func (s *Store) StoreEvent(event models.OperationEvent) {
	s.StoreEvents(event.OperationID, []models.OperationEvent{event})
}

// StoreEvents appends a batch for one operation. The durable mirror is
// written once for the whole batch.
func (s *Store) StoreEvents(operationID string, events []models.OperationEvent) {
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	buf := append(s.buffers[operationID], events...)
	if over := len(buf) - s.cfg.MaxEventsPerOperation; over > 0 {
		buf = buf[over:]
	}
	s.buffers[operationID] = buf
	total := 0
	for _, b := range s.buffers {
		total += len(b)
	}
	s.mu.Unlock()

	metrics.EventsStored.Add(float64(len(events)))
	metrics.EventsBuffered.Set(float64(total))

	s.schedulePersist(operationID)
}

// schedulePersist queues a durable write for the operation. A full queue
// drops the request; the next append retries, and the buffer still holds
// the events.
func (s *Store) schedulePersist(operationID string) {
	select {
	case s.persistCh <- operationID:
	case <-s.stopCh:
	default:
		metrics.EventsPersistErrors.Inc()
		logging.Warn().Str("operation_id", operationID).Msg("event persist queue full")
	}
}

func (s *Store) persistWorker() {
	defer s.wg.Done()

	for {
		select {
		case operationID := <-s.persistCh:
			s.persist(operationID)
		case <-s.stopCh:
			// Drain anything already queued before exiting.
			for {
				select {
				case operationID := <-s.persistCh:
					s.persist(operationID)
				default:
					return
				}
			}
		}
	}
}

// persist merges the buffer into the durable log, trims to twice the
// buffer cap, and rewrites the key with the retention TTL.
func (s *Store) persist(operationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.RLock()
	buffered := make([]models.OperationEvent, len(s.buffers[operationID]))
	copy(buffered, s.buffers[operationID])
	s.mu.RUnlock()

	if len(buffered) == 0 {
		return
	}

	durable, err := s.loadDurable(ctx, operationID)
	if err != nil {
		metrics.EventsPersistErrors.Inc()
		logging.Warn().Err(err).Str("operation_id", operationID).Msg("load durable events failed")
		durable = nil
	}

	merged := mergeByID(buffered, durable)
	sortEvents(merged, OrderAsc)

	cap2 := 2 * s.cfg.MaxEventsPerOperation
	if over := len(merged) - cap2; over > 0 {
		merged = merged[over:]
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		metrics.EventsPersistErrors.Inc()
		logging.Error().Err(err).Str("operation_id", operationID).Msg("serialize events failed")
		return
	}

	ttl := time.Duration(s.cfg.RetentionHours) * time.Hour
	if err := s.client.Set(ctx, durableKey(operationID), payload, ttl); err != nil {
		metrics.EventsPersistErrors.Inc()
		logging.Warn().Err(err).Str("operation_id", operationID).Msg("persist events failed")
	}
}

// GetEvents reads an operation's history. When the buffer alone covers
// limit+offset after filtering, the durable log is not consulted.
func (s *Store) GetEvents(ctx context.Context, operationID string, q Query) ([]models.OperationEvent, error) {
	q = q.normalized()

	s.mu.RLock()
	buffered := make([]models.OperationEvent, len(s.buffers[operationID]))
	copy(buffered, s.buffers[operationID])
	s.mu.RUnlock()

	filtered := applyFilters(buffered, q)
	if len(filtered) < q.Offset+q.Limit {
		durable, err := s.loadDurable(ctx, operationID)
		if err != nil {
			// Best effort: the buffer still answers, durable history is a
			// bonus. Reads must not fail because the data plane is down.
			logging.Debug().Err(err).Str("operation_id", operationID).Msg("durable read degraded to buffer")
		} else if len(durable) > 0 {
			filtered = applyFilters(mergeByID(buffered, durable), q)
		}
	}

	sortEvents(filtered, q.Order)
	return paginate(filtered, q.Offset, q.Limit), nil
}

// ReplayEvents returns an operation's history oldest first, for late
// joiners reconstructing the stream.
func (s *Store) ReplayEvents(ctx context.Context, operationID string, q Query) ([]models.OperationEvent, error) {
	q.Order = OrderAsc
	return s.GetEvents(ctx, operationID, q)
}

// GetRecentEvents returns the newest events across every buffered
// operation.
func (s *Store) GetRecentEvents(limit int) []models.OperationEvent {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	var all []models.OperationEvent
	for _, buf := range s.buffers {
		all = append(all, buf...)
	}
	s.mu.RUnlock()

	sortEvents(all, OrderDesc)
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// BufferedCount returns the in-memory depth for one operation.
func (s *Store) BufferedCount(operationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers[operationID])
}

// Cleanup sweeps durable keys, dropping events older than the retention
// window, rewriting or deleting keys as needed. Returns events removed.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	keys, err := s.client.Keys(ctx, durableKey("")+"*")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)
	removed := 0

	for _, key := range keys {
		raw, err := s.client.Get(ctx, key)
		if err != nil {
			continue
		}
		var evs []models.OperationEvent
		if err := json.Unmarshal(raw, &evs); err != nil {
			// Unreadable payload is dead weight.
			_ = s.client.Del(ctx, key)
			continue
		}

		kept := evs[:0]
		for _, ev := range evs {
			if ev.Timestamp.After(cutoff) {
				kept = append(kept, ev)
			}
		}
		if len(kept) == len(evs) {
			continue
		}
		removed += len(evs) - len(kept)

		if len(kept) == 0 {
			if err := s.client.Del(ctx, key); err != nil {
				logging.Warn().Err(err).Str("key", key).Msg("delete expired event log failed")
			}
			continue
		}
		payload, err := json.Marshal(kept)
		if err != nil {
			continue
		}
		ttl := time.Duration(s.cfg.RetentionHours) * time.Hour
		if err := s.client.Set(ctx, key, payload, ttl); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("rewrite trimmed event log failed")
		}
	}

	metrics.EventsCleanupRemoved.Add(float64(removed))
	return removed, nil
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := s.Cleanup(ctx)
			cancel()
			if err != nil {
				// Logged and retried next interval, never fatal.
				logging.Warn().Err(err).Msg("event retention sweep failed")
				continue
			}
			if removed > 0 {
				logging.Info().Int("removed", removed).Msg("event retention sweep")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops background work, flushing queued durable writes first.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Store) loadDurable(ctx context.Context, operationID string) ([]models.OperationEvent, error) {
	raw, err := s.client.Get(ctx, durableKey(operationID))
	if err != nil {
		if errors.Is(err, dataplane.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var evs []models.OperationEvent
	if err := json.Unmarshal(raw, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

func durableKey(operationID string) string {
	return "events:" + operationID
}

// mergeByID concatenates primary and secondary, keeping primary's copy on
// id collision.
func mergeByID(primary, secondary []models.OperationEvent) []models.OperationEvent {
	seen := make(map[string]struct{}, len(primary))
	out := make([]models.OperationEvent, 0, len(primary)+len(secondary))
	for _, ev := range primary {
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	for _, ev := range secondary {
		if _, dup := seen[ev.ID]; !dup {
			out = append(out, ev)
		}
	}
	return out
}

func applyFilters(evs []models.OperationEvent, q Query) []models.OperationEvent {
	out := make([]models.OperationEvent, 0, len(evs))
	for _, ev := range evs {
		if len(q.Types) > 0 && !containsType(q.Types, ev.Type) {
			continue
		}
		if !q.StartTime.IsZero() && ev.Timestamp.Before(q.StartTime) {
			continue
		}
		if !q.EndTime.IsZero() && ev.Timestamp.After(q.EndTime) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func containsType(types []models.EventType, t models.EventType) bool {
	for _, cand := range types {
		if cand == t {
			return true
		}
	}
	return false
}

func sortEvents(evs []models.OperationEvent, order Order) {
	sort.SliceStable(evs, func(i, j int) bool {
		if order == OrderAsc {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[j].Timestamp.Before(evs[i].Timestamp)
	})
}

func paginate(evs []models.OperationEvent, offset, limit int) []models.OperationEvent {
	if offset >= len(evs) {
		return nil
	}
	end := offset + limit
	if end > len(evs) {
		end = len(evs)
	}
	return evs[offset:end]
}
