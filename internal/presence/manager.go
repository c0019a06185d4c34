// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package presence tracks who is live in each session. Records live in the
// data plane with a TTL backstop; the authoritative liveness decision is a
// local heartbeat timer plus read-time derivation from last-seen age, so a
// dead client disappears even when its record has not yet expired.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pentora/conclave/internal/dataplane"
	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/metrics"
	"github.com/pentora/conclave/internal/models"
)

// UserLookup resolves a user's display name and session role. Injected so
// the presence layer stays independent of the session store.
type UserLookup interface {
	LookupUser(ctx context.Context, sessionID, userID string) (username string, role models.ParticipantRole, err error)
}

// Config sets the liveness thresholds.
type Config struct {
	// RecordTTL is the store-side backstop expiry.
	RecordTTL time.Duration

	// HeartbeatTimeout is how long a user may stay silent before the local
	// timer removes them. It also bounds the read-time offline derivation.
	HeartbeatTimeout time.Duration

	// AwayThreshold marks a user away when their silence exceeds it but the
	// heartbeat timeout does not.
	AwayThreshold time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		RecordTTL:        60 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		AwayThreshold:    120 * time.Second,
	}
}

// Manager owns per-session presence state: TTL records, a roster sorted
// set for ordered enumeration, one delta channel per session, and one
// heartbeat timer per (session,user).
type Manager struct {
	client dataplane.Client
	lookup UserLookup
	cfg    Config

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	now func() time.Time
}

// NewManager builds a presence manager. lookup may be nil; names then
// default to the user id and roles to viewer.
func NewManager(client dataplane.Client, lookup UserLookup, cfg Config) *Manager {
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = 60 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.AwayThreshold <= 0 {
		cfg.AwayThreshold = 120 * time.Second
	}
	return &Manager{
		client: client,
		lookup: lookup,
		cfg:    cfg,
		timers: make(map[string]*time.Timer),
		now:    time.Now,
	}
}

// SetPresence writes a fresh record for the user, adds them to the session
// roster, publishes an online delta, and arms their heartbeat timer.
func (m *Manager) SetPresence(ctx context.Context, sessionID, userID string, status models.PresenceStatus, cursor *models.Cursor) error {
	username, role := m.resolveUser(ctx, sessionID, userID)

	record := models.PresenceRecord{
		SessionID: sessionID,
		UserID:    userID,
		Username:  username,
		Role:      role,
		Status:    status,
		LastSeen:  m.now().UnixMilli(),
		Cursor:    cursor,
	}
	if err := m.writeRecord(ctx, record); err != nil {
		return err
	}

	m.publishDelta(ctx, models.PresenceDelta{
		Type:      models.DeltaOnline,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: record.LastSeen,
		Data:      map[string]any{"username": username, "status": string(status)},
	})
	m.armTimer(sessionID, userID)
	return nil
}

// ProcessHeartbeat refreshes the user's record and re-arms their timer.
// A heartbeat with no existing record bootstraps one.
func (m *Manager) ProcessHeartbeat(ctx context.Context, sessionID, userID string, cursor *models.Cursor) error {
	record, err := m.readRecord(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, dataplane.ErrKeyNotFound) {
			return m.SetPresence(ctx, sessionID, userID, models.PresenceOnline, cursor)
		}
		return err
	}

	record.Status = models.PresenceOnline
	if ms := m.now().UnixMilli(); ms > record.LastSeen {
		record.LastSeen = ms
	}
	if cursor != nil {
		record.Cursor = cursor
	}
	if err := m.writeRecord(ctx, record); err != nil {
		return err
	}

	m.armTimer(sessionID, userID)
	return nil
}

// UpdateCursor moves the user's cursor, re-arms their timer, and publishes
// a cursor delta. With no existing record it bootstraps presence instead.
func (m *Manager) UpdateCursor(ctx context.Context, sessionID, userID string, cursor models.Cursor) error {
	record, err := m.readRecord(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, dataplane.ErrKeyNotFound) {
			return m.SetPresence(ctx, sessionID, userID, models.PresenceOnline, &cursor)
		}
		return err
	}

	record.Cursor = &cursor
	if ms := m.now().UnixMilli(); ms > record.LastSeen {
		record.LastSeen = ms
	}
	if err := m.writeRecord(ctx, record); err != nil {
		return err
	}

	m.publishDelta(ctx, models.PresenceDelta{
		Type:      models.DeltaCursor,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: record.LastSeen,
		Data:      map[string]any{"cursor": cursor},
	})
	m.armTimer(sessionID, userID)
	return nil
}

// UpdateActivity records what the user is doing, re-arms their timer, and
// publishes an activity delta. Without a record it is a no-op.
func (m *Manager) UpdateActivity(ctx context.Context, sessionID, userID, activity string) error {
	record, err := m.readRecord(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, dataplane.ErrKeyNotFound) {
			logging.Debug().Str("session_id", sessionID).Str("user_id", userID).
				Msg("activity update without presence record")
			return nil
		}
		return err
	}

	record.Activity = activity
	if ms := m.now().UnixMilli(); ms > record.LastSeen {
		record.LastSeen = ms
	}
	if err := m.writeRecord(ctx, record); err != nil {
		return err
	}

	m.publishDelta(ctx, models.PresenceDelta{
		Type:      models.DeltaActivity,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: record.LastSeen,
		Data:      map[string]any{"activity": activity},
	})
	m.armTimer(sessionID, userID)
	return nil
}

// GetOnlineUsers returns every presence record for the session with its
// effective status derived from last-seen age at read time. Silence past
// the heartbeat timeout reads as offline regardless of the away threshold;
// past the away threshold alone reads as away. The stored records are not
// mutated. When the data plane is unreachable the result degrades to
// empty: presence is advisory and reads must not fail.
func (m *Manager) GetOnlineUsers(ctx context.Context, sessionID string) []models.PresenceRecord {
	keys, err := m.client.Keys(ctx, recordKeyPrefix(sessionID)+"*")
	if err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("presence read degraded to empty")
		return nil
	}

	now := m.now().UnixMilli()
	users := make([]models.PresenceRecord, 0, len(keys))
	online := 0
	for _, key := range keys {
		raw, err := m.client.Get(ctx, key)
		if err != nil {
			continue // expired between Keys and Get
		}
		var record models.PresenceRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			logging.Warn().Err(err).Str("key", key).Msg("corrupt presence record skipped")
			continue
		}
		record.Status = m.deriveStatus(now - record.LastSeen)
		if record.Status == models.PresenceOnline {
			online++
		}
		users = append(users, record)
	}

	metrics.PresenceOnlineUsers.WithLabelValues(sessionID).Set(float64(online))
	return users
}

// GetUserCount returns the number of roster members with a live presence
// record, degrading to zero on data-plane failure. Roster entries have no
// TTL, so members orphaned by a crash are pruned here as they are found.
func (m *Manager) GetUserCount(ctx context.Context, sessionID string) int {
	members, err := m.client.ZRange(ctx, rosterKey(sessionID), 0, -1)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("presence count degraded to zero")
		return 0
	}

	count := 0
	for _, member := range members {
		_, err := m.client.Get(ctx, recordKey(sessionID, member.Member))
		if errors.Is(err, dataplane.ErrKeyNotFound) {
			if rerr := m.client.ZRem(ctx, rosterKey(sessionID), member.Member); rerr != nil {
				logging.Warn().Err(rerr).
					Str("session_id", sessionID).
					Str("user_id", member.Member).
					Msg("stale roster member not pruned")
			}
			continue
		}
		// Transient read failures keep the member counted.
		count++
	}
	return count
}

// RemovePresence cancels the user's timer, deletes their record and roster
// entry, and publishes an offline delta. Removing an absent user is a
// no-op that still clears any timer and publishes nothing, so repeated
// removals produce a single offline delta.
func (m *Manager) RemovePresence(ctx context.Context, sessionID, userID string) error {
	m.cancelTimer(sessionID, userID)

	existed := true
	if _, err := m.client.Get(ctx, recordKey(sessionID, userID)); errors.Is(err, dataplane.ErrKeyNotFound) {
		existed = false
	}

	if err := m.client.Del(ctx, recordKey(sessionID, userID)); err != nil && !errors.Is(err, dataplane.ErrKeyNotFound) {
		return err
	}
	if err := m.client.ZRem(ctx, rosterKey(sessionID), userID); err != nil {
		return err
	}

	if existed {
		m.publishDelta(ctx, models.PresenceDelta{
			Type:      models.DeltaOffline,
			SessionID: sessionID,
			UserID:    userID,
			Timestamp: m.now().UnixMilli(),
		})
	}
	return nil
}

// SubscribeToPresence delivers the session's presence deltas to handler.
func (m *Manager) SubscribeToPresence(ctx context.Context, sessionID string, handler func(models.PresenceDelta)) (dataplane.Subscription, error) {
	return m.client.Subscribe(ctx, channel(sessionID), func(payload []byte) {
		var delta models.PresenceDelta
		if err := json.Unmarshal(payload, &delta); err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("malformed presence delta dropped")
			return
		}
		handler(delta)
	})
}

// UnsubscribeFromPresence drops every subscriber of the session's channel.
func (m *Manager) UnsubscribeFromPresence(sessionID string) error {
	return m.client.Unsubscribe(channel(sessionID))
}

// Shutdown cancels every heartbeat timer. Records are left to their TTL.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
}

// deriveStatus maps silence duration to an effective status. The offline
// check wins: missing the heartbeat deadline means gone, even when the
// away threshold is configured longer.
func (m *Manager) deriveStatus(silenceMs int64) models.PresenceStatus {
	silence := time.Duration(silenceMs) * time.Millisecond
	switch {
	case silence > m.cfg.HeartbeatTimeout:
		return models.PresenceOffline
	case silence > m.cfg.AwayThreshold:
		return models.PresenceAway
	default:
		return models.PresenceOnline
	}
}

func (m *Manager) resolveUser(ctx context.Context, sessionID, userID string) (string, models.ParticipantRole) {
	if m.lookup == nil {
		return userID, models.RoleViewer
	}
	username, role, err := m.lookup.LookupUser(ctx, sessionID, userID)
	if err != nil {
		logging.Debug().Err(err).Str("user_id", userID).Msg("user lookup failed, using defaults")
		return userID, models.RoleViewer
	}
	return username, role
}

func (m *Manager) readRecord(ctx context.Context, sessionID, userID string) (models.PresenceRecord, error) {
	var record models.PresenceRecord
	raw, err := m.client.Get(ctx, recordKey(sessionID, userID))
	if err != nil {
		return record, err
	}
	if err := json.Unmarshal(raw, &record); err != nil {
		// A corrupt record reads as absent so the caller rebuilds it.
		return record, dataplane.ErrKeyNotFound
	}
	return record, nil
}

// writeRecord stores the record with its TTL and refreshes the roster
// score to the record's last-seen time.
func (m *Manager) writeRecord(ctx context.Context, record models.PresenceRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := m.client.Set(ctx, recordKey(record.SessionID, record.UserID), payload, m.cfg.RecordTTL); err != nil {
		return err
	}
	return m.client.ZAdd(ctx, rosterKey(record.SessionID), record.UserID, float64(record.LastSeen))
}

func (m *Manager) publishDelta(ctx context.Context, delta models.PresenceDelta) {
	payload, err := json.Marshal(delta)
	if err != nil {
		return
	}
	if err := m.client.Publish(ctx, channel(delta.SessionID), payload); err != nil {
		// Deltas are advisory; subscribers recover on the next roster read.
		logging.Debug().Err(err).Str("session_id", delta.SessionID).Msg("presence delta publish failed")
		return
	}
	metrics.PresenceDeltasPublished.WithLabelValues(string(delta.Type)).Inc()
}

// armTimer (re)starts the user's heartbeat timer. When it fires the user
// is removed and reported offline, independent of the record's TTL.
func (m *Manager) armTimer(sessionID, userID string) {
	key := sessionID + "/" + userID

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	m.timers[key] = time.AfterFunc(m.cfg.HeartbeatTimeout, func() {
		m.onHeartbeatTimeout(sessionID, userID)
	})
}

func (m *Manager) cancelTimer(sessionID, userID string) {
	key := sessionID + "/" + userID
	m.mu.Lock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	m.mu.Unlock()
}

func (m *Manager) onHeartbeatTimeout(sessionID, userID string) {
	metrics.PresenceHeartbeatTimeouts.Inc()
	logging.Info().Str("session_id", sessionID).Str("user_id", userID).Msg("heartbeat timeout, removing presence")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.RemovePresence(ctx, sessionID, userID); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Str("user_id", userID).
			Msg("presence removal after timeout failed")
	}
}

func recordKey(sessionID, userID string) string {
	return recordKeyPrefix(sessionID) + userID
}

func recordKeyPrefix(sessionID string) string {
	return "presence:" + sessionID + ":"
}

func rosterKey(sessionID string) string {
	return "presence:session:" + sessionID
}

func channel(sessionID string) string {
	return "presence." + sessionID
}
