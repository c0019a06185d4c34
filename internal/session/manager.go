// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/metrics"
	"github.com/pentora/conclave/internal/models"
)

// Config bounds session membership and retention.
type Config struct {
	// MaxParticipants is the default seat limit for new sessions.
	MaxParticipants int

	// CleanupDays is the default age after which inactive sessions are
	// archived.
	CleanupDays int
}

// DefaultConfig returns production limits.
func DefaultConfig() Config {
	return Config{
		MaxParticipants: 50,
		CleanupDays:     30,
	}
}

// Manager implements the session lifecycle and permission checks on top of
// the relational store. Errors are returned as CollabErrors so the
// transport layer maps them straight onto the wire envelope.
type Manager struct {
	store *Store
	cfg   Config

	now func() time.Time
}

// NewManager builds a session manager.
func NewManager(store *Store, cfg Config) *Manager {
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = 50
	}
	if cfg.CleanupDays <= 0 {
		cfg.CleanupDays = 30
	}
	return &Manager{store: store, cfg: cfg, now: time.Now}
}

// CreateSession opens a new session for an operation. The owner is added
// as an operator in the same transaction.
func (m *Manager) CreateSession(ctx context.Context, ownerID, operationID string, metadata map[string]any) (*models.Session, error) {
	now := m.now()
	sess := &models.Session{
		ID:              uuid.NewString(),
		SessionID:       newSessionID(now),
		OperationID:     operationID,
		OwnerID:         ownerID,
		Status:          models.SessionActive,
		Metadata:        metadata,
		MaxParticipants: m.cfg.MaxParticipants,
		StartTime:       now,
	}
	owner := &models.Participant{
		SessionID: sess.ID,
		UserID:    ownerID,
		Role:      models.RoleOperator,
		JoinedAt:  now,
	}

	if err := m.store.CreateSession(ctx, sess, owner); err != nil {
		return nil, models.WrapError(models.CodeDatabaseError, "failed to create session", err)
	}

	metrics.SessionsCreated.Inc()
	logging.Info().
		Str("session_id", sess.SessionID).
		Str("operation_id", operationID).
		Str("owner_id", ownerID).
		Msg("session created")
	return sess, nil
}

// GetSession resolves a session by either identifier.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, models.NewError(models.CodeSessionNotFound, "session not found: "+sessionID)
		}
		return nil, models.WrapError(models.CodeDatabaseError, "failed to load session", err)
	}
	return sess, nil
}

// AddParticipant seats a user in an active session. The capacity check and
// the membership write are one conditional statement against the store, so
// two racing joins cannot both squeeze past the limit. A user who left
// earlier is re-activated under the same condition.
func (m *Manager) AddParticipant(ctx context.Context, sessionID, userID string, role models.ParticipantRole) (*models.Participant, error) {
	if !models.ValidRole(role) {
		role = models.RoleViewer
	}

	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionActive {
		return nil, models.NewError(models.CodePermissionDenied, "session is not active")
	}

	now := m.now()
	existing, err := m.store.GetParticipant(ctx, sess.ID, userID)
	switch {
	case err == nil && existing.Active():
		metrics.SessionJoinRejections.WithLabelValues("already_member").Inc()
		return nil, models.NewError(models.CodePermissionDenied, "already a participant")
	case err == nil:
		// Returning user: re-activation competes for a seat like any join.
		ok, err := m.store.ReactivateParticipantIfCapacity(ctx, sess.ID, userID, role, now)
		if err != nil {
			return nil, models.WrapError(models.CodeDatabaseError, "failed to rejoin session", err)
		}
		if !ok {
			metrics.SessionJoinRejections.WithLabelValues("full").Inc()
			return nil, models.NewError(models.CodeSessionFull, "session is at capacity")
		}
	case errors.Is(err, ErrNotFound):
		p := &models.Participant{
			SessionID: sess.ID,
			UserID:    userID,
			Role:      role,
			JoinedAt:  now,
		}
		ok, err := m.store.InsertParticipantIfCapacity(ctx, p)
		if errors.Is(err, ErrAlreadyMember) {
			// Lost a race with the same user joining concurrently.
			metrics.SessionJoinRejections.WithLabelValues("already_member").Inc()
			return nil, models.NewError(models.CodePermissionDenied, "already a participant")
		}
		if err != nil {
			return nil, models.WrapError(models.CodeDatabaseError, "failed to join session", err)
		}
		if !ok {
			metrics.SessionJoinRejections.WithLabelValues("full").Inc()
			return nil, models.NewError(models.CodeSessionFull, "session is at capacity")
		}
	default:
		return nil, models.WrapError(models.CodeDatabaseError, "failed to check membership", err)
	}

	logging.Debug().
		Str("session_id", sess.SessionID).
		Str("user_id", userID).
		Str("role", string(role)).
		Msg("participant joined")
	return &models.Participant{
		SessionID: sess.ID,
		UserID:    userID,
		Role:      role,
		JoinedAt:  now,
	}, nil
}

// RemoveParticipant soft-removes a user's membership. Leaving without a
// prior join is a permission error.
func (m *Manager) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	ok, err := m.store.MarkLeft(ctx, sess.ID, userID, m.now())
	if err != nil {
		return models.WrapError(models.CodeDatabaseError, "failed to leave session", err)
	}
	if !ok {
		return models.NewError(models.CodePermissionDenied, "not a participant")
	}

	logging.Debug().Str("session_id", sess.SessionID).Str("user_id", userID).Msg("participant left")
	return nil
}

// HasPermission resolves whether a user may perform an action on a
// session. The owner may do anything. Otherwise the participant's role
// decides, except that public sessions are viewable by anyone.
func (m *Manager) HasPermission(ctx context.Context, sessionID, userID string, action models.Action) (bool, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.OwnerID == userID {
		return true, nil
	}
	if action == models.ActionManage {
		return false, nil
	}

	p, err := m.store.GetParticipant(ctx, sess.ID, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return action == models.ActionView && sess.IsPublic(), nil
		}
		return false, models.WrapError(models.CodeDatabaseError, "failed to check membership", err)
	}
	if !p.Active() {
		return action == models.ActionView && sess.IsPublic(), nil
	}

	switch action {
	case models.ActionView:
		return true, nil
	case models.ActionComment:
		return p.Role == models.RoleCommenter || p.Role == models.RoleOperator, nil
	case models.ActionOperate:
		return p.Role == models.RoleOperator, nil
	default:
		return false, nil
	}
}

// UpdateSessionStatus transitions a session to a terminal status, stamping
// its end time. Transitions out of terminal states are rejected.
func (m *Manager) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	if !status.Terminal() {
		return models.NewError(models.CodeInternalError, "status transition must be terminal")
	}

	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	ok, err := m.store.UpdateStatus(ctx, sess.ID, status, m.now())
	if err != nil {
		return models.WrapError(models.CodeDatabaseError, "failed to update session status", err)
	}
	if !ok {
		return models.NewError(models.CodePermissionDenied,
			fmt.Sprintf("session already %s", sess.Status))
	}

	logging.Info().Str("session_id", sess.SessionID).Str("status", string(status)).Msg("session closed")
	return nil
}

// GetParticipants lists the session's current members.
func (m *Manager) GetParticipants(ctx context.Context, sessionID string) ([]models.Participant, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out, err := m.store.ListParticipants(ctx, sess.ID, true)
	if err != nil {
		return nil, models.WrapError(models.CodeDatabaseError, "failed to list participants", err)
	}
	return out, nil
}

// GetParticipantCount returns the number of seats taken.
func (m *Manager) GetParticipantCount(ctx context.Context, sessionID string) (int, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	n, err := m.store.ActiveParticipantCount(ctx, sess.ID)
	if err != nil {
		return 0, models.WrapError(models.CodeDatabaseError, "failed to count participants", err)
	}
	return n, nil
}

// LookupUser implements presence.UserLookup from session membership.
func (m *Manager) LookupUser(ctx context.Context, sessionID, userID string) (string, models.ParticipantRole, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return "", "", err
	}
	p, err := m.store.GetParticipant(ctx, sess.ID, userID)
	if err != nil {
		return "", "", err
	}
	username := p.Username
	if username == "" {
		username = userID
	}
	return username, p.Role, nil
}

// CleanupOldSessions archives active sessions older than daysOld days.
// Zero selects the configured default. Returns the number archived.
func (m *Manager) CleanupOldSessions(ctx context.Context, daysOld int) (int, error) {
	if daysOld <= 0 {
		daysOld = m.cfg.CleanupDays
	}
	now := m.now()
	cutoff := now.AddDate(0, 0, -daysOld)

	n, err := m.store.ArchiveSessionsBefore(ctx, cutoff, now)
	if err != nil {
		return 0, models.WrapError(models.CodeDatabaseError, "failed to archive sessions", err)
	}
	if n > 0 {
		logging.Info().Int("archived", n).Int("days_old", daysOld).Msg("old sessions archived")
	}
	return n, nil
}

// newSessionID builds the human-readable identifier: date plus a short
// random suffix, e.g. "sess-20260831-a3f9c1".
func newSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("sess-%s-%s", now.Format("20060102"), suffix)
}
