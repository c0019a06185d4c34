// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pentora/conclave/internal/models"
)

// Store-level sentinels; the manager maps them onto protocol error codes.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyMember = errors.New("already a participant")
)

// Store is the relational persistence layer for sessions and participants.
type Store struct {
	db *DB
}

// NewStore wraps db as a session store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// CreateSession inserts the session and its owner as an operator in one
// transaction.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session, owner *models.Participant) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("serialize session metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session create: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, session_id, operation_id, owner_id, status,
			target, objective, metadata, max_participants, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SessionID, sess.OperationID, sess.OwnerID, sess.Status,
		sess.Target, sess.Objective, string(metadata), sess.MaxParticipants,
		sess.StartTime, sess.EndTime,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO participants (session_id, user_id, username, role, joined_at)
		VALUES (?, ?, ?, ?, ?)`,
		owner.SessionID, owner.UserID, owner.Username, owner.Role, owner.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("insert owner participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session create: %w", err)
	}
	return nil
}

// GetSession loads a session by its primary id or its human-readable
// session id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, operation_id, owner_id, status,
		       target, objective, metadata, max_participants, start_time, end_time
		FROM sessions
		WHERE id = ? OR session_id = ?`, id, id)

	var sess models.Session
	var target, objective, metadata sql.NullString
	var endTime sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.SessionID, &sess.OperationID, &sess.OwnerID, &sess.Status,
		&target, &objective, &metadata, &sess.MaxParticipants, &sess.StartTime, &endTime,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.Target = target.String
	sess.Objective = objective.String
	if endTime.Valid {
		sess.EndTime = &endTime.Time
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &sess, nil
}

// UpdateStatus transitions a session out of active. The WHERE clause
// rejects transitions from terminal states.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.SessionStatus, endTime time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, end_time = ?
		WHERE (id = ? OR session_id = ?) AND status = 'active'`,
		status, endTime, id, id)
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetParticipant loads one membership row, left or not.
func (s *Store) GetParticipant(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, username, role, joined_at, left_at
		FROM participants
		WHERE session_id = ? AND user_id = ?`, sessionID, userID)

	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// ListParticipants returns the session's membership, optionally filtered
// to those who have not left.
func (s *Store) ListParticipants(ctx context.Context, sessionID string, activeOnly bool) ([]models.Participant, error) {
	query := `
		SELECT session_id, user_id, username, role, joined_at, left_at
		FROM participants
		WHERE session_id = ?`
	if activeOnly {
		query += ` AND left_at IS NULL`
	}
	query += ` ORDER BY joined_at`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ActiveParticipantCount returns the number of seats currently taken.
func (s *Store) ActiveParticipantCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM participants
		WHERE session_id = ? AND left_at IS NULL`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return n, nil
}

// InsertParticipantIfCapacity adds a membership row only while the
// session's active count is below its limit. The count check and the
// insert are one statement, so concurrent joins cannot both pass a stale
// count. Returns false when the session is full.
func (s *Store) InsertParticipantIfCapacity(ctx context.Context, p *models.Participant) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (session_id, user_id, username, role, joined_at)
		SELECT ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM participants
		       WHERE session_id = ? AND left_at IS NULL)
		    < (SELECT max_participants FROM sessions WHERE id = ?)`,
		p.SessionID, p.UserID, p.Username, p.Role, p.JoinedAt,
		p.SessionID, p.SessionID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrAlreadyMember
		}
		return false, fmt.Errorf("insert participant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReactivateParticipantIfCapacity clears left_at for a returning user,
// under the same single-statement capacity condition as a fresh join.
func (s *Store) ReactivateParticipantIfCapacity(ctx context.Context, sessionID, userID string, role models.ParticipantRole, joinedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants
		SET left_at = NULL, role = ?, joined_at = ?
		WHERE session_id = ? AND user_id = ? AND left_at IS NOT NULL
		  AND (SELECT COUNT(*) FROM participants
		       WHERE session_id = ? AND left_at IS NULL)
		    < (SELECT max_participants FROM sessions WHERE id = ?)`,
		role, joinedAt, sessionID, userID, sessionID, sessionID)
	if err != nil {
		return false, fmt.Errorf("reactivate participant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkLeft soft-removes an active membership. Returns false when there was
// no active membership to remove.
func (s *Store) MarkLeft(ctx context.Context, sessionID, userID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants SET left_at = ?
		WHERE session_id = ? AND user_id = ? AND left_at IS NULL`,
		at, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("mark participant left: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ArchiveSessionsBefore completes every active session that started before
// cutoff. Returns the number archived.
func (s *Store) ArchiveSessionsBefore(ctx context.Context, cutoff, endTime time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'completed', end_time = ?
		WHERE status = 'active' AND start_time < ?`, endTime, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*models.Participant, error) {
	var p models.Participant
	var username sql.NullString
	var leftAt sql.NullTime
	err := row.Scan(&p.SessionID, &p.UserID, &username, &p.Role, &p.JoinedAt, &leftAt)
	if err != nil {
		return nil, err
	}
	p.Username = username.String
	if leftAt.Valid {
		p.LeftAt = &leftAt.Time
	}
	return &p, nil
}
