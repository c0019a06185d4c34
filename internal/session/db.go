// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package session owns the collaboration session lifecycle: creation,
// membership with atomic capacity enforcement, permission resolution, and
// archival. It is backed by a relational store rather than the data plane
// because capacity enforcement needs a transactional conditional write.
package session

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection used by the session store.
type DB struct {
	*sql.DB
}

// OpenDB opens the session database and applies the schema.
func OpenDB(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// Serialize writers at the driver level; the capacity check relies on
	// the conditional insert seeing a consistent count.
	db.SetMaxOpenConns(1)

	wrapped := &DB{db}
	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return wrapped, nil
}

func (db *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL UNIQUE,
    operation_id TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('active', 'completed', 'failed')),
    target TEXT,
    objective TEXT,
    metadata TEXT,
    max_participants INTEGER NOT NULL,
    start_time TIMESTAMP NOT NULL,
    end_time TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_operation ON sessions(operation_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS participants (
    session_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    username TEXT,
    role TEXT NOT NULL CHECK(role IN ('viewer', 'commenter', 'operator')),
    joined_at TIMESTAMP NOT NULL,
    left_at TIMESTAMP,
    PRIMARY KEY (session_id, user_id),
    FOREIGN KEY (session_id) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply session schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed")
}
