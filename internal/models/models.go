// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package models defines the shared domain types for the presence and
// event-coordination engine: sessions, participants, presence records, and
// operation events.
package models

import "time"

// SessionStatus is the lifecycle state of a collaboration session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// ParticipantRole is a participant's capability level within a session.
type ParticipantRole string

const (
	RoleViewer    ParticipantRole = "viewer"
	RoleCommenter ParticipantRole = "commenter"
	RoleOperator  ParticipantRole = "operator"
)

// ValidRole reports whether r is one of the known participant roles.
func ValidRole(r ParticipantRole) bool {
	switch r {
	case RoleViewer, RoleCommenter, RoleOperator:
		return true
	}
	return false
}

// Action is a permission-checked operation on a session.
type Action string

const (
	ActionView    Action = "view"
	ActionComment Action = "comment"
	ActionOperate Action = "operate"
	ActionManage  Action = "manage"
)

// Session is a collaboration room bound to one running operation.
type Session struct {
	// ID is the primary key (uuid).
	ID string `json:"id"`

	// SessionID is the human-readable identifier (date + random suffix),
	// e.g. "sess-20260831-a3f9c1".
	SessionID string `json:"sessionId"`

	OperationID string        `json:"operationId"`
	OwnerID     string        `json:"ownerId"`
	Status      SessionStatus `json:"status"`
	Target      string        `json:"target,omitempty"`
	Objective   string        `json:"objective,omitempty"`

	// Metadata carries arbitrary session settings. The "isPublic" key grants
	// view permission to non-participants when true.
	Metadata map[string]any `json:"metadata,omitempty"`

	MaxParticipants int        `json:"maxParticipants"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
}

// IsPublic reports whether the session metadata marks it publicly viewable.
func (s *Session) IsPublic() bool {
	if s.Metadata == nil {
		return false
	}
	public, ok := s.Metadata["isPublic"].(bool)
	return ok && public
}

// Participant is a user's membership in a session. A participant with a
// non-nil LeftAt has left and no longer counts against capacity.
type Participant struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Username  string          `json:"username,omitempty"`
	Role      ParticipantRole `json:"role"`
	JoinedAt  time.Time       `json:"joinedAt"`
	LeftAt    *time.Time      `json:"leftAt,omitempty"`
}

// Active reports whether the participant currently occupies a seat.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}

// PresenceStatus is a user's live status within a session.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Cursor is a user's position within the event stream.
type Cursor struct {
	EventID  string `json:"eventId,omitempty"`
	Position int    `json:"position"`
}

// PresenceRecord is a user's live status in a session. Stored with a TTL as
// a backstop; the authoritative liveness decision is derived from LastSeen
// at read time.
type PresenceRecord struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Username  string          `json:"username"`
	Role      ParticipantRole `json:"role"`
	Status    PresenceStatus  `json:"status"`

	// LastSeen is epoch milliseconds of the most recent heartbeat or update.
	// Monotonically non-decreasing while the record exists.
	LastSeen int64 `json:"lastSeen"`

	Cursor   *Cursor `json:"cursor,omitempty"`
	Activity string  `json:"activity,omitempty"`
}

// PresenceDeltaType identifies the kind of presence change broadcast to
// session subscribers.
type PresenceDeltaType string

const (
	DeltaOnline   PresenceDeltaType = "online"
	DeltaOffline  PresenceDeltaType = "offline"
	DeltaCursor   PresenceDeltaType = "cursor"
	DeltaActivity PresenceDeltaType = "activity"
)

// PresenceDelta is one presence change published on a session's channel.
type PresenceDelta struct {
	Type      PresenceDeltaType `json:"type"`
	SessionID string            `json:"sessionId"`
	UserID    string            `json:"userId"`
	Timestamp int64             `json:"timestamp"`
	Data      map[string]any    `json:"data,omitempty"`
}

// EventType classifies one unit of streamed operation output.
type EventType string

const (
	EventStdout     EventType = "stdout"
	EventStderr     EventType = "stderr"
	EventToolStart  EventType = "tool_start"
	EventToolEnd    EventType = "tool_end"
	EventReasoning  EventType = "reasoning"
	EventStepHeader EventType = "step_header"
	EventError      EventType = "error"
	EventMetrics    EventType = "metrics"
	EventCompletion EventType = "completion"
)

// ValidEventType reports whether t is one of the known event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventStdout, EventStderr, EventToolStart, EventToolEnd,
		EventReasoning, EventStepHeader, EventError, EventMetrics, EventCompletion:
		return true
	}
	return false
}

// OperationEvent is one unit of streamed operation output. Events are
// immutable once created.
type OperationEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Content     string         `json:"content"`
	Timestamp   time.Time      `json:"timestamp"`
	OperationID string         `json:"operationId"`
	SessionID   string         `json:"sessionId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
