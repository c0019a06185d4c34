// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package protocol defines the wire messages exchanged with collaboration
// clients and the error envelope their failures map onto.
package protocol

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"

	"github.com/pentora/conclave/internal/models"
)

// MessageType discriminates inbound and outbound frames.
type MessageType string

const (
	TypeHeartbeat      MessageType = "heartbeat"
	TypeCursorUpdate   MessageType = "cursor_update"
	TypePresenceUpdate MessageType = "presence_update"
	TypePresenceDelta  MessageType = "presence_delta"
	TypeSessionJoin    MessageType = "session_join"
	TypeSessionLeave   MessageType = "session_leave"
	TypeSessionCreate  MessageType = "session_create"
	TypeSessionCreated MessageType = "session_created"
	TypeOperationEvent MessageType = "operation.stream"
	TypeError          MessageType = "error"
)

// Envelope is the outer frame: a type tag plus the raw payload, decoded a
// second time into the concrete message once the type is known.
type Envelope struct {
	Type    MessageType     `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Heartbeat keeps a user's presence alive.
type Heartbeat struct {
	SessionID string         `json:"sessionId" validate:"required"`
	Cursor    *models.Cursor `json:"cursor,omitempty"`
}

// CursorUpdate moves a user's cursor within the event stream.
type CursorUpdate struct {
	SessionID string        `json:"sessionId" validate:"required"`
	UserID    string        `json:"userId" validate:"required"`
	Cursor    models.Cursor `json:"cursor"`
}

// PresenceUpdate broadcasts the derived roster to session watchers.
type PresenceUpdate struct {
	SessionID string                  `json:"sessionId"`
	Users     []models.PresenceRecord `json:"users"`
	Timestamp int64                   `json:"timestamp"`
}

// SessionJoin seats the sender in a session.
type SessionJoin struct {
	SessionID string                 `json:"sessionId" validate:"required"`
	Role      models.ParticipantRole `json:"role,omitempty"`
}

// SessionLeave releases the sender's seat.
type SessionLeave struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// SessionCreate opens a session for a running operation.
type SessionCreate struct {
	OperationID string         `json:"operationId" validate:"required"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SessionCreated answers a successful SessionCreate.
type SessionCreated struct {
	Session *models.Session `json:"session"`
}

// OperationStream carries one deduplicated operation event to clients.
type OperationStream struct {
	OperationID string                `json:"operationId" validate:"required"`
	SessionID   string                `json:"sessionId,omitempty"`
	EventID     string                `json:"eventId" validate:"required"`
	Event       models.OperationEvent `json:"event"`
}

// ErrorMessage is the wire error envelope. Code carries the numeric
// protocol code clients switch on.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Details string      `json:"details,omitempty"`
}

// NewErrorMessage maps any error onto the wire envelope. CollabErrors keep
// their protocol code; everything else reads as internal.
func NewErrorMessage(err error) ErrorMessage {
	code := models.CodeOf(err)
	msg := ErrorMessage{
		Type: TypeError,
		Code: code.Number(),
	}

	var ce *models.CollabError
	if errors.As(err, &ce) {
		msg.Message = ce.Message
		if ce.Err != nil {
			msg.Details = ce.Err.Error()
		}
		return msg
	}
	msg.Message = "internal error"
	return msg
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses and validates a typed payload.
func Decode[T any](payload json.RawMessage) (*T, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("validate message: %w", err)
	}
	return &msg, nil
}

// Encode wraps a typed payload in the outer envelope.
func Encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}
