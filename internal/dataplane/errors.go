// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package dataplane

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrNotConnected is returned when a command is issued while the client is
// not in the connected state.
var ErrNotConnected = errors.New("data plane not connected")

// ErrCommandTimeout is returned when a command exceeds the configured
// command timeout.
var ErrCommandTimeout = errors.New("command timeout")

// ErrMaxRetriesExceeded is the terminal reconnect failure. Once surfaced the
// client will not recover on its own; a supervisory layer must treat it as fatal.
var ErrMaxRetriesExceeded = errors.New("max reconnect retries exceeded")

// ErrClosed is returned when the client has been disconnected.
var ErrClosed = errors.New("client closed")

// Error is a typed data-plane failure carrying the command that failed.
// Callers decide whether to retry; the client never retries commands itself.
type Error struct {
	// Command is the data-plane operation name ("get", "zadd", "publish", ...).
	Command string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("data plane %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps err as a command-scoped data-plane error. Sentinels that are
// part of the contract (key not found) pass through unwrapped so callers can
// compare directly.
func newError(command string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrKeyNotFound) {
		return err
	}
	return &Error{Command: command, Err: err}
}
