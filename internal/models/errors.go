// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package models

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure surfaced to clients through the
// protocol error envelope.
type ErrorCode string

const (
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionFull       ErrorCode = "SESSION_FULL"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeDataPlaneError    ErrorCode = "DATA_PLANE_ERROR"
	CodeDatabaseError     ErrorCode = "DATABASE_ERROR"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// protocolCodes maps error codes to the numeric codes carried in the wire
// envelope. Stable; clients switch on these.
var protocolCodes = map[ErrorCode]int{
	CodeSessionNotFound:   4404,
	CodeSessionFull:       4409,
	CodePermissionDenied:  4403,
	CodeRateLimitExceeded: 4429,
	CodeDataPlaneError:    5502,
	CodeDatabaseError:     5503,
	CodeInternalError:     5500,
}

// Number returns the numeric protocol code for the error code.
func (c ErrorCode) Number() int {
	if n, ok := protocolCodes[c]; ok {
		return n
	}
	return protocolCodes[CodeInternalError]
}

// CollabError is a typed error carrying a protocol-visible error code.
// Session and permission failures are returned to callers as CollabErrors so
// the dispatch layer can map them directly onto the wire envelope.
type CollabError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CollabError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *CollabError) Unwrap() error {
	return e.Err
}

// NewError creates a CollabError with the given code and message.
func NewError(code ErrorCode, message string) *CollabError {
	return &CollabError{Code: code, Message: message}
}

// WrapError creates a CollabError wrapping an underlying cause.
func WrapError(code ErrorCode, message string, err error) *CollabError {
	return &CollabError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code from err, or CodeInternalError when err is
// not a CollabError.
func CodeOf(err error) ErrorCode {
	var ce *CollabError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternalError
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
