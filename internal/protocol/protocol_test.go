// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package protocol

import (
	"errors"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/pentora/conclave/internal/models"
)

func TestDecodeHeartbeat(t *testing.T) {
	hb, err := Decode[Heartbeat](json.RawMessage(`{"sessionId":"s1","cursor":{"eventId":"e1","position":3}}`))
	if err != nil {
		t.Fatal(err)
	}
	if hb.SessionID != "s1" || hb.Cursor == nil || hb.Cursor.Position != 3 {
		t.Errorf("decoded = %+v", hb)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	if _, err := Decode[Heartbeat](json.RawMessage(`{}`)); err == nil {
		t.Error("heartbeat without sessionId should fail validation")
	}
	if _, err := Decode[CursorUpdate](json.RawMessage(`{"sessionId":"s1"}`)); err == nil {
		t.Error("cursor update without userId should fail validation")
	}
	if _, err := Decode[Heartbeat](json.RawMessage(`not json`)); err == nil {
		t.Error("malformed json should fail")
	}
}

func TestEncodeEnvelope(t *testing.T) {
	raw, err := Encode(TypeSessionLeave, SessionLeave{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeSessionLeave {
		t.Errorf("type = %s", env.Type)
	}
	leave, err := Decode[SessionLeave](env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if leave.SessionID != "s1" {
		t.Errorf("round trip lost session id: %+v", leave)
	}
}

func TestErrorEnvelope(t *testing.T) {
	cases := []struct {
		err      error
		wantCode int
		wantMsg  string
	}{
		{models.NewError(models.CodeSessionFull, "session is at capacity"), 4409, "session is at capacity"},
		{models.NewError(models.CodeSessionNotFound, "session not found"), 4404, "session not found"},
		{models.WrapError(models.CodeDataPlaneError, "store down", errors.New("dial refused")), 5502, "store down"},
		{errors.New("plain failure"), 5500, "internal error"},
	}
	for _, tc := range cases {
		msg := NewErrorMessage(tc.err)
		if msg.Type != TypeError {
			t.Errorf("type = %s", msg.Type)
		}
		if msg.Code != tc.wantCode {
			t.Errorf("code = %d, want %d", msg.Code, tc.wantCode)
		}
		if msg.Message != tc.wantMsg {
			t.Errorf("message = %q, want %q", msg.Message, tc.wantMsg)
		}
	}

	// Internal causes surface in details, not in the user-facing message.
	msg := NewErrorMessage(models.WrapError(models.CodeDatabaseError, "failed to join", errors.New("disk io")))
	if msg.Details != "disk io" {
		t.Errorf("details = %q", msg.Details)
	}
}
