// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package dataplane

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{62, 30 * time.Second}, // must not overflow into a negative duration
	}
	for _, tc := range cases {
		if got := backoffDelay(base, tc.attempt, max); got != tc.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateError:        "error",
		StateReconnecting: "reconnecting",
		State(99):         "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestLatencyWindow(t *testing.T) {
	w := newLatencyWindow(4)

	if w.Average() != 0 {
		t.Fatalf("empty window average = %v, want 0", w.Average())
	}

	w.Record(10 * time.Millisecond)
	w.Record(20 * time.Millisecond)
	w.Record(30 * time.Millisecond)

	if got := w.Average(); got != 20*time.Millisecond {
		t.Errorf("average = %v, want 20ms", got)
	}
	if got := w.Count(); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}

	// Overfill past capacity; only the newest samples survive.
	for i := 0; i < 8; i++ {
		w.Record(5 * time.Millisecond)
	}
	if got := w.Count(); got != 4 {
		t.Errorf("count after overfill = %d, want 4", got)
	}
	if got := w.Average(); got != 5*time.Millisecond {
		t.Errorf("average after overfill = %v, want 5ms", got)
	}
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("boom")
	err := newError("get", base)

	if !errors.Is(err, base) {
		t.Error("wrapped error should match the cause")
	}

	var de *Error
	if !errors.As(err, &de) {
		t.Fatal("expected a *Error")
	}
	if de.Command != "get" {
		t.Errorf("command = %q, want %q", de.Command, "get")
	}

	// The not-found sentinel passes through unwrapped so callers can compare
	// it directly.
	if got := newError("get", ErrKeyNotFound); !errors.Is(got, ErrKeyNotFound) {
		t.Error("ErrKeyNotFound should survive newError")
	}
}
