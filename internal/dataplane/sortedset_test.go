// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package dataplane

import (
	"bytes"
	"math"
	"testing"
)

func TestEncodeScoreOrdering(t *testing.T) {
	scores := []float64{
		math.Inf(-1), -1e9, -3.5, -1, -0.25, 0, 0.25, 1, 3.5, 1e9, math.Inf(1),
	}
	for i := 1; i < len(scores); i++ {
		a := encodeScore(scores[i-1])
		b := encodeScore(scores[i])
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("encoding not order-preserving: %v >= %v", scores[i-1], scores[i])
		}
	}
}

func TestEncodeScoreRoundTrip(t *testing.T) {
	for _, s := range []float64{-1234.5, -1, 0, 0.001, 42, 1e12} {
		if got := decodeScore(encodeScore(s)); got != s {
			t.Errorf("round trip %v -> %v", s, got)
		}
	}
}

func TestSliceRange(t *testing.T) {
	members := []ZMember{
		{Member: "a", Score: 1},
		{Member: "b", Score: 2},
		{Member: "c", Score: 3},
		{Member: "d", Score: 4},
	}

	cases := []struct {
		name        string
		start, stop int
		want        []string
	}{
		{"full", 0, -1, []string{"a", "b", "c", "d"}},
		{"head", 0, 1, []string{"a", "b"}},
		{"middle", 1, 2, []string{"b", "c"}},
		{"tail via negatives", -2, -1, []string{"c", "d"}},
		{"stop past end", 2, 100, []string{"c", "d"}},
		{"start past end", 10, 20, nil},
		{"inverted", 3, 1, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sliceRange(members, tc.start, tc.stop)
			if len(got) != len(tc.want) {
				t.Fatalf("len = %d, want %d (%v)", len(got), len(tc.want), got)
			}
			for i, m := range got {
				if m.Member != tc.want[i] {
					t.Errorf("index %d = %q, want %q", i, m.Member, tc.want[i])
				}
			}
		})
	}
}
