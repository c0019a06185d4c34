// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package dataplane

import (
	"sync"
	"time"
)

// latencyWindow tracks the duration of the most recent commands in a fixed
// ring so a rolling average can be exposed via metrics.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

// newLatencyWindow creates a window over the last size samples.
func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 100
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

// Record inserts one sample, evicting the oldest once the ring is full.
func (w *latencyWindow) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// Average returns the mean of the recorded samples, or zero when empty.
func (w *latencyWindow) Average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < n; i++ {
		total += w.samples[i]
	}
	return total / time.Duration(n)
}

// Count returns the number of samples currently held.
func (w *latencyWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled {
		return len(w.samples)
	}
	return w.next
}
