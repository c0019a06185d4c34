// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package dedup filters repeated operation events before they reach the
// event store. A Bloom filter answers most "never seen" checks without
// touching the exact map; within the dedup window an exact-match map is
// authoritative, so a Bloom false positive can never drop a genuinely
// new event.
package dedup

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/metrics"
)

// Deduplicator tracks recently seen event ids. It combines a Bloom filter
// (space-bounded, no false negatives) with an exact map of ids seen within
// the configured window (authoritative, expiring).
type Deduplicator struct {
	mu sync.Mutex

	bits    []uint64
	size    uint64 // number of bits
	hashFns int

	// recentEvents is the authoritative record of ids seen within the
	// window, keyed by id with the time it was marked.
	recentEvents map[string]time.Time

	capacity int
	fpRate   float64
	window   time.Duration
	interval time.Duration

	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Config sizes the deduplicator.
type Config struct {
	// ExpectedElements is the number of unique ids the filter is sized for.
	ExpectedElements int

	// FalsePositiveRate is the target Bloom false positive probability.
	FalsePositiveRate float64

	// Window is how long an id counts as a duplicate after being marked.
	Window time.Duration

	// CleanupInterval is the cadence of the background expiry sweep. Zero
	// disables the background loop; Cleanup can still be called directly.
	CleanupInterval time.Duration
}

// DefaultConfig returns production sizing: 10k elements at 1% false
// positives over a five minute window.
func DefaultConfig() Config {
	return Config{
		ExpectedElements:  10000,
		FalsePositiveRate: 0.01,
		Window:            5 * time.Minute,
		CleanupInterval:   60 * time.Second,
	}
}

// New builds a deduplicator and starts its cleanup loop when a cleanup
// interval is configured. Call Close to stop the loop.
func New(cfg Config) *Deduplicator {
	if cfg.ExpectedElements <= 0 {
		cfg.ExpectedElements = 10000
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = 0.01
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}

	// m = -n·ln(p) / ln(2)^2 bits, k = (m/n)·ln(2) hash functions.
	n := float64(cfg.ExpectedElements)
	m := int(math.Ceil(-n * math.Log(cfg.FalsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := int(math.Ceil(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}

	words := (m + 63) / 64

	d := &Deduplicator{
		bits:         make([]uint64, words),
		size:         uint64(words * 64),
		hashFns:      k,
		recentEvents: make(map[string]time.Time),
		capacity:     cfg.ExpectedElements,
		fpRate:       cfg.FalsePositiveRate,
		window:       cfg.Window,
		interval:     cfg.CleanupInterval,
		now:          time.Now,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go d.cleanupLoop()
	} else {
		close(d.doneCh)
	}

	logging.Debug().
		Int("bits", int(d.size)).
		Int("hash_fns", k).
		Dur("window", cfg.Window).
		Msg("deduplicator initialized")

	return d
}

// IsDuplicate reports whether id was seen within the window without
// recording it. A Bloom hit with no fresh exact entry is a false positive:
// the id is marked seen and reported as new, so the caller lets the event
// through and the filter and map agree from then on.
func (d *Deduplicator) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkLocked(id, false)
}

// MarkSeen records id without checking it first.
func (d *Deduplicator) MarkSeen(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markLocked(id)
}

// CheckAndMark atomically checks and records id. This is the call sites
// should prefer: a concurrent double-submit of the same id yields exactly
// one false.
func (d *Deduplicator) CheckAndMark(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkLocked(id, true)
}

// checkLocked implements the duplicate decision. markNew controls whether a
// genuinely new id is recorded; false positives are always recorded so the
// filter never misreports the same id twice.
func (d *Deduplicator) checkLocked(id string, markNew bool) bool {
	metrics.DedupChecks.Inc()

	falsePositive := false
	if at, ok := d.recentEvents[id]; ok {
		if d.now().Sub(at) <= d.window {
			metrics.DedupDuplicates.Inc()
			return true
		}
		// Expired entry awaiting the next sweep counts as unseen.
	} else if d.testLocked(id) {
		// The filter claims membership but the exact map disagrees:
		// false positive. Never drop a new event on the filter's word.
		metrics.DedupFalsePositives.Inc()
		falsePositive = true
	}

	if markNew || falsePositive {
		d.markLocked(id)
	}
	return false
}

func (d *Deduplicator) markLocked(id string) {
	for _, h := range d.hashes(id) {
		idx := h % d.size
		d.bits[idx/64] |= 1 << (idx % 64)
	}
	d.recentEvents[id] = d.now()
}

func (d *Deduplicator) testLocked(id string) bool {
	for _, h := range d.hashes(id) {
		idx := h % d.size
		if d.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// hashes derives k bit positions by double hashing: h_i = h1 + i·h2.
func (d *Deduplicator) hashes(id string) []uint64 {
	f1 := fnv.New64a()
	f1.Write([]byte(id))
	h1 := f1.Sum64()

	f2 := fnv.New64()
	f2.Write([]byte(id))
	f2.Write([]byte{0xff})
	h2 := f2.Sum64()

	out := make([]uint64, d.hashFns)
	for i := 0; i < d.hashFns; i++ {
		out[i] = h1 + uint64(i)*h2
	}
	return out
}

// Cleanup drops exact entries older than the window. When fewer than 10%
// of the filter's capacity remain live afterwards, the bit array is
// cleared: the handful of survivors may be re-admitted once, which is
// acceptable because they are already near the end of their window.
// Returns the number of entries removed.
func (d *Deduplicator) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.window)
	removed := 0
	for id, at := range d.recentEvents {
		if at.Before(cutoff) {
			delete(d.recentEvents, id)
			removed++
		}
	}

	if removed > 0 && len(d.recentEvents) < d.capacity/10 {
		for i := range d.bits {
			d.bits[i] = 0
		}
		// Surviving entries keep their exact-map protection; re-seed the
		// filter so Bloom checks stay consistent for them.
		for id := range d.recentEvents {
			for _, h := range d.hashes(id) {
				idx := h % d.size
				d.bits[idx/64] |= 1 << (idx % 64)
			}
		}
		metrics.DedupFilterResets.Inc()
		logging.Debug().
			Int("removed", removed).
			Int("live", len(d.recentEvents)).
			Msg("dedup filter reset")
	}

	return removed
}

// Len returns the number of exact entries currently held, expired or not.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.recentEvents)
}

// Stats describes the deduplicator's sizing and current load.
type Stats struct {
	Bits              uint64  `json:"bits"`
	HashFns           int     `json:"hashFns"`
	Tracked           int     `json:"tracked"`
	Capacity          int     `json:"capacity"`
	FalsePositiveRate float64 `json:"falsePositiveRate"`
}

// Stats returns a snapshot of the filter configuration and load.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Bits:              d.size,
		HashFns:           d.hashFns,
		Tracked:           len(d.recentEvents),
		Capacity:          d.capacity,
		FalsePositiveRate: d.fpRate,
	}
}

func (d *Deduplicator) cleanupLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := d.Cleanup(); removed > 0 {
				logging.Trace().Int("removed", removed).Msg("dedup cleanup sweep")
			}
		case <-d.stopCh:
			return
		}
	}
}

// Close stops the cleanup loop and waits for it to exit. Safe to call
// more than once.
func (d *Deduplicator) Close() {
	d.once.Do(func() { close(d.stopCh) })
	<-d.doneCh
}
