// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package dataplane

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryKV(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("get missing = %v, want ErrKeyNotFound", err)
	}

	if err := m.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v1" {
		t.Errorf("get = %q, want v1", got)
	}

	if err := m.Del(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "k1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("get after del = %v, want ErrKeyNotFound", err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "ephemeral", []byte("x"), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "ephemeral"); err != nil {
		t.Fatalf("fresh key should be present: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	if _, err := m.Get(ctx, "ephemeral"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expired key get = %v, want ErrKeyNotFound", err)
	}

	keys, err := m.Keys(ctx, "ephem*")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("Keys should skip expired entries, got %v", keys)
	}
}

func TestMemoryKeysPattern(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, k := range []string{"presence:s1:u1", "presence:s1:u2", "presence:s2:u1", "events:s1"} {
		if err := m.Set(ctx, k, []byte("1"), 0); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := m.Keys(ctx, "presence:s1:*")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("prefix match = %v, want 2 keys", keys)
	}

	keys, err = m.Keys(ctx, "events:s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "events:s1" {
		t.Errorf("exact match = %v, want [events:s1]", keys)
	}
}

func TestMemorySortedSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.ZAdd(ctx, "roster", "carol", 3); err != nil {
		t.Fatal(err)
	}
	if err := m.ZAdd(ctx, "roster", "alice", 1); err != nil {
		t.Fatal(err)
	}
	if err := m.ZAdd(ctx, "roster", "bob", 2); err != nil {
		t.Fatal(err)
	}

	got, err := m.ZRange(ctx, "roster", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alice", "bob", "carol"}
	if len(got) != len(want) {
		t.Fatalf("range = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].Member != want[i] {
			t.Errorf("index %d = %q, want %q", i, got[i].Member, want[i])
		}
	}

	// Re-adding with a new score repositions the member.
	if err := m.ZAdd(ctx, "roster", "alice", 10); err != nil {
		t.Fatal(err)
	}
	got, _ = m.ZRange(ctx, "roster", -1, -1)
	if len(got) != 1 || got[0].Member != "alice" {
		t.Errorf("highest member = %v, want alice", got)
	}

	// Removal is idempotent.
	if err := m.ZRem(ctx, "roster", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := m.ZRem(ctx, "roster", "bob"); err != nil {
		t.Fatal(err)
	}
	got, _ = m.ZRange(ctx, "roster", 0, -1)
	if len(got) != 2 {
		t.Errorf("after removals = %v, want 2 members", got)
	}
}

func TestMemoryPubSub(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var received [][]byte
	sub, err := m.Subscribe(ctx, "deltas", func(payload []byte) {
		received = append(received, payload)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Publish(ctx, "deltas", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := m.Publish(ctx, "other", []byte("ignored")); err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 || string(received[0]) != "one" {
		t.Fatalf("received = %v, want [one]", received)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if err := m.Publish(ctx, "deltas", []byte("two")); err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 {
		t.Errorf("delivery after unsubscribe: %v", received)
	}
}

func TestMemoryFlushAll(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_ = m.Set(ctx, "k", []byte("v"), 0)
	_ = m.ZAdd(ctx, "z", "m", 1)

	if err := m.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrKeyNotFound) {
		t.Error("kv should be empty after flush")
	}
	members, _ := m.ZRange(ctx, "z", 0, -1)
	if len(members) != 0 {
		t.Error("zsets should be empty after flush")
	}
}
