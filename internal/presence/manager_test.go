// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pentora/conclave/internal/dataplane"
	"github.com/pentora/conclave/internal/models"
)

type staticLookup struct{}

func (staticLookup) LookupUser(_ context.Context, _, userID string) (string, models.ParticipantRole, error) {
	return "name-" + userID, models.RoleOperator, nil
}

func newTestManager(cfg Config) (*Manager, *dataplane.Memory) {
	mem := dataplane.NewMemory()
	return NewManager(mem, staticLookup{}, cfg), mem
}

func TestSetPresenceAndRead(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	defer m.Shutdown()
	ctx := context.Background()

	if err := m.SetPresence(ctx, "s1", "u1", models.PresenceOnline, nil); err != nil {
		t.Fatal(err)
	}

	users := m.GetOnlineUsers(ctx, "s1")
	if len(users) != 1 {
		t.Fatalf("got %d users, want 1", len(users))
	}
	u := users[0]
	if u.Username != "name-u1" || u.Role != models.RoleOperator {
		t.Errorf("lookup not applied: %+v", u)
	}
	if u.Status != models.PresenceOnline {
		t.Errorf("status = %s, want online", u.Status)
	}

	if got := m.GetUserCount(ctx, "s1"); got != 1 {
		t.Errorf("user count = %d, want 1", got)
	}
}

func TestStatusDerivation(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	defer m.Shutdown()
	ctx := context.Background()

	base := time.Now()
	now := base
	m.now = func() time.Time { return now }

	if err := m.SetPresence(ctx, "s1", "u1", models.PresenceOnline, nil); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		silence time.Duration
		want    models.PresenceStatus
	}{
		{10 * time.Second, models.PresenceOnline},
		{29 * time.Second, models.PresenceOnline},
		// Past the heartbeat deadline the user is gone, even though the
		// away threshold (120s) has not been reached.
		{31 * time.Second, models.PresenceOffline},
		{150 * time.Second, models.PresenceOffline},
	}
	for _, tc := range cases {
		now = base.Add(tc.silence)
		users := m.GetOnlineUsers(ctx, "s1")
		if len(users) != 1 {
			t.Fatalf("silence %v: got %d users", tc.silence, len(users))
		}
		if users[0].Status != tc.want {
			t.Errorf("silence %v: status = %s, want %s", tc.silence, users[0].Status, tc.want)
		}
	}

	// Derivation must not write back: the stored record still says online.
	raw, err := m.readRecord(ctx, "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if raw.Status != models.PresenceOnline {
		t.Errorf("stored status mutated to %s", raw.Status)
	}
}

func TestAwayReachableWithShortThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AwayThreshold = 10 * time.Second
	m, _ := newTestManager(cfg)
	defer m.Shutdown()
	ctx := context.Background()

	base := time.Now()
	now := base
	m.now = func() time.Time { return now }

	if err := m.SetPresence(ctx, "s1", "u1", models.PresenceOnline, nil); err != nil {
		t.Fatal(err)
	}

	now = base.Add(15 * time.Second)
	users := m.GetOnlineUsers(ctx, "s1")
	if len(users) != 1 || users[0].Status != models.PresenceAway {
		t.Errorf("15s silence with 10s away threshold: %+v", users)
	}
}

func TestHeartbeatMonotonicLastSeen(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	defer m.Shutdown()
	ctx := context.Background()

	base := time.Now()
	now := base
	m.now = func() time.Time { return now }

	if err := m.SetPresence(ctx, "s1", "u1", models.PresenceOnline, nil); err != nil {
		t.Fatal(err)
	}
	first, _ := m.readRecord(ctx, "s1", "u1")

	// A clock that stepped backwards must not regress lastSeen.
	now = base.Add(-time.Second)
	if err := m.ProcessHeartbeat(ctx, "s1", "u1", nil); err != nil {
		t.Fatal(err)
	}
	after, _ := m.readRecord(ctx, "s1", "u1")
	if after.LastSeen < first.LastSeen {
		t.Errorf("lastSeen regressed: %d -> %d", first.LastSeen, after.LastSeen)
	}

	now = base.Add(5 * time.Second)
	if err := m.ProcessHeartbeat(ctx, "s1", "u1", nil); err != nil {
		t.Fatal(err)
	}
	final, _ := m.readRecord(ctx, "s1", "u1")
	if final.LastSeen <= first.LastSeen {
		t.Errorf("lastSeen did not advance: %d -> %d", first.LastSeen, final.LastSeen)
	}
}

func TestHeartbeatBootstrapsRecord(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	defer m.Shutdown()
	ctx := context.Background()

	if err := m.ProcessHeartbeat(ctx, "s1", "ghost", nil); err != nil {
		t.Fatal(err)
	}
	users := m.GetOnlineUsers(ctx, "s1")
	if len(users) != 1 || users[0].UserID != "ghost" {
		t.Errorf("heartbeat without record should create one: %+v", users)
	}
}

func TestUpdateCursor(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	defer m.Shutdown()
	ctx := context.Background()

	var mu sync.Mutex
	var deltas []models.PresenceDelta
	_, err := m.SubscribeToPresence(ctx, "s1", func(d models.PresenceDelta) {
		mu.Lock()
		deltas = append(deltas, d)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	// No record yet: bootstraps presence (online delta).
	if err := m.UpdateCursor(ctx, "s1", "u1", models.Cursor{EventID: "e1", Position: 5}); err != nil {
		t.Fatal(err)
	}
	rec, err := m.readRecord(ctx, "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Cursor == nil || rec.Cursor.EventID != "e1" {
		t.Errorf("cursor not stored: %+v", rec.Cursor)
	}

	// Existing record: cursor delta.
	if err := m.UpdateCursor(ctx, "s1", "u1", models.Cursor{EventID: "e2", Position: 9}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(deltas))
	}
	if deltas[0].Type != models.DeltaOnline || deltas[1].Type != models.DeltaCursor {
		t.Errorf("delta types = %s, %s", deltas[0].Type, deltas[1].Type)
	}
}

func TestRemovePresenceIdempotent(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	defer m.Shutdown()
	ctx := context.Background()

	var mu sync.Mutex
	var offline int
	if _, err := m.SubscribeToPresence(ctx, "s1", func(delta models.PresenceDelta) {
		if delta.Type == models.DeltaOffline {
			mu.Lock()
			offline++
			mu.Unlock()
		}
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.SetPresence(ctx, "s1", "u1", models.PresenceOnline, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.RemovePresence(ctx, "s1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := m.RemovePresence(ctx, "s1", "u1"); err != nil {
		t.Fatalf("second removal should be a no-op, got %v", err)
	}

	if users := m.GetOnlineUsers(ctx, "s1"); len(users) != 0 {
		t.Errorf("record survived removal: %+v", users)
	}
	if got := m.GetUserCount(ctx, "s1"); got != 0 {
		t.Errorf("roster survived removal: %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if offline != 1 {
		t.Errorf("offline deltas after double removal = %d, want 1", offline)
	}
}

func TestUserCountPrunesStaleRosterMembers(t *testing.T) {
	m, mem := newTestManager(DefaultConfig())
	defer m.Shutdown()
	ctx := context.Background()

	if err := m.SetPresence(ctx, "s1", "u1", models.PresenceOnline, nil); err != nil {
		t.Fatal(err)
	}
	// A roster member left behind by a crash: no presence record backs it.
	if err := mem.ZAdd(ctx, rosterKey("s1"), "ghost", 1); err != nil {
		t.Fatal(err)
	}

	if got := m.GetUserCount(ctx, "s1"); got != 1 {
		t.Errorf("count = %d, want 1 live member", got)
	}

	// The orphan is gone from the roster after the read.
	members, err := mem.ZRange(ctx, rosterKey("s1"), 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].Member != "u1" {
		t.Errorf("roster after prune = %+v, want only u1", members)
	}
}

func TestHeartbeatTimeoutRemoves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	m, _ := newTestManager(cfg)
	defer m.Shutdown()
	ctx := context.Background()

	var mu sync.Mutex
	var offline int
	_, err := m.SubscribeToPresence(ctx, "s1", func(d models.PresenceDelta) {
		if d.Type == models.DeltaOffline {
			mu.Lock()
			offline++
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.SetPresence(ctx, "s1", "u1", models.PresenceOnline, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.readRecord(ctx, "s1", "u1"); errors.Is(err, dataplane.ErrKeyNotFound) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := m.readRecord(ctx, "s1", "u1"); !errors.Is(err, dataplane.ErrKeyNotFound) {
		t.Fatal("record should be removed after heartbeat timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if offline != 1 {
		t.Errorf("offline deltas = %d, want 1", offline)
	}
}

func TestHeartbeatKeepsUserAlive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 60 * time.Millisecond
	m, _ := newTestManager(cfg)
	defer m.Shutdown()
	ctx := context.Background()

	if err := m.SetPresence(ctx, "s1", "u1", models.PresenceOnline, nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		time.Sleep(25 * time.Millisecond)
		if err := m.ProcessHeartbeat(ctx, "s1", "u1", nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.readRecord(ctx, "s1", "u1"); err != nil {
		t.Errorf("record should survive while heartbeats keep arriving: %v", err)
	}
}

type brokenKeys struct {
	*dataplane.Memory
}

func (b brokenKeys) Keys(context.Context, string) ([]string, error) {
	return nil, errors.New("store unreachable")
}

func (b brokenKeys) ZRange(context.Context, string, int, int) ([]dataplane.ZMember, error) {
	return nil, errors.New("store unreachable")
}

func TestReadPathsDegrade(t *testing.T) {
	m := NewManager(brokenKeys{dataplane.NewMemory()}, nil, DefaultConfig())
	defer m.Shutdown()
	ctx := context.Background()

	if users := m.GetOnlineUsers(ctx, "s1"); users != nil {
		t.Errorf("degraded read = %v, want empty", users)
	}
	if got := m.GetUserCount(ctx, "s1"); got != 0 {
		t.Errorf("degraded count = %d, want 0", got)
	}
}
