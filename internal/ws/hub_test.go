// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package ws

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"

	"github.com/pentora/conclave/internal/dataplane"
	"github.com/pentora/conclave/internal/models"
	"github.com/pentora/conclave/internal/presence"
	"github.com/pentora/conclave/internal/protocol"
)

func newHubClient(sessionID, operationID string) *Client {
	return &Client{
		sessionID:   sessionID,
		operationID: operationID,
		send:        make(chan []byte, 16),
	}
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, cancel
}

func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case payload := <-c.send:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload := <-c.send:
		t.Fatalf("unexpected frame: %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubRoutesByScope(t *testing.T) {
	h, _ := startHub(t)

	sessionWatcher := newHubClient("s1", "")
	operationWatcher := newHubClient("", "op1")
	other := newHubClient("s2", "op2")
	for _, c := range []*Client{sessionWatcher, operationWatcher, other} {
		h.register <- c
	}

	h.BroadcastToSession("s1", []byte("session frame"))
	if got := recv(t, sessionWatcher); string(got) != "session frame" {
		t.Errorf("session watcher got %q", got)
	}
	expectNothing(t, operationWatcher)
	expectNothing(t, other)

	h.BroadcastToOperation("op1", []byte("operation frame"))
	if got := recv(t, operationWatcher); string(got) != "operation frame" {
		t.Errorf("operation watcher got %q", got)
	}
	expectNothing(t, sessionWatcher)
	expectNothing(t, other)
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	h, cancel := startHub(t)

	c := newHubClient("s1", "")
	h.register <- c

	cancel()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("expected closed send channel, got frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed on shutdown")
	}
}

func TestClientScopeMatching(t *testing.T) {
	c := newHubClient("s1", "op1")

	cases := []struct {
		f    frame
		want bool
	}{
		{frame{sessionID: "s1"}, true},
		{frame{operationID: "op1"}, true},
		{frame{sessionID: "s2"}, false},
		{frame{operationID: "op2"}, false},
		{frame{}, true}, // unscoped frames reach everyone
		{frame{sessionID: "s2", operationID: "op1"}, true},
	}
	for i, tc := range cases {
		if got := c.wants(tc.f); got != tc.want {
			t.Errorf("case %d: wants(%+v) = %v, want %v", i, tc.f, got, tc.want)
		}
	}
}

func TestRelayStreamFanOut(t *testing.T) {
	h, _ := startHub(t)

	watcher := newHubClient("", "op1")
	h.register <- watcher

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	relay := NewRelay(h, nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx, pubsub, "operation.stream") }()
	time.Sleep(50 * time.Millisecond) // let the subscription attach

	stream := protocol.OperationStream{
		OperationID: "op1",
		EventID:     "evt-1",
		Event: models.OperationEvent{
			ID:          "evt-1",
			Type:        models.EventStdout,
			Content:     "hello",
			OperationID: "op1",
		},
	}
	payload, _ := json.Marshal(stream)
	if err := pubsub.Publish("operation.stream", message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		t.Fatal(err)
	}

	raw := recv(t, watcher)
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypeOperationEvent {
		t.Errorf("frame type = %s", env.Type)
	}
	got, err := protocol.Decode[protocol.OperationStream](env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.EventID != "evt-1" {
		t.Errorf("event id = %s", got.EventID)
	}
}

func TestRelayPresenceWatch(t *testing.T) {
	h, _ := startHub(t)

	watcher := newHubClient("s1", "")
	h.register <- watcher

	mem := dataplane.NewMemory()
	pm := presence.NewManager(mem, nil, presence.DefaultConfig())
	defer pm.Shutdown()

	relay := NewRelay(h, pm, 0)
	defer relay.Close()

	ctx := context.Background()
	if err := relay.WatchSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	// Watching twice is a no-op, not a second subscription.
	if err := relay.WatchSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	if err := pm.SetPresence(ctx, "s1", "u1", models.PresenceOnline, nil); err != nil {
		t.Fatal(err)
	}

	raw := recv(t, watcher)
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypePresenceDelta {
		t.Errorf("frame type = %s", env.Type)
	}

	var delta models.PresenceDelta
	if err := json.Unmarshal(env.Payload, &delta); err != nil {
		t.Fatal(err)
	}
	if delta.Type != models.DeltaOnline || delta.UserID != "u1" {
		t.Errorf("delta = %+v", delta)
	}

	// After watching twice there must still be exactly one frame.
	expectNothing(t, watcher)
}

func TestRelayWatchesAfterRestart(t *testing.T) {
	h, _ := startHub(t)

	watcher := newHubClient("s1", "")
	h.register <- watcher

	mem := dataplane.NewMemory()
	pm := presence.NewManager(mem, nil, presence.DefaultConfig())
	defer pm.Shutdown()

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	relay := NewRelay(h, pm, 0)
	defer relay.Close()

	runCtx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = relay.Run(runCtx, pubsub, "operation.stream")
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancelRun()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}

	// A supervised restart re-enters Run; session watches must work again.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx, pubsub, "operation.stream") }()
	time.Sleep(50 * time.Millisecond)

	if err := relay.WatchSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := pm.SetPresence(ctx, "s1", "u1", models.PresenceOnline, nil); err != nil {
		t.Fatal(err)
	}

	raw := recv(t, watcher)
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypePresenceDelta {
		t.Errorf("frame type = %s, want presence delta", env.Type)
	}
}
