// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"

	"github.com/pentora/conclave/internal/dataplane"
	"github.com/pentora/conclave/internal/dedup"
	"github.com/pentora/conclave/internal/events"
	"github.com/pentora/conclave/internal/models"
	"github.com/pentora/conclave/internal/protocol"
)

func startTestRouter(t *testing.T) (*gochannel.GoChannel, *events.Store, context.CancelFunc) {
	t.Helper()

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	dd := dedup.New(dedup.Config{
		ExpectedElements:  100,
		FalsePositiveRate: 0.01,
		Window:            time.Minute,
	})
	store := events.NewStore(dataplane.NewMemory(), events.Config{
		MaxEventsPerOperation: 100,
		RetentionHours:        24,
	})

	cfg := DefaultConfig()
	cfg.RetryMaxRetries = 0
	r, err := NewRouter(cfg, pubsub, pubsub, dd, store, watermill.NopLogger{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			t.Errorf("router stopped: %v", err)
		}
	}()
	<-r.Running()

	t.Cleanup(func() {
		cancel()
		_ = r.Close()
		dd.Close()
		store.Close()
	})
	return pubsub, store, cancel
}

func publishRaw(t *testing.T, pubsub *gochannel.GoChannel, event models.OperationEvent) {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	if err := pubsub.Publish(DefaultConfig().SourceTopic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		t.Fatal(err)
	}
}

func TestPipelineDeduplicatesAndForwards(t *testing.T) {
	pubsub, store, _ := startTestRouter(t)

	streamCh, err := pubsub.Subscribe(context.Background(), DefaultConfig().StreamTopic)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	evt := models.OperationEvent{
		ID:          "evt-1",
		Type:        models.EventStdout,
		Content:     "nmap -sV started",
		Timestamp:   now,
		OperationID: "op-1",
	}
	publishRaw(t, pubsub, evt)
	publishRaw(t, pubsub, evt) // duplicate, must be swallowed
	publishRaw(t, pubsub, models.OperationEvent{
		ID:          "evt-2",
		Type:        models.EventToolStart,
		Content:     "gobuster",
		Timestamp:   now,
		OperationID: "op-1",
	})

	var forwarded []protocol.OperationStream
	timeout := time.After(5 * time.Second)
	for len(forwarded) < 2 {
		select {
		case msg := <-streamCh:
			var stream protocol.OperationStream
			if err := json.Unmarshal(msg.Payload, &stream); err != nil {
				t.Fatal(err)
			}
			forwarded = append(forwarded, stream)
			msg.Ack()
		case <-timeout:
			t.Fatalf("forwarded %d messages, want 2", len(forwarded))
		}
	}

	// No third message arrives for the duplicate.
	select {
	case msg := <-streamCh:
		var stream protocol.OperationStream
		_ = json.Unmarshal(msg.Payload, &stream)
		t.Fatalf("unexpected extra stream message: %+v", stream)
	case <-time.After(200 * time.Millisecond):
	}

	if forwarded[0].EventID != "evt-1" || forwarded[1].EventID != "evt-2" {
		t.Errorf("forwarded ids = %s, %s", forwarded[0].EventID, forwarded[1].EventID)
	}

	// Both unique events reached the store.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && store.BufferedCount("op-1") < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := store.BufferedCount("op-1"); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
}

func TestPipelineAssignsMissingIDs(t *testing.T) {
	pubsub, _, _ := startTestRouter(t)

	streamCh, err := pubsub.Subscribe(context.Background(), DefaultConfig().StreamTopic)
	if err != nil {
		t.Fatal(err)
	}

	publishRaw(t, pubsub, models.OperationEvent{
		Type:        models.EventStderr,
		Content:     "connection refused",
		OperationID: "op-2",
	})

	select {
	case msg := <-streamCh:
		var stream protocol.OperationStream
		if err := json.Unmarshal(msg.Payload, &stream); err != nil {
			t.Fatal(err)
		}
		msg.Ack()
		if stream.EventID == "" || stream.Event.Timestamp.IsZero() {
			t.Errorf("missing id/timestamp not filled in: %+v", stream)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no stream message for event without id")
	}
}
