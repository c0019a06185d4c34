// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package ingest consumes raw operation output, deduplicates it, stores
// it, and republishes the surviving events on the stream topic that the
// WebSocket relay fans out to clients.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pentora/conclave/internal/dedup"
	"github.com/pentora/conclave/internal/events"
	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/models"
	"github.com/pentora/conclave/internal/protocol"
)

// Config wires the router's topics and retry policy.
type Config struct {
	SourceTopic string
	StreamTopic string
	PoisonTopic string

	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	CloseTimeout         time.Duration
}

// DefaultConfig returns production topics and retry policy.
func DefaultConfig() Config {
	return Config{
		SourceTopic:          "operation.output",
		StreamTopic:          "operation.stream",
		PoisonTopic:          "operation.poison",
		RetryMaxRetries:      3,
		RetryInitialInterval: 100 * time.Millisecond,
		CloseTimeout:         30 * time.Second,
	}
}

// Router runs the ingest pipeline: source topic -> dedup -> event store ->
// stream topic. Panics become errors, transient failures retry with
// backoff, and messages that exhaust retries land on the poison topic.
type Router struct {
	router *message.Router
	dedup  *dedup.Deduplicator
	store  *events.Store
}

// NewRouter assembles the pipeline. publisher serves both the stream and
// poison topics.
func NewRouter(
	cfg Config,
	subscriber message.Subscriber,
	publisher message.Publisher,
	dd *dedup.Deduplicator,
	store *events.Store,
	logger watermill.LoggerAdapter,
) (*Router, error) {
	if logger == nil {
		logger = NewLogger()
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create ingest router: %w", err)
	}

	r := &Router{router: wmRouter, dedup: dd, store: store}

	wmRouter.AddMiddleware(middleware.Recoverer)

	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     time.Minute,
		Multiplier:      2.0,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retry.Middleware)

	if cfg.PoisonTopic != "" {
		poison, err := middleware.PoisonQueue(publisher, cfg.PoisonTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue: %w", err)
		}
		wmRouter.AddMiddleware(poison)
	}

	wmRouter.AddHandler(
		"operation-ingest",
		cfg.SourceTopic,
		subscriber,
		cfg.StreamTopic,
		publisher,
		r.handleOperationOutput,
	)

	return r, nil
}

// handleOperationOutput is the pipeline body. Duplicates are acked with no
// output; novel events are buffered, mirrored, and forwarded.
func (r *Router) handleOperationOutput(msg *message.Message) ([]*message.Message, error) {
	var event models.OperationEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		// Not retryable; let the poison queue keep it for inspection.
		return nil, fmt.Errorf("malformed operation event: %w", err)
	}
	if !models.ValidEventType(event.Type) {
		return nil, fmt.Errorf("unknown event type %q", event.Type)
	}
	if event.OperationID == "" {
		return nil, fmt.Errorf("operation event without operation id")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if r.dedup.CheckAndMark(event.ID) {
		logging.Trace().Str("event_id", event.ID).Msg("duplicate operation event dropped")
		return nil, nil
	}

	r.store.StoreEvent(event)

	stream := protocol.OperationStream{
		OperationID: event.OperationID,
		SessionID:   event.SessionID,
		EventID:     event.ID,
		Event:       event,
	}
	payload, err := json.Marshal(stream)
	if err != nil {
		return nil, fmt.Errorf("encode stream message: %w", err)
	}

	out := message.NewMessage(watermill.NewUUID(), payload)
	out.Metadata.Set("operation_id", event.OperationID)
	return []*message.Message{out}, nil
}

// Run blocks until ctx is canceled or the router fails.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running is closed once the router is ready to consume.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close shuts the router down, waiting up to the close timeout for
// in-flight handlers.
func (r *Router) Close() error {
	return r.router.Close()
}
