// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package ws

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/pentora/conclave/internal/dataplane"
	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/models"
	"github.com/pentora/conclave/internal/presence"
	"github.com/pentora/conclave/internal/protocol"
)

// Relay bridges the stream topic and presence channels into the hub.
// Operation events arrive over the ingest pipeline's output topic;
// presence deltas arrive over the data plane's per-session channels.
type Relay struct {
	hub      *Hub
	presence *presence.Manager
	limiter  *rate.Limiter

	mu       sync.Mutex
	watched  map[string]dataplane.Subscription
	shutdown bool
}

// NewRelay builds a relay. eventsPerSecond throttles stream fan-out to
// protect slow clients during output bursts; zero disables the throttle.
func NewRelay(hub *Hub, pm *presence.Manager, eventsPerSecond float64) *Relay {
	var limiter *rate.Limiter
	if eventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), int(eventsPerSecond))
	}
	return &Relay{
		hub:      hub,
		presence: pm,
		limiter:  limiter,
		watched:  make(map[string]dataplane.Subscription),
	}
}

// Run consumes the stream topic until ctx is canceled. Run may be called
// again after it returns (supervised restart); watches accumulated before
// the restart are dropped and re-established by the next WatchSession.
func (r *Relay) Run(ctx context.Context, subscriber message.Subscriber, streamTopic string) error {
	r.mu.Lock()
	r.shutdown = false
	r.mu.Unlock()

	msgs, err := subscriber.Subscribe(ctx, streamTopic)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				r.Close()
				return nil
			}
			r.relayStreamMessage(ctx, msg)
		}
	}
}

func (r *Relay) relayStreamMessage(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
	}

	var stream protocol.OperationStream
	if err := json.Unmarshal(msg.Payload, &stream); err != nil {
		logging.Warn().Err(err).Msg("malformed stream message dropped")
		return
	}

	payload, err := protocol.Encode(protocol.TypeOperationEvent, stream)
	if err != nil {
		return
	}
	r.hub.BroadcastToOperation(stream.OperationID, payload)
	if stream.SessionID != "" {
		r.hub.BroadcastToSession(stream.SessionID, payload)
	}
}

// WatchSession subscribes the relay to a session's presence channel so
// deltas reach that session's clients. Watching an already watched
// session is a no-op.
func (r *Relay) WatchSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil
	}
	if _, ok := r.watched[sessionID]; ok {
		return nil
	}

	sub, err := r.presence.SubscribeToPresence(ctx, sessionID, func(delta models.PresenceDelta) {
		payload, err := protocol.Encode(protocol.TypePresenceDelta, delta)
		if err != nil {
			return
		}
		r.hub.BroadcastToSession(sessionID, payload)
	})
	if err != nil {
		return err
	}
	r.watched[sessionID] = sub
	return nil
}

// UnwatchSession drops the session's presence subscription.
func (r *Relay) UnwatchSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.watched[sessionID]; ok {
		_ = sub.Unsubscribe()
		delete(r.watched, sessionID)
	}
}

// Close drops every presence subscription.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	for sessionID, sub := range r.watched {
		_ = sub.Unsubscribe()
		delete(r.watched, sessionID)
	}
}
