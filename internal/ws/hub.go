// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

// Package ws fans deduplicated operation events and presence deltas out to
// connected collaboration clients. It is outbound-only: inbound frames
// other than protocol pings are ignored.
package ws

import (
	"context"

	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/metrics"
)

// frame is one outbound payload with its routing scope. A frame targets a
// session, an operation, or (when both are empty) every client.
type frame struct {
	sessionID   string
	operationID string
	payload     []byte
}

// Hub tracks connected clients and routes frames to the ones watching the
// frame's session or operation.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan frame
	register   chan *Client
	unregister chan *Client
}

// NewHub creates an empty hub. Call Run to start routing.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run routes frames until ctx is canceled, then closes every client.
// Lifecycle events win over pending broadcasts so membership is settled
// before a frame fans out.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case f := <-h.broadcast:
			h.fanOut(f)
		}
	}
}

// BroadcastToSession queues payload for every client watching sessionID.
func (h *Hub) BroadcastToSession(sessionID string, payload []byte) {
	h.enqueue(frame{sessionID: sessionID, payload: payload})
}

// BroadcastToOperation queues payload for every client watching the
// operation's stream.
func (h *Hub) BroadcastToOperation(operationID string, payload []byte) {
	h.enqueue(frame{operationID: operationID, payload: payload})
}

func (h *Hub) enqueue(f frame) {
	select {
	case h.broadcast <- f:
	default:
		// A wedged hub must not stall the relay; the client catches up
		// through event replay.
		metrics.WebSocketMessagesDropped.Inc()
	}
}

func (h *Hub) add(c *Client) {
	h.clients[c] = true
	metrics.WebSocketClients.Set(float64(len(h.clients)))
	logging.Debug().
		Str("session_id", c.sessionID).
		Str("operation_id", c.operationID).
		Int("total_clients", len(h.clients)).
		Msg("websocket client connected")
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
	logging.Debug().Int("total_clients", len(h.clients)).Msg("websocket client disconnected")
}

func (h *Hub) fanOut(f frame) {
	for c := range h.clients {
		if !c.wants(f) {
			continue
		}
		select {
		case c.send <- f.payload:
		default:
			// Slow consumer: drop it rather than let its backlog grow.
			metrics.WebSocketMessagesDropped.Inc()
			h.remove(c)
		}
	}
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	metrics.WebSocketClients.Set(0)
}
