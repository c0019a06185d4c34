// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pentora/conclave/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement happens in the API middleware layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Client is one connected collaboration watcher. Its scope is fixed at
// upgrade time: frames for its session or its operation reach it, nothing
// else does.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	sessionID   string
	operationID string
	send        chan []byte
}

// wants reports whether the client's scope matches the frame.
func (c *Client) wants(f frame) bool {
	if f.sessionID == "" && f.operationID == "" {
		return true
	}
	if f.sessionID != "" && f.sessionID == c.sessionID {
		return true
	}
	return f.operationID != "" && f.operationID == c.operationID
}

// ServeWS upgrades the request and attaches the client to the hub. The
// session and operation scopes come from query parameters.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Client{
		hub:         hub,
		conn:        conn,
		sessionID:   r.URL.Query().Get("sessionId"),
		operationID: r.URL.Query().Get("operationId"),
		send:        make(chan []byte, 256),
	}
	hub.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so control frames are processed. Data
// frames are discarded: message dispatch is not this layer's job.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
