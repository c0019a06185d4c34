// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package dataplane

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pentora/conclave/internal/logging"
)

// subEntry pairs a subscriber handler with its live broker subscription so
// the handler can be re-bound after a reconnect.
type subEntry struct {
	owner   *BadgerClient
	channel string
	handler func(payload []byte)
	sub     *nats.Subscription
}

// Unsubscribe implements Subscription.
func (e *subEntry) Unsubscribe() error {
	return e.owner.remove(e)
}

// remove drops the entry from the registry and tears down its broker
// subscription.
func (c *BadgerClient) remove(entry *subEntry) error {
	c.subMu.Lock()
	subs := c.subs[entry.channel]
	for i, candidate := range subs {
		if candidate == entry {
			c.subs[entry.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(c.subs[entry.channel]) == 0 {
		delete(c.subs, entry.channel)
	}
	c.subMu.Unlock()

	if entry.sub != nil {
		return entry.sub.Unsubscribe()
	}
	return nil
}

// Publish sends payload on the namespaced channel.
func (c *BadgerClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.execute(ctx, "publish", func() error {
		c.mu.RLock()
		nc := c.nc
		c.mu.RUnlock()
		if nc == nil {
			return ErrNotConnected
		}
		return nc.Publish(c.subject(channel), payload)
	})
}

// Subscribe delivers every message on the namespaced channel to handler.
// Handlers run on the broker client's delivery goroutine and must not block.
// Subscriptions survive reconnects; they are re-bound to the new connection.
func (c *BadgerClient) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error) {
	var subscription Subscription
	err := c.execute(ctx, "subscribe", func() error {
		c.mu.RLock()
		nc := c.nc
		c.mu.RUnlock()
		if nc == nil {
			return ErrNotConnected
		}

		entry := &subEntry{owner: c, channel: channel, handler: handler}
		sub, err := nc.Subscribe(c.subject(channel), func(msg *nats.Msg) {
			handler(msg.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		entry.sub = sub

		c.subMu.Lock()
		c.subs[channel] = append(c.subs[channel], entry)
		c.subMu.Unlock()

		subscription = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subscription, nil
}

// Unsubscribe removes every active subscription on the channel.
func (c *BadgerClient) Unsubscribe(channel string) error {
	c.subMu.Lock()
	entries := c.subs[channel]
	delete(c.subs, channel)
	c.subMu.Unlock()

	var firstErr error
	for _, entry := range entries {
		if entry.sub == nil {
			continue
		}
		if err := entry.sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = newError("unsubscribe", err)
		}
	}
	return firstErr
}

// resubscribeAll re-binds every registered handler onto the fresh broker
// connection after a reconnect. Entries that fail to re-bind are kept in
// the registry so the next reconnect tries again.
func (c *BadgerClient) resubscribeAll() {
	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc == nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	rebound, failed := 0, 0
	for channel, entries := range c.subs {
		for _, entry := range entries {
			handler := entry.handler
			sub, err := nc.Subscribe(c.subject(channel), func(msg *nats.Msg) {
				handler(msg.Data)
			})
			if err != nil {
				entry.sub = nil
				failed++
				continue
			}
			entry.sub = sub
			rebound++
		}
	}

	if rebound > 0 || failed > 0 {
		logging.Info().Int("rebound", rebound).Int("failed", failed).
			Msg("data plane subscriptions re-established after reconnect")
	}
}
