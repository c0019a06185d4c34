// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package dataplane

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Client used by tests and by deployments that do not
// need durability. It honors TTLs and delivers publishes to local subscribers
// synchronously.
type Memory struct {
	mu      sync.RWMutex
	kv      map[string]memoryValue
	zsets   map[string]map[string]float64
	subs    map[string][]*memorySub
	fatalCh chan struct{}
	closed  bool
}

type memoryValue struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

type memorySub struct {
	owner   *Memory
	channel string
	handler func(payload []byte)
}

// NewMemory returns an empty in-memory data plane.
func NewMemory() *Memory {
	return &Memory{
		kv:      make(map[string]memoryValue),
		zsets:   make(map[string]map[string]float64),
		subs:    make(map[string][]*memorySub),
		fatalCh: make(chan struct{}),
	}
}

func (m *Memory) Connect(ctx context.Context) error { return nil }

func (m *Memory) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string][]*memorySub)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	v, ok := m.kv[key]
	m.mu.RUnlock()
	if !ok || v.expired() {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	v := memoryValue{data: stored}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.kv[key] = v
	m.mu.Unlock()
	return nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.kv, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	exact := prefix == pattern

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k, v := range m.kv {
		if v.expired() {
			continue
		}
		if exact {
			if k == pattern {
				out = append(out, k)
			}
		} else if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ZAdd(ctx context.Context, set, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[set]
	if !ok {
		z = make(map[string]float64)
		m.zsets[set] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZRem(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zsets[set]; ok {
		delete(z, member)
		if len(z) == 0 {
			delete(m.zsets, set)
		}
	}
	return nil
}

func (m *Memory) ZRange(ctx context.Context, set string, start, stop int) ([]ZMember, error) {
	m.mu.RLock()
	z := m.zsets[set]
	all := make([]ZMember, 0, len(z))
	for member, score := range z {
		all = append(all, ZMember{Member: member, Score: score})
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score < all[j].Score
		}
		return all[i].Member < all[j].Member
	})
	return sliceRange(all, start, stop), nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	entries := make([]*memorySub, len(m.subs[channel]))
	copy(entries, m.subs[channel])
	m.mu.RUnlock()

	for _, e := range entries {
		e.handler(payload)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error) {
	e := &memorySub{owner: m, channel: channel, handler: handler}
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], e)
	m.mu.Unlock()
	return e, nil
}

func (m *Memory) Unsubscribe(channel string) error {
	m.mu.Lock()
	delete(m.subs, channel)
	m.mu.Unlock()
	return nil
}

func (m *Memory) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	m.kv = make(map[string]memoryValue)
	m.zsets = make(map[string]map[string]float64)
	m.mu.Unlock()
	return nil
}

func (m *Memory) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return StateDisconnected
	}
	return StateConnected
}

func (m *Memory) Fatal() <-chan struct{} { return m.fatalCh }

func (m *Memory) Stats() Stats {
	return Stats{State: m.State()}
}

func (v memoryValue) expired() bool {
	return !v.expiresAt.IsZero() && time.Now().After(v.expiresAt)
}

func (e *memorySub) Unsubscribe() error {
	o := e.owner
	o.mu.Lock()
	defer o.mu.Unlock()
	entries := o.subs[e.channel]
	for i, cur := range entries {
		if cur == e {
			o.subs[e.channel] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(o.subs[e.channel]) == 0 {
		delete(o.subs, e.channel)
	}
	return nil
}
