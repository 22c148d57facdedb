// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package broker

import (
	"context"
	"sync"
	"sync/atomic"
)

// A MemoryHub is an in-process message bus.
// Each Memory connected to the same hub behaves like a separate relay process
// sharing one broker.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints []*Memory
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{}
}

// Connect returns a new Broker attached to the hub.
func (h *MemoryHub) Connect() *Memory {
	m := &Memory{
		hub:  h,
		subs: make(map[string]struct{}),
		msgs: make(chan Message, 256),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, m)
	h.mu.Unlock()
	return m
}

func (h *MemoryHub) snapshot() []*Memory {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Memory(nil), h.endpoints...)
}

func (h *MemoryHub) remove(m *Memory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ep := range h.endpoints {
		if ep == m {
			h.endpoints = append(h.endpoints[:i], h.endpoints[i+1:]...)
			return
		}
	}
}

// Memory is a Broker endpoint on a MemoryHub.
type Memory struct {
	hub *MemoryHub

	mu   sync.Mutex
	subs map[string]struct{}

	msgs      chan Message
	done      chan struct{}
	closeOnce sync.Once

	publishes  atomic.Int64
	subscribes atomic.Int64
}

// Publish delivers a copy of payload to every endpoint subscribed to channel.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if m.closed() {
		return ErrClosed
	}
	m.publishes.Add(1)

	for _, ep := range m.hub.snapshot() {
		if !ep.isSubscribed(channel) {
			continue
		}
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case ep.msgs <- msg:
		case <-ep.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe starts delivering channel's messages to this endpoint.
func (m *Memory) Subscribe(ctx context.Context, channel string) error {
	if m.closed() {
		return ErrClosed
	}
	m.mu.Lock()
	m.subs[channel] = struct{}{}
	m.mu.Unlock()
	m.subscribes.Add(1)
	return nil
}

func (m *Memory) isSubscribed(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[channel]
	return ok
}

func (m *Memory) Messages() <-chan Message {
	return m.msgs
}

func (m *Memory) Ping(ctx context.Context) error {
	if m.closed() {
		return ErrClosed
	}
	return nil
}

// Close detaches the endpoint from its hub.
// Messages is not closed, since a concurrent Publish may still hold it;
// readers should stop on their own context.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.hub.remove(m)
	})
	return nil
}

func (m *Memory) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Publishes returns how many times Publish was called on this endpoint.
func (m *Memory) Publishes() int64 {
	return m.publishes.Load()
}

// Subscribes returns how many times Subscribe was called on this endpoint.
func (m *Memory) Subscribes() int64 {
	return m.subscribes.Load()
}
