// Package memory is an in-process EMC transport. Every transport attached to
// the same Hub sees every published event, its own included.
package memory

import (
	"context"
	"sync"

	"github.com/wheelsort/wheelsort/pkg/emc"
)

const transportName = "memory"

// Hub fans events out to attached transports.
type Hub struct {
	mu      sync.RWMutex
	members map[*Transport]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[*Transport]struct{})}
}

// Transport creates a transport attached to the hub once connected.
func (h *Hub) Transport(bufferSize int) *Transport {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Transport{hub: h, events: make(chan *emc.Event, bufferSize)}
}

// Members returns the number of connected transports.
func (h *Hub) Members() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

func (h *Hub) join(t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[t] = struct{}{}
}

func (h *Hub) leave(t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, t)
}

func (h *Hub) broadcast(ev *emc.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for t := range h.members {
		t.deliver(ev.Clone())
	}
}

// Transport is one instance's view of a Hub.
type Transport struct {
	hub    *Hub
	events chan *emc.Event

	mu        sync.RWMutex
	connected bool
	closed    bool
}

var _ emc.Transport = (*Transport)(nil)

// Name implements emc.Transport.
func (t *Transport) Name() string { return transportName }

// Connect attaches the transport to its hub.
func (t *Transport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return emc.ErrTransportClosed
	}
	if !t.connected {
		t.connected = true
		t.hub.join(t)
	}
	return nil
}

// Publish broadcasts ev to every member of the hub.
func (t *Transport) Publish(ctx context.Context, ev *emc.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	ok := t.connected && !t.closed
	t.mu.RUnlock()
	if !ok {
		return &emc.TransportError{Transport: transportName, Op: "publish", Cause: emc.ErrTransportClosed}
	}
	t.hub.broadcast(ev)
	return nil
}

func (t *Transport) deliver(ev *emc.Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	if !emc.Deliver(t.events, ev) {
		emc.Metrics().RecordTransportFailure(transportName, "buffer_full_drop")
	}
}

// Events implements emc.Transport.
func (t *Transport) Events() <-chan *emc.Event { return t.events }

// Close detaches from the hub and closes Events. Idempotent.
func (t *Transport) Close() error {
	t.hub.leave(t)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	close(t.events)
	return nil
}

// Healthy reports whether the transport is attached.
func (t *Transport) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && !t.closed
}
