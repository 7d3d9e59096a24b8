// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/peek/protocol"
)

// Compile-time interface checks.
var (
	_ Relay    = (*MemoryRelay)(nil)
	_ Endpoint = (*MemoryEndpoint)(nil)
)

// memoryInboxSize bounds each in-memory inbox. Send fails once it is
// full.
const memoryInboxSize = 256

// MemoryRelay is an in-process Relay for tests. Surfaces are attached
// per tab; the host endpoint always exists.
type MemoryRelay struct {
	mu         sync.Mutex
	handler    Handler
	surfaces   map[int]*MemoryEndpoint
	host       *MemoryEndpoint
	injections []int
	autoAttach bool
	attached   map[int][]chan struct{}
}

// NewMemoryRelay returns a relay with a connected host and no surfaces.
func NewMemoryRelay() *MemoryRelay {
	r := &MemoryRelay{
		surfaces: make(map[int]*MemoryEndpoint),
		attached: make(map[int][]chan struct{}),
	}
	r.host = &MemoryEndpoint{relay: r, origin: Origin{Host: true}, inbox: make(chan protocol.Envelope, memoryInboxSize)}
	return r
}

// SetHandler installs the daemon-side handler for inbound envelopes.
func (r *MemoryRelay) SetHandler(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// SetAutoAttach makes Inject attach a surface to a tab that has none,
// standing in for a host that always succeeds.
func (r *MemoryRelay) SetAutoAttach(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoAttach = enabled
}

// Attach connects a surface to tab, replacing any existing one.
func (r *MemoryRelay) Attach(tab int) *MemoryEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attachLocked(tab)
}

func (r *MemoryRelay) attachLocked(tab int) *MemoryEndpoint {
	if previous, ok := r.surfaces[tab]; ok {
		previous.closeLocked()
	}
	endpoint := &MemoryEndpoint{
		relay:  r,
		origin: Origin{Tab: tab},
		inbox:  make(chan protocol.Envelope, memoryInboxSize),
	}
	r.surfaces[tab] = endpoint
	for _, waiter := range r.attached[tab] {
		close(waiter)
	}
	delete(r.attached, tab)
	return endpoint
}

// Surface returns the endpoint attached to tab, or nil.
func (r *MemoryRelay) Surface(tab int) *MemoryEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.surfaces[tab]
}

// Detach disconnects the surface in tab, if any.
func (r *MemoryRelay) Detach(tab int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if endpoint, ok := r.surfaces[tab]; ok {
		endpoint.closeLocked()
		delete(r.surfaces, tab)
	}
}

// Host returns the host endpoint.
func (r *MemoryRelay) Host() *MemoryEndpoint { return r.host }

// Injections returns the tabs passed to Inject, in call order.
func (r *MemoryRelay) Injections() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.injections...)
}

// WaitAttached returns a channel closed when a surface attaches to tab.
func (r *MemoryRelay) WaitAttached(tab int) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	done := make(chan struct{})
	if _, ok := r.surfaces[tab]; ok {
		close(done)
		return done
	}
	r.attached[tab] = append(r.attached[tab], done)
	return done
}

func (r *MemoryRelay) Send(_ context.Context, tab int, envelope protocol.Envelope) error {
	r.mu.Lock()
	endpoint, ok := r.surfaces[tab]
	r.mu.Unlock()
	if !ok {
		return ErrNoListener
	}
	return endpoint.push(envelope)
}

func (r *MemoryRelay) SendHost(_ context.Context, envelope protocol.Envelope) error {
	return r.host.push(envelope)
}

func (r *MemoryRelay) Inject(_ context.Context, tab int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.injections = append(r.injections, tab)
	if _, ok := r.surfaces[tab]; ok {
		return nil
	}
	if !r.autoAttach {
		return fmt.Errorf("tab %d: %w", tab, ErrNoListener)
	}
	r.attachLocked(tab)
	return nil
}

func (r *MemoryRelay) dispatch(ctx context.Context, from Origin, envelope protocol.Envelope) error {
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()
	if handler == nil {
		return ErrNoListener
	}
	handler(ctx, from, envelope)
	return nil
}

// MemoryEndpoint is a surface or host attached to a MemoryRelay.
type MemoryEndpoint struct {
	relay  *MemoryRelay
	origin Origin
	inbox  chan protocol.Envelope

	mu     sync.Mutex
	closed bool
}

// Send hands envelope to the relay's handler synchronously.
func (e *MemoryEndpoint) Send(ctx context.Context, envelope protocol.Envelope) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.relay.dispatch(ctx, e.origin, envelope)
}

func (e *MemoryEndpoint) Inbox() <-chan protocol.Envelope { return e.inbox }

// Close detaches the endpoint. The host endpoint cannot be closed.
func (e *MemoryEndpoint) Close() error {
	if e.origin.Host {
		return nil
	}
	e.relay.mu.Lock()
	defer e.relay.mu.Unlock()
	if current, ok := e.relay.surfaces[e.origin.Tab]; ok && current == e {
		delete(e.relay.surfaces, e.origin.Tab)
	}
	e.closeLocked()
	return nil
}

func (e *MemoryEndpoint) closeLocked() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func (e *MemoryEndpoint) push(envelope protocol.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrNoListener
	}
	select {
	case e.inbox <- envelope:
		return nil
	default:
		return fmt.Errorf("inbox for %+v full", e.origin)
	}
}

// Drain returns every envelope currently buffered in the inbox.
func (e *MemoryEndpoint) Drain() []protocol.Envelope {
	var envelopes []protocol.Envelope
	for {
		select {
		case envelope := <-e.inbox:
			envelopes = append(envelopes, envelope)
		default:
			return envelopes
		}
	}
}
