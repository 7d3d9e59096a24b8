// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/peek/lib/metrics"
	"github.com/bureau-foundation/peek/protocol"
)

var (
	// ErrNoListener is returned when the addressed tab has no connected
	// surface (or no host is connected).
	ErrNoListener = errors.New("relay: no listener attached")

	// ErrClosed is returned after the relay or endpoint is closed.
	ErrClosed = errors.New("relay: closed")
)

// Origin identifies the sender of an inbound envelope.
type Origin struct {
	// Tab is the surface's tab id. Zero for the host.
	Tab int

	// Host is true for messages from the extension host shim.
	Host bool
}

// Handler receives inbound envelopes. Envelopes from one connection are
// delivered in order, one at a time.
type Handler func(ctx context.Context, from Origin, envelope protocol.Envelope)

// Relay is the daemon side of the signaling transport.
type Relay interface {
	// Send delivers envelope to the surface in tab.
	Send(ctx context.Context, tab int, envelope protocol.Envelope) error

	// SendHost delivers envelope to the host shim.
	SendHost(ctx context.Context, envelope protocol.Envelope) error

	// Inject asks the host to inject a surface into tab and returns
	// once one is connected. It fails if none connects in time.
	Inject(ctx context.Context, tab int) error
}

// Endpoint is the browser side of one relay connection.
type Endpoint interface {
	Send(ctx context.Context, envelope protocol.Envelope) error
	Inbox() <-chan protocol.Envelope
	Close() error
}

// Deliver sends envelope to tab. If no surface is listening it asks the
// host to re-inject one and retries once; a second failure is returned
// for the caller to log and drop.
func Deliver(ctx context.Context, relay Relay, tab int, envelope protocol.Envelope, logger *slog.Logger) error {
	err := relay.Send(ctx, tab, envelope)
	if !errors.Is(err, ErrNoListener) {
		return err
	}

	logger.Debug("no surface listening, re-injecting", "tab", tab, "type", envelope.Type)
	if injectErr := relay.Inject(ctx, tab); injectErr != nil {
		metrics.DeliveryRetries.WithLabelValues("dropped").Inc()
		return fmt.Errorf("re-injecting surface into tab %d: %w", tab, errors.Join(err, injectErr))
	}
	if err := relay.Send(ctx, tab, envelope); err != nil {
		metrics.DeliveryRetries.WithLabelValues("dropped").Inc()
		return fmt.Errorf("delivering %s to tab %d after re-injection: %w", envelope.Type, tab, err)
	}
	metrics.DeliveryRetries.WithLabelValues("delivered").Inc()
	return nil
}
