// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bureau-foundation/peek/capture"
	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

var _ capture.Outbox = (*Outbox)(nil)

// Outbox routes engine messages to viewer surfaces using the registry
// to find a session's viewer tabs. Negotiation messages are not
// retried: a viewer that missed one asks for a fresh offer.
type Outbox struct {
	registry *Registry
	relay    relay.Relay
	logger   *slog.Logger
}

func NewOutbox(registry *Registry, relay relay.Relay, logger *slog.Logger) *Outbox {
	return &Outbox{registry: registry, relay: relay, logger: logger}
}

func (o *Outbox) SendToViewer(ctx context.Context, sessionID string, tab int, envelope protocol.Envelope) {
	o.send(ctx, sessionID, tab, envelope)
}

func (o *Outbox) SendToSessionViewers(ctx context.Context, sessionID string, envelope protocol.Envelope) {
	session, ok := o.registry.Get(sessionID)
	if !ok {
		return
	}
	for _, tab := range session.OutputTabs() {
		o.send(ctx, sessionID, tab, envelope)
	}
}

func (o *Outbox) send(ctx context.Context, sessionID string, tab int, envelope protocol.Envelope) {
	err := o.relay.Send(ctx, tab, envelope)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrNoListener):
		o.logger.Debug("viewer not listening", "session", sessionID, "tab", tab, "type", envelope.Type)
	default:
		o.logger.Warn("sending to viewer failed", "session", sessionID, "tab", tab, "type", envelope.Type, "error", err)
	}
}
