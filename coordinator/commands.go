// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"

	"github.com/google/uuid"

	"github.com/bureau-foundation/peek/protocol"
)

// Command runs a keyboard shortcut fired while tab was active.
func (c *Coordinator) Command(ctx context.Context, name string, tab int) {
	switch name {
	case protocol.CommandStartCaptureBox:
		c.startCaptureBox(ctx, tab)
	case protocol.CommandAddOutputForLatestBox:
		c.addOutputForLatest(ctx, tab)
	default:
		c.logger.Debug("unknown command", "command", name)
	}
}

// startCaptureBox captures tab and shows a themed source overlay on it.
func (c *Coordinator) startCaptureBox(ctx context.Context, tab int) {
	if tab == 0 {
		return
	}
	session, err := c.StartCapture(ctx, tab, "")
	if err != nil {
		return
	}
	overlayID := uuid.NewString()
	c.AssociateOverlay(ctx, session.ID, overlayID)

	c.deliver(ctx, tab, protocol.MustEncode(protocol.TypeSetOverlayKind, protocol.SetOverlayKind{
		SessionID: session.ID,
		OverlayID: overlayID,
		Kind:      protocol.KindSource,
		Ordinal:   session.Ordinal,
	}))
	c.deliver(ctx, tab, protocol.MustEncode(protocol.TypeShowOverlay, protocol.ShowOverlay{SessionID: session.ID, OverlayID: overlayID}))

	theme, ok := c.globalOptions(ctx)
	if !ok {
		theme = c.defaultTheme
	}
	c.SetSessionTheme(ctx, session.ID, theme)
}

// addOutputForLatest adds a viewer of the most recently started
// session to tab.
func (c *Coordinator) addOutputForLatest(ctx context.Context, tab int) {
	if tab == 0 {
		return
	}
	session, ok := c.mostRecent()
	if !ok {
		c.logger.Debug("no session for add-output shortcut", "tab", tab)
		return
	}
	if _, err := c.CreateOutput(ctx, session.ID, tab); err != nil {
		c.logger.Warn("add-output shortcut failed", "session", session.ID, "tab", tab, "error", err)
	}
}
