// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"

	"github.com/bureau-foundation/peek/lib/kvstore"
	"github.com/bureau-foundation/peek/protocol"
)

// resolveTheme picks the session theme, else the stored global theme,
// else the configured default.
func (c *Coordinator) resolveTheme(ctx context.Context, session *Session) protocol.Theme {
	if session.Theme != nil {
		return *session.Theme
	}
	if theme, ok := c.globalOptions(ctx); ok {
		return theme
	}
	return c.defaultTheme
}

func (c *Coordinator) globalOptions(ctx context.Context) (protocol.Theme, bool) {
	var theme protocol.Theme
	if !c.load(ctx, optionsKey, &theme) {
		return protocol.Theme{}, false
	}
	return theme, true
}

// load reads key into value. Misses and store errors both report
// false; errors are logged.
func (c *Coordinator) load(ctx context.Context, key string, value any) bool {
	err := c.store.Get(ctx, key, value)
	switch {
	case err == nil:
		return true
	case errors.Is(err, kvstore.ErrNotFound):
		return false
	default:
		c.logger.Warn("reading stored value failed", "key", key, "error", err)
		return false
	}
}

// BroadcastTheme stores theme as the global default and sends it to
// every tab taking part in any session.
func (c *Coordinator) BroadcastTheme(ctx context.Context, theme protocol.Theme) {
	c.mu.Lock()
	c.globalTheme = &theme
	c.mu.Unlock()
	if err := c.store.Set(ctx, optionsKey, theme); err != nil {
		c.logger.Warn("storing global theme failed", "error", err)
	}
	c.broadcastGlobalTheme(ctx, theme)
}

// onOptionsChanged broadcasts a global theme written to the store by
// someone other than BroadcastTheme.
func (c *Coordinator) onOptionsChanged(ctx context.Context) {
	theme, ok := c.globalOptions(ctx)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.globalTheme != nil && *c.globalTheme == theme {
		c.mu.Unlock()
		return
	}
	c.globalTheme = &theme
	c.mu.Unlock()
	c.broadcastGlobalTheme(ctx, theme)
}

func (c *Coordinator) broadcastGlobalTheme(ctx context.Context, theme protocol.Theme) {
	tabs := make(map[int]struct{})
	for _, session := range c.registry.List() {
		tabs[session.SourceTabID] = struct{}{}
		for _, tab := range session.OutputTabs() {
			tabs[tab] = struct{}{}
		}
	}
	envelope := protocol.MustEncode(protocol.TypeThemeUpdate, protocol.ThemeUpdate{Theme: theme})
	for tab := range tabs {
		c.send(ctx, tab, envelope)
	}
	c.logger.Info("global theme broadcast", "tabs", len(tabs))
}

// SetSessionTheme stores a per-session theme and sends it to the
// session's source and viewer tabs.
func (c *Coordinator) SetSessionTheme(ctx context.Context, sessionID string, theme protocol.Theme) {
	session, err := c.registry.Update(ctx, sessionID, func(s *Session) {
		s.Theme = &theme
	})
	if err != nil {
		return
	}
	envelope := protocol.MustEncode(protocol.TypeThemeUpdate, protocol.ThemeUpdate{SessionID: sessionID, Theme: theme})
	c.send(ctx, session.SourceTabID, envelope)
	for _, tab := range session.OutputTabs() {
		if tab != session.SourceTabID {
			c.send(ctx, tab, envelope)
		}
	}
}

// SaveGeometry schedules a debounced write of an overlay's rectangle.
func (c *Coordinator) SaveGeometry(overlayID string, geometry protocol.Geometry) {
	c.writer.Schedule(geometryKey(overlayID), geometry)
}

// SaveOverlayState schedules a debounced write of an overlay's pause
// state.
func (c *Coordinator) SaveOverlayState(overlayID string, state protocol.OverlayState) {
	c.writer.Schedule(stateKey(overlayID), state)
}

// FlushOverlay writes the overlay's pending values now, at the end of
// a drag or resize.
func (c *Coordinator) FlushOverlay(overlayID string) {
	c.writer.Flush(geometryKey(overlayID))
	c.writer.Flush(stateKey(overlayID))
}

// FlushAll writes every pending value now, when a surface unloads.
func (c *Coordinator) FlushAll() {
	c.writer.FlushAll()
}

// LoadOverlay returns the saved geometry and pause state of an
// overlay, including values still inside their debounce window.
func (c *Coordinator) LoadOverlay(ctx context.Context, overlayID string) protocol.OverlayRestore {
	c.FlushOverlay(overlayID)
	c.writer.Wait()

	restore := protocol.OverlayRestore{OverlayID: overlayID}
	var geometry protocol.Geometry
	if c.load(ctx, geometryKey(overlayID), &geometry) {
		restore.Geometry = &geometry
	}
	var state protocol.OverlayState
	if c.load(ctx, stateKey(overlayID), &state) {
		restore.State = &state
	}
	return restore
}
