// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bureau-foundation/peek/lib/metrics"
	"github.com/bureau-foundation/peek/protocol"
)

// lifecycleState tracks a session's source tab across a reload.
type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateReloading
	stateRestoring
)

func (s lifecycleState) String() string {
	switch s {
	case stateReloading:
		return "reloading"
	case stateRestoring:
		return "restoring"
	default:
		return "idle"
	}
}

func (c *Coordinator) state(sessionID string) lifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle[sessionID]
}

func (c *Coordinator) setState(sessionID string, state lifecycleState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state == stateIdle {
		delete(c.lifecycle, sessionID)
		return
	}
	c.lifecycle[sessionID] = state
}

// TabRemoved stops every session sourced from tab and drops tab from
// the outputs of every session viewed in it.
func (c *Coordinator) TabRemoved(ctx context.Context, tab int) {
	for _, session := range c.registry.SourcedFrom(tab) {
		c.logger.Info("source tab closed", "session", session.ID, "tab", tab)
		c.StopSession(ctx, session.ID)
	}

	changed := false
	for _, session := range c.registry.ViewedIn(tab) {
		removed := session.Outputs[tab]
		updated, err := c.registry.Update(ctx, session.ID, func(s *Session) {
			delete(s.Outputs, tab)
		})
		if err != nil {
			continue
		}
		changed = true
		c.engine.StopOutput(session.ID, tab)
		if len(updated.Outputs) == 0 {
			c.engine.PauseSession(session.ID)
		}
		var keys []string
		for _, overlayID := range removed {
			keys = append(keys, geometryKey(overlayID), stateKey(overlayID))
		}
		c.writer.Remove(keys...)
		c.logger.Info("output tab closed", "session", session.ID, "tab", tab, "overlays", len(removed))
	}
	if changed {
		c.updateGauges()
		c.broadcastAllCounts(ctx)
	}
}

// TabUpdated reacts to a tab status change. For a source tab, a load
// without a new URL is a reload and the session is restored when the
// load completes; a new URL ends the session. A viewer tab that
// finished loading gets its overlays back.
func (c *Coordinator) TabUpdated(ctx context.Context, tab int, status, url string) {
	for _, session := range c.registry.SourcedFrom(tab) {
		switch {
		case url != "":
			c.logger.Info("source tab navigated, stopping session", "session", session.ID, "tab", tab)
			c.StopSession(ctx, session.ID)
		case status == protocol.StatusLoading:
			c.setState(session.ID, stateReloading)
			c.logger.Debug("source tab reloading", "session", session.ID, "tab", tab)
		case status == protocol.StatusComplete && c.state(session.ID) == stateReloading:
			if err := c.Restore(ctx, session.ID); err != nil {
				c.logger.Warn("restore after reload failed", "session", session.ID, "error", err)
			}
		}
	}

	if status != protocol.StatusComplete {
		return
	}
	for _, session := range c.registry.ViewedIn(tab) {
		c.restoreOutputTab(ctx, session, tab)
	}
}

// NavigationCommitted marks sessions of tab as reloading on a reload
// and stops them on any other main-frame navigation.
func (c *Coordinator) NavigationCommitted(ctx context.Context, tab int, transition string) {
	for _, session := range c.registry.SourcedFrom(tab) {
		if transition == protocol.TransitionReload {
			c.setState(session.ID, stateReloading)
			c.logger.Debug("source tab reload committed", "session", session.ID, "tab", tab)
			continue
		}
		c.logger.Info("source tab navigated, stopping session", "session", session.ID, "tab", tab, "transition", transition)
		c.StopSession(ctx, session.ID)
	}
}

// Restore brings a session back after its source tab reloaded: the
// source overlay is re-shown with its theme, count, and saved
// geometry, then capture restarts. Concurrent calls for one session
// share one run. The session stays registered whether or not the
// restore succeeds.
func (c *Coordinator) Restore(ctx context.Context, sessionID string) error {
	_, err, _ := c.restores.Do(sessionID, func() (any, error) {
		c.setState(sessionID, stateRestoring)
		defer c.setState(sessionID, stateIdle)

		err := c.restore(ctx, sessionID)
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		metrics.SessionRestores.WithLabelValues(outcome).Inc()
		return nil, err
	})
	return err
}

func (c *Coordinator) restore(ctx context.Context, sessionID string) error {
	session, ok := c.registry.Get(sessionID)
	if !ok {
		return nil
	}
	if session.SourceOverlayID == "" {
		overlayID := uuid.NewString()
		updated, err := c.registry.Update(ctx, sessionID, func(s *Session) {
			if s.SourceOverlayID == "" {
				s.SourceOverlayID = overlayID
			}
		})
		if err != nil {
			return nil
		}
		session = updated
	}

	overlayID := session.SourceOverlayID
	tab := session.SourceTabID
	c.deliver(ctx, tab, protocol.MustEncode(protocol.TypeSetOverlayKind, protocol.SetOverlayKind{
		SessionID: sessionID,
		OverlayID: overlayID,
		Kind:      protocol.KindSource,
		Ordinal:   session.Ordinal,
	}))
	c.deliver(ctx, tab, protocol.MustEncode(protocol.TypeShowOverlay, protocol.ShowOverlay{SessionID: sessionID, OverlayID: overlayID}))
	c.deliver(ctx, tab, protocol.MustEncode(protocol.TypeThemeUpdate, protocol.ThemeUpdate{
		SessionID: sessionID,
		Theme:     c.resolveTheme(ctx, session),
	}))
	c.pushCount(ctx, session)

	c.writer.Flush(geometryKey(overlayID))
	c.writer.Wait()
	var geometry protocol.Geometry
	if c.load(ctx, geometryKey(overlayID), &geometry) {
		c.deliver(ctx, tab, protocol.MustEncode(protocol.TypeRestoreSourceGeometry, protocol.RestoreSourceGeometry{
			SessionID: sessionID,
			OverlayID: overlayID,
			Geometry:  geometry,
		}))
	}

	if err := c.engine.RestartCapture(ctx, sessionID); err != nil {
		return fmt.Errorf("restarting capture for %s: %w", sessionID, err)
	}
	c.logger.Info("session restored after reload", "session", sessionID, "tab", tab)
	return nil
}

// Resume restarts capture for every session loaded from the store when
// the daemon starts and renegotiates their viewer tabs. Sessions whose
// source tab can no longer be captured are stopped.
func (c *Coordinator) Resume(ctx context.Context) {
	for _, session := range c.registry.List() {
		c.touchRecent(session.ID)
		if _, err := c.engine.StartCapture(ctx, session.ID, session.SourceTabID); err != nil {
			c.logger.Warn("resuming session failed, stopping it", "session", session.ID, "tab", session.SourceTabID, "error", err)
			c.StopSession(ctx, session.ID)
			continue
		}
		for _, tab := range session.OutputTabs() {
			c.restoreOutputTab(ctx, session, tab)
		}
		c.logger.Info("session resumed", "session", session.ID, "tab", session.SourceTabID, "outputs", session.OutputCount())
	}
	c.updateGauges()
	c.broadcastAllCounts(ctx)
}
