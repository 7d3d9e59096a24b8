// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/peek/capture"
	"github.com/bureau-foundation/peek/lib/clock"
	"github.com/bureau-foundation/peek/lib/kvstore"
	"github.com/bureau-foundation/peek/lib/metrics"
	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

// Engine is the capture side the coordinator drives. *capture.Engine
// implements it.
type Engine interface {
	StartCapture(ctx context.Context, sessionID string, tab int) (attached bool, err error)
	StopCapture(sessionID string)
	RestartCapture(ctx context.Context, sessionID string) error
	CreateOffer(ctx context.Context, sessionID string, tab int) error
	ApplyAnswer(ctx context.Context, sessionID string, tab int, offerID, sdp string) error
	AddRemoteIce(ctx context.Context, sessionID string, tab int, offerID string, candidate protocol.Candidate) error
	UpdateCrop(ctx context.Context, sessionID string, input capture.CropInput)
	SendAspect(ctx context.Context, sessionID string, tab int)
	StopOutput(sessionID string, tab int)
	PauseSession(sessionID string)
}

var _ Engine = (*capture.Engine)(nil)

// Config configures a Coordinator.
type Config struct {
	Registry *Registry
	Store    kvstore.Store
	Engine   Engine
	Relay    relay.Relay
	Clock    clock.Clock
	Logger   *slog.Logger

	// GeometryDebounce delays persisting overlay geometry and pause
	// state. Zero writes immediately.
	GeometryDebounce time.Duration

	// DefaultTheme applies when neither the session nor the stored
	// global options carry a theme. Nil means protocol.DefaultTheme.
	DefaultTheme *protocol.Theme
}

// Coordinator owns the session registry and routes control, lifecycle,
// and persistence messages between surfaces, the host, and the engine.
type Coordinator struct {
	registry     *Registry
	store        kvstore.Store
	engine       Engine
	relay        relay.Relay
	writer       *kvstore.Writer
	logger       *slog.Logger
	defaultTheme protocol.Theme

	restores singleflight.Group

	mu          sync.Mutex
	lifecycle   map[string]lifecycleState
	recent      []string
	globalTheme *protocol.Theme

	stopOptions func()
}

// New returns a coordinator and subscribes to global theme changes in
// the store.
func New(config Config) *Coordinator {
	theme := protocol.DefaultTheme
	if config.DefaultTheme != nil {
		theme = *config.DefaultTheme
	}
	c := &Coordinator{
		registry:     config.Registry,
		store:        config.Store,
		engine:       config.Engine,
		relay:        config.Relay,
		writer:       kvstore.NewWriter(config.Store, config.Clock, config.GeometryDebounce, config.Logger),
		logger:       config.Logger,
		defaultTheme: theme,
		lifecycle:    make(map[string]lifecycleState),
	}
	c.stopOptions = config.Store.OnChange(func(change kvstore.Change) {
		if change.Key == optionsKey && !change.Removed {
			c.onOptionsChanged(context.Background())
		}
	})
	c.updateGauges()
	return c
}

// Close stops watching the store and writes every pending geometry and
// pause state.
func (c *Coordinator) Close() {
	c.stopOptions()
	c.writer.FlushAll()
	c.writer.Wait()
}

// Registry returns the session registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// StartCapture registers a session for sourceTab and starts capturing
// it, attaching to the tab's existing capture when another session
// already has one. If acquisition fails the session is removed again;
// if the session was stopped while acquiring, the capture is released
// and ErrSessionNotFound returned.
func (c *Coordinator) StartCapture(ctx context.Context, sourceTab int, title string) (*Session, error) {
	id := uuid.NewString()
	session := c.registry.Create(ctx, id, sourceTab, title)
	c.touchRecent(id)

	attached, err := c.engine.StartCapture(ctx, id, sourceTab)
	if err != nil {
		c.registry.Delete(ctx, id)
		c.forgetRecent(id)
		c.updateGauges()
		c.logger.Error("capture start failed, session aborted", "session", id, "tab", sourceTab, "error", err)
		return nil, err
	}
	if _, ok := c.registry.Get(id); !ok {
		// Stopped while the stream was being acquired.
		c.engine.StopCapture(id)
		c.forgetRecent(id)
		c.updateGauges()
		c.logger.Info("session stopped during capture start", "session", id, "tab", sourceTab)
		return nil, fmt.Errorf("starting capture of tab %d: %w", sourceTab, ErrSessionNotFound)
	}
	c.logger.Info("session started",
		"session", id,
		"tab", sourceTab,
		"ordinal", session.Ordinal,
		"attached", attached,
	)
	c.updateGauges()
	c.broadcastAllCounts(ctx)
	return session, nil
}

// AssociateOverlay binds the source-side anchor overlay to a session.
func (c *Coordinator) AssociateOverlay(ctx context.Context, sessionID, overlayID string) {
	if _, err := c.registry.Update(ctx, sessionID, func(s *Session) {
		s.SourceOverlayID = overlayID
	}); err != nil {
		return
	}
	c.broadcastAllCounts(ctx)
}

// CreateOutput adds a viewer overlay for the session on outputTab,
// asks the surface to show it, and negotiates the tab's link. It
// returns the new overlay id.
func (c *Coordinator) CreateOutput(ctx context.Context, sessionID string, outputTab int) (string, error) {
	overlayID := uuid.NewString()
	session, err := c.registry.Update(ctx, sessionID, func(s *Session) {
		s.Outputs[outputTab] = append(s.Outputs[outputTab], overlayID)
	})
	if err != nil {
		return "", fmt.Errorf("creating output for %s: %w", sessionID, err)
	}
	c.updateGauges()

	c.deliver(ctx, outputTab, protocol.MustEncode(protocol.TypeCreateOutputOverlay, c.overlayPayload(ctx, session, overlayID)))
	if err := c.engine.CreateOffer(ctx, sessionID, outputTab); err != nil {
		c.logger.Warn("negotiating new output failed", "session", sessionID, "tab", outputTab, "error", err)
	}
	c.logger.Info("output created", "session", sessionID, "tab", outputTab, "overlay", overlayID)
	c.broadcastAllCounts(ctx)
	return overlayID, nil
}

func (c *Coordinator) overlayPayload(ctx context.Context, session *Session, overlayID string) protocol.CreateOutputOverlay {
	return protocol.CreateOutputOverlay{
		SessionID:   session.ID,
		OverlayID:   overlayID,
		Theme:       c.resolveTheme(ctx, session),
		Ordinal:     session.Ordinal,
		SourceTitle: session.SourceTabTitle,
	}
}

// CloseOutput removes one viewer overlay. The tab's link is torn down
// with its last overlay, and rendering pauses with the session's last
// overlay while the session itself stays alive.
func (c *Coordinator) CloseOutput(ctx context.Context, sessionID string, tab int, overlayID string) {
	var found, tabEmptied bool
	session, err := c.registry.Update(ctx, sessionID, func(s *Session) {
		overlays := s.Outputs[tab]
		index := slices.Index(overlays, overlayID)
		if index < 0 {
			return
		}
		found = true
		overlays = slices.Delete(slices.Clone(overlays), index, index+1)
		if len(overlays) == 0 {
			delete(s.Outputs, tab)
			tabEmptied = true
			return
		}
		s.Outputs[tab] = overlays
	})
	if err != nil || !found {
		return
	}

	c.send(ctx, tab, protocol.MustEncode(protocol.TypeHideOverlay, protocol.HideOverlay{SessionID: sessionID, OverlayID: overlayID}))
	if tabEmptied {
		c.engine.StopOutput(sessionID, tab)
	}
	if len(session.Outputs) == 0 {
		c.engine.PauseSession(sessionID)
		c.logger.Info("session paused, no outputs remain", "session", sessionID)
	}
	c.writer.Remove(geometryKey(overlayID), stateKey(overlayID))
	c.updateGauges()
	c.broadcastAllCounts(ctx)
	c.logger.Info("output closed", "session", sessionID, "tab", tab, "overlay", overlayID)
}

// StopSession ends a session: capture and every link are torn down,
// every overlay is hidden, and the record and its persisted overlay
// state are deleted.
func (c *Coordinator) StopSession(ctx context.Context, sessionID string) {
	session, ok := c.registry.Get(sessionID)
	if !ok {
		return
	}
	c.engine.StopCapture(sessionID)

	// Hides never inject: the tabs may be closing or navigating away.
	for _, tab := range session.OutputTabs() {
		for _, overlayID := range session.Outputs[tab] {
			c.send(ctx, tab, protocol.MustEncode(protocol.TypeHideOverlay, protocol.HideOverlay{SessionID: sessionID, OverlayID: overlayID}))
		}
	}
	if session.SourceOverlayID != "" {
		c.send(ctx, session.SourceTabID, protocol.MustEncode(protocol.TypeHideOverlay,
			protocol.HideOverlay{SessionID: sessionID, OverlayID: session.SourceOverlayID}))
	}

	if _, deleted := c.registry.Delete(ctx, sessionID); !deleted {
		return
	}
	c.forgetRecent(sessionID)
	c.mu.Lock()
	delete(c.lifecycle, sessionID)
	c.mu.Unlock()

	var keys []string
	for _, overlayID := range session.OverlayIDs() {
		keys = append(keys, geometryKey(overlayID), stateKey(overlayID))
	}
	if len(keys) > 0 {
		c.writer.Remove(keys...)
	}
	c.updateGauges()
	c.broadcastAllCounts(ctx)
	c.logger.Info("session stopped", "session", sessionID, "tab", session.SourceTabID)
}

// Reconnect restores a viewer surface that came back from a suspended
// state: every overlay of the session on tab is re-created and the
// tab's link renegotiated. Nothing happens if the session no longer
// has overlays there.
func (c *Coordinator) Reconnect(ctx context.Context, sessionID string, tab int) {
	session, ok := c.registry.Get(sessionID)
	if !ok || len(session.Outputs[tab]) == 0 {
		c.logger.Debug("reconnect for unknown output ignored", "session", sessionID, "tab", tab)
		return
	}
	c.restoreOutputTab(ctx, session, tab)
}

// restoreOutputTab re-delivers every overlay of session on tab and
// renegotiates its link.
func (c *Coordinator) restoreOutputTab(ctx context.Context, session *Session, tab int) {
	for _, overlayID := range session.Outputs[tab] {
		c.deliver(ctx, tab, protocol.MustEncode(protocol.TypeCreateOutputOverlay, c.overlayPayload(ctx, session, overlayID)))
	}
	if err := c.engine.CreateOffer(ctx, session.ID, tab); err != nil {
		c.logger.Warn("renegotiating restored output failed", "session", session.ID, "tab", tab, "error", err)
	}
	c.logger.Info("output tab restored", "session", session.ID, "tab", tab, "overlays", len(session.Outputs[tab]))
}

// OutputTabBoot restores the overlays of every session viewed in a tab
// whose surface just loaded, ahead of the host reporting the tab
// complete.
func (c *Coordinator) OutputTabBoot(ctx context.Context, tab int) {
	for _, session := range c.registry.ViewedIn(tab) {
		c.restoreOutputTab(ctx, session, tab)
	}
}

// RequestOffer renegotiates one link at the viewer's request.
func (c *Coordinator) RequestOffer(ctx context.Context, sessionID string, tab int) error {
	if _, ok := c.registry.Get(sessionID); !ok {
		return nil
	}
	return c.engine.CreateOffer(ctx, sessionID, tab)
}

// VerifyOutput reports whether overlayID is still a viewer overlay of
// the session on tab.
func (c *Coordinator) VerifyOutput(sessionID string, tab int, overlayID string) bool {
	session, ok := c.registry.Get(sessionID)
	return ok && slices.Contains(session.Outputs[tab], overlayID)
}

// OutputCount returns the session's viewer overlay count.
func (c *Coordinator) OutputCount(sessionID string) (int, bool) {
	session, ok := c.registry.Get(sessionID)
	if !ok {
		return 0, false
	}
	return session.OutputCount(), true
}

// SendOutputCount delivers the session's count to tab.
func (c *Coordinator) SendOutputCount(ctx context.Context, sessionID string, tab int) {
	count, ok := c.OutputCount(sessionID)
	if !ok {
		return
	}
	c.send(ctx, tab, protocol.MustEncode(protocol.TypeOutputsCountChanged,
		protocol.OutputsCountChanged{SessionID: sessionID, Count: count}))
}

// pushCount delivers the session's count to its source tab.
func (c *Coordinator) pushCount(ctx context.Context, session *Session) {
	c.deliver(ctx, session.SourceTabID, protocol.MustEncode(protocol.TypeOutputsCountChanged,
		protocol.OutputsCountChanged{SessionID: session.ID, Count: session.OutputCount()}))
}

// broadcastAllCounts pushes every session's count to its source tab.
func (c *Coordinator) broadcastAllCounts(ctx context.Context) {
	for _, session := range c.registry.List() {
		c.pushCount(ctx, session)
	}
}

// FocusSourceTab asks the host to bring the session's source tab to
// the front.
func (c *Coordinator) FocusSourceTab(ctx context.Context, sessionID string) {
	session, ok := c.registry.Get(sessionID)
	if !ok {
		return
	}
	if err := c.relay.SendHost(ctx, protocol.MustEncode(protocol.TypeFocusTab, protocol.FocusTab{TabID: session.SourceTabID})); err != nil {
		c.logger.Warn("focusing source tab failed", "session", sessionID, "tab", session.SourceTabID, "error", err)
	}
}

// UpdateCrop forwards a crop update for a live session to the engine.
func (c *Coordinator) UpdateCrop(ctx context.Context, update protocol.CropUpdate) {
	if _, ok := c.registry.Get(update.SessionID); !ok {
		return
	}
	c.engine.UpdateCrop(ctx, update.SessionID, capture.CropInput{
		Geometry:       update.Geometry,
		ViewportWidth:  update.ViewportWidth,
		ViewportHeight: update.ViewportHeight,
		DPR:            update.DPR,
	})
}

// Snapshot returns every session, ordered by source tab and ordinal.
func (c *Coordinator) Snapshot() []*Session {
	return c.registry.List()
}

// deliver sends to a surface, injecting it once if nothing listens.
func (c *Coordinator) deliver(ctx context.Context, tab int, envelope protocol.Envelope) {
	err := relay.Deliver(ctx, c.relay, tab, envelope, c.logger)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrNoListener):
		c.logger.Debug("surface unreachable, message dropped", "tab", tab, "type", envelope.Type, "error", err)
	default:
		c.logger.Warn("delivery failed", "tab", tab, "type", envelope.Type, "error", err)
	}
}

// send is a best-effort send without injection.
func (c *Coordinator) send(ctx context.Context, tab int, envelope protocol.Envelope) {
	if err := c.relay.Send(ctx, tab, envelope); err != nil && !errors.Is(err, relay.ErrNoListener) {
		c.logger.Warn("send failed", "tab", tab, "type", envelope.Type, "error", err)
	}
}

func (c *Coordinator) updateGauges() {
	sessions := c.registry.List()
	overlays := 0
	for _, session := range sessions {
		overlays += session.OutputCount()
	}
	metrics.ActiveSessions.Set(float64(len(sessions)))
	metrics.OutputOverlays.Set(float64(overlays))
}

func (c *Coordinator) touchRecent(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = slices.DeleteFunc(c.recent, func(id string) bool { return id == sessionID })
	c.recent = append(c.recent, sessionID)
}

func (c *Coordinator) forgetRecent(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = slices.DeleteFunc(c.recent, func(id string) bool { return id == sessionID })
}

// mostRecent returns the newest session still registered, pruning
// stale entries.
func (c *Coordinator) mostRecent() (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for index := len(c.recent) - 1; index >= 0; index-- {
		if session, ok := c.registry.Get(c.recent[index]); ok {
			return session, true
		}
		c.recent = slices.Delete(c.recent, index, index+1)
	}
	return nil, false
}
