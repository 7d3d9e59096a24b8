// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/peek/lib/clock"
	"github.com/bureau-foundation/peek/lib/metrics"
	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

// Outbox delivers engine messages to viewer surfaces. The coordinator
// implements it because only it knows which tabs view which session.
type Outbox interface {
	// SendToViewer delivers to one viewer tab of the session.
	SendToViewer(ctx context.Context, sessionID string, tab int, envelope protocol.Envelope)

	// SendToSessionViewers delivers to every viewer tab of the session.
	SendToSessionViewers(ctx context.Context, sessionID string, envelope protocol.Envelope)
}

// Config configures an Engine.
type Config struct {
	ICE           relay.ICEConfig
	Encoder       EncoderFactory
	EncoderParams EncoderParams

	// FrameCallbacks paces render loops by the stream's frame
	// notifications when available.
	FrameCallbacks bool

	// FallbackInterval paces render loops without frame notifications.
	FallbackInterval time.Duration

	// ZeroFrameGrace is how long a render loop may run without drawing
	// before an error is logged.
	ZeroFrameGrace time.Duration
}

// Engine owns capture contexts, session canvases, and viewer links.
type Engine struct {
	acquirer Acquirer
	outbox   Outbox
	config   Config
	clock    clock.Clock
	logger   *slog.Logger

	acquiring singleflight.Group

	mu         sync.Mutex
	contexts   map[int]*captureContext
	sessions   map[string]*captureSession
	links      map[LinkKey]*peerLink
	generation uint64
	closed     bool
}

// captureContext is one acquired tab stream shared by every session of
// that tab. refs counts attached sessions.
type captureContext struct {
	tabID      int
	generation uint64
	mirror     *mirror
	refs       int
	released   bool
}

// captureSession is the engine's view of one session.
type captureSession struct {
	id      string
	tabID   int
	context *captureContext
	canvas  *canvas

	// crop is nil until a crop update has been applied; the full frame
	// is drawn meanwhile.
	crop        *CropRegion
	pendingCrop *CropInput

	// active holds the viewer tabs with a live link request. Zero is
	// the legacy session-wide link.
	active map[int]struct{}
	render *renderLoop
}

// NewEngine returns an engine with no sessions.
func NewEngine(acquirer Acquirer, outbox Outbox, config Config, clk clock.Clock, logger *slog.Logger) *Engine {
	if config.FallbackInterval <= 0 {
		config.FallbackInterval = 33 * time.Millisecond
	}
	if config.ZeroFrameGrace <= 0 {
		config.ZeroFrameGrace = 1500 * time.Millisecond
	}
	return &Engine{
		acquirer: acquirer,
		outbox:   outbox,
		config:   config,
		clock:    clk,
		logger:   logger,
		contexts: make(map[int]*captureContext),
		sessions: make(map[string]*captureSession),
		links:    make(map[LinkKey]*peerLink),
	}
}

// HasCapture reports whether tab has a live capture context.
func (e *Engine) HasCapture(tab int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.contexts[tab]
	return ok
}

// StartCapture begins capturing tab for sessionID. If the tab already
// has a capture context the session attaches to it and attached is
// true; otherwise the stream is acquired. Acquisition failures wrap
// ErrAcquisition.
func (e *Engine) StartCapture(ctx context.Context, sessionID string, tab int) (attached bool, err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, fmt.Errorf("engine closed")
	}
	if _, exists := e.sessions[sessionID]; exists {
		e.mu.Unlock()
		return false, fmt.Errorf("session %s is already capturing", sessionID)
	}
	if existing, ok := e.contexts[tab]; ok {
		e.attachLocked(sessionID, tab, existing)
		e.mu.Unlock()
		e.logger.Info("session attached to existing capture", "session", sessionID, "tab", tab, "generation", existing.generation)
		return true, nil
	}
	e.mu.Unlock()

	captured, err := e.acquireContext(ctx, tab, 0)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	if _, exists := e.sessions[sessionID]; exists || captured.released {
		stream := e.dropUnusedLocked(captured)
		e.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		if exists {
			return false, fmt.Errorf("session %s is already capturing", sessionID)
		}
		return false, fmt.Errorf("%w: tab %d: capture released during acquisition", ErrAcquisition, tab)
	}
	e.attachLocked(sessionID, tab, captured)
	e.mu.Unlock()
	e.logger.Info("capture started", "session", sessionID, "tab", tab, "generation", captured.generation)
	return false, nil
}

func (e *Engine) attachLocked(sessionID string, tab int, captured *captureContext) {
	captured.refs++
	e.sessions[sessionID] = &captureSession{
		id:      sessionID,
		tabID:   tab,
		context: captured,
		canvas:  newCanvas(e.config.EncoderParams, e.config.Encoder, e.logger.With("session", sessionID)),
		active:  make(map[int]struct{}),
	}
}

// acquireContext acquires a new context for tab, or joins an
// acquisition already in flight. A context newer than after is reused
// without acquiring.
func (e *Engine) acquireContext(ctx context.Context, tab int, after uint64) (*captureContext, error) {
	result, err, _ := e.acquiring.Do(strconv.Itoa(tab), func() (any, error) {
		e.mu.Lock()
		if current, ok := e.contexts[tab]; ok && current.generation > after {
			e.mu.Unlock()
			return current, nil
		}
		e.mu.Unlock()

		stream, err := e.acquirer.AcquireTabStream(ctx, tab)
		if err == nil && stream == nil {
			err = errors.New("empty stream grant")
		}
		if err != nil {
			metrics.AcquisitionFailures.Inc()
			return nil, fmt.Errorf("%w: tab %d: %w", ErrAcquisition, tab, err)
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			stream.Stop()
			return nil, fmt.Errorf("engine closed")
		}
		e.generation++
		captured := &captureContext{tabID: tab, generation: e.generation, mirror: newMirror(stream)}
		e.contexts[tab] = captured
		metrics.CaptureContexts.Inc()
		return captured, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*captureContext), nil
}

// releaseLocked drops one reference and returns the stream to stop
// once the context is unused.
func (e *Engine) releaseLocked(captured *captureContext) Stream {
	captured.refs--
	return e.dropUnusedLocked(captured)
}

// dropUnusedLocked retires a context nobody references and returns its
// stream for the caller to stop outside the lock.
func (e *Engine) dropUnusedLocked(captured *captureContext) Stream {
	if captured.refs > 0 || captured.released {
		return nil
	}
	captured.released = true
	if current, ok := e.contexts[captured.tabID]; ok && current == captured {
		delete(e.contexts, captured.tabID)
	}
	metrics.CaptureContexts.Dec()
	return captured.mirror.stream
}

// StopCapture tears down every link of the session, stops its render
// loop, and releases its capture context. Unknown sessions are ignored.
func (e *Engine) StopCapture(sessionID string) {
	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.sessions, sessionID)
	loop := e.stopRenderLocked(session)
	var links []*peerLink
	for key, link := range e.links {
		if key.SessionID == sessionID {
			delete(e.links, key)
			links = append(links, link)
		}
	}
	stream := e.releaseLocked(session.context)
	e.mu.Unlock()

	for _, link := range links {
		link.teardown()
	}
	if loop != nil {
		<-loop.done
	}
	session.canvas.close()
	if stream != nil {
		stream.Stop()
		e.logger.Info("capture stream released", "tab", session.tabID)
	}
	e.logger.Info("capture stopped", "session", sessionID, "tab", session.tabID, "links", len(links))
}

// RestartCapture moves the session onto a fresh capture of its tab,
// after the source tab reloaded. Sessions of the same tab share one
// reacquisition. Every active viewer link is renegotiated.
func (e *Engine) RestartCapture(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return ErrNoSession
	}
	previous := session.context
	tab := session.tabID
	e.mu.Unlock()

	captured, err := e.acquireContext(ctx, tab, previous.generation)
	if err != nil {
		return err
	}

	e.mu.Lock()
	current, ok := e.sessions[sessionID]
	if !ok || current != session || session.context != previous || captured.released {
		stream := e.dropUnusedLocked(captured)
		e.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		e.logger.Debug("restart superseded", "session", sessionID)
		return nil
	}
	captured.refs++
	session.context = captured
	stream := e.releaseLocked(previous)
	if session.render != nil {
		e.stopRenderLocked(session)
		e.startRenderLocked(session)
	}
	tabs := session.activeTabs()
	e.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	e.logger.Info("capture restarted", "session", sessionID, "tab", tab, "generation", captured.generation)

	for _, viewerTab := range tabs {
		if err := e.CreateOffer(ctx, sessionID, viewerTab); err != nil {
			e.logger.Warn("renegotiation after restart failed", "session", sessionID, "tab", viewerTab, "error", err)
		}
	}
	return nil
}

// UpdateCrop applies a crop update. Before the stream has a frame the
// update is held and applied to the first frame. AspectRatioChanged is
// broadcast only when the integer size changes.
func (e *Engine) UpdateCrop(ctx context.Context, sessionID string, input CropInput) {
	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return
	}
	width, height := session.context.mirror.nativeSize()
	if width == 0 || height == 0 {
		session.pendingCrop = &input
		e.mu.Unlock()
		e.logger.Debug("crop held until first frame", "session", sessionID)
		return
	}
	changed, region := e.applyCropLocked(session, input, width, height)
	e.mu.Unlock()

	if changed {
		e.broadcastAspect(ctx, sessionID, region)
	}
}

func (e *Engine) applyCropLocked(session *captureSession, input CropInput, width, height int) (bool, CropRegion) {
	region := ComputeCrop(input, width, height)
	previous := session.crop
	session.crop = &region
	session.pendingCrop = nil
	changed := previous == nil || previous.W != region.W || previous.H != region.H
	return changed, region
}

func (e *Engine) broadcastAspect(ctx context.Context, sessionID string, region CropRegion) {
	e.outbox.SendToSessionViewers(ctx, sessionID, protocol.MustEncode(protocol.TypeAspectRatioChanged,
		protocol.AspectRatioChanged{SessionID: sessionID, Width: region.W, Height: region.H}))
}

// AspectRatio returns the session's current crop size.
func (e *Engine) AspectRatio(sessionID string) (width, height int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, exists := e.sessions[sessionID]
	if !exists || session.crop == nil {
		return 0, 0, false
	}
	return session.crop.W, session.crop.H, true
}

// SendAspect re-sends the current aspect ratio to one viewer, or to
// every viewer when tab is zero.
func (e *Engine) SendAspect(ctx context.Context, sessionID string, tab int) {
	width, height, ok := e.AspectRatio(sessionID)
	if !ok {
		return
	}
	envelope := protocol.MustEncode(protocol.TypeAspectRatioChanged,
		protocol.AspectRatioChanged{SessionID: sessionID, Width: width, Height: height})
	if tab == 0 {
		e.outbox.SendToSessionViewers(ctx, sessionID, envelope)
		return
	}
	e.outbox.SendToViewer(ctx, sessionID, tab, envelope)
}

// StopOutput tears down the link for one viewer tab and marks it
// inactive. The render loop and its encoder stop with the last active
// viewer.
func (e *Engine) StopOutput(sessionID string, tab int) {
	e.mu.Lock()
	link := e.links[LinkKey{SessionID: sessionID, TabID: tab}]
	delete(e.links, LinkKey{SessionID: sessionID, TabID: tab})
	var (
		session *captureSession
		loop    *renderLoop
	)
	if current, ok := e.sessions[sessionID]; ok {
		session = current
		delete(session.active, tab)
		if len(session.active) == 0 {
			loop = e.stopRenderLocked(session)
		}
	}
	e.mu.Unlock()

	if link != nil {
		link.teardown()
		e.logger.Info("viewer link closed", "session", sessionID, "tab", tab)
	}
	if loop != nil {
		e.idleCanvas(session, loop)
		e.logger.Debug("encoder released, no active viewers", "session", sessionID)
	}
}

// PauseSession closes the legacy session-wide link. Per-viewer links
// are closed by StopOutput as their overlays go away.
func (e *Engine) PauseSession(sessionID string) {
	e.StopOutput(sessionID, 0)
}

// SessionStatus is a snapshot of one session for diagnostics.
type SessionStatus struct {
	SessionID    string       `json:"sessionId"`
	TabID        int          `json:"tabId"`
	Generation   uint64       `json:"generation"`
	ContextRefs  int          `json:"contextRefs"`
	Rendering    bool         `json:"rendering"`
	ActiveTabs   []int        `json:"activeTabs"`
	Crop         *CropRegion  `json:"crop,omitempty"`
	CanvasWidth  int          `json:"canvasWidth"`
	CanvasHeight int          `json:"canvasHeight"`
	Links        []LinkStatus `json:"links"`
}

// LinkStatus is a snapshot of one link.
type LinkStatus struct {
	TabID           int    `json:"tabId"`
	OfferID         string `json:"offerId"`
	SignalingState  string `json:"signalingState"`
	ConnectionState string `json:"connectionState"`
	QueuedRemoteICE int    `json:"queuedRemoteIce"`
}

// Snapshot returns the state of every session, ordered by id.
func (e *Engine) Snapshot() []SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	statuses := make([]SessionStatus, 0, len(e.sessions))
	for id, session := range e.sessions {
		status := SessionStatus{
			SessionID:   id,
			TabID:       session.tabID,
			Generation:  session.context.generation,
			ContextRefs: session.context.refs,
			Rendering:   session.render != nil,
			ActiveTabs:  session.activeTabs(),
		}
		if session.crop != nil {
			crop := *session.crop
			status.Crop = &crop
		}
		status.CanvasWidth, status.CanvasHeight = session.canvas.size()
		for key, link := range e.links {
			if key.SessionID != id {
				continue
			}
			status.Links = append(status.Links, link.statusLocked())
		}
		slices.SortFunc(status.Links, func(a, b LinkStatus) int { return a.TabID - b.TabID })
		statuses = append(statuses, status)
	}
	slices.SortFunc(statuses, func(a, b SessionStatus) int {
		switch {
		case a.SessionID < b.SessionID:
			return -1
		case a.SessionID > b.SessionID:
			return 1
		}
		return 0
	})
	return statuses
}

// Close stops every session.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.StopCapture(id)
	}
}

func (s *captureSession) activeTabs() []int {
	tabs := make([]int, 0, len(s.active))
	for tab := range s.active {
		tabs = append(tabs, tab)
	}
	slices.Sort(tabs)
	return tabs
}
