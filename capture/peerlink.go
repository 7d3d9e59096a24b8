// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/peek/lib/metrics"
	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

// LinkKey identifies one viewer connection. TabID zero is the legacy
// session-wide link whose signaling goes to every viewer tab.
type LinkKey struct {
	SessionID string
	TabID     int
}

// peerLink is one negotiated connection. Fields other than connection,
// track, and canvas are protected by Engine.mu.
type peerLink struct {
	key        LinkKey
	connection *webrtc.PeerConnection
	track      *webrtc.TrackLocalStaticSample
	canvas     *canvas

	offerID         string
	pending         *protocol.Offer
	offerSent       bool
	localQueue      []protocol.Candidate
	remoteQueue     []webrtc.ICECandidateInit
	remoteApplied   bool
	applyingAnswer  bool
	connectionState webrtc.PeerConnectionState
}

// teardown stops the link's track and closes its connection. The
// caller has already removed the link from the engine.
func (l *peerLink) teardown() {
	l.canvas.removeTrack(l.key.TabID, l.track)
	if err := l.connection.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		l.canvas.logger.Debug("closing peer connection failed", "tab", l.key.TabID, "error", err)
	}
	metrics.PeerLinks.Dec()
}

func (l *peerLink) statusLocked() LinkStatus {
	return LinkStatus{
		TabID:           l.key.TabID,
		OfferID:         l.offerID,
		SignalingState:  l.connection.SignalingState().String(),
		ConnectionState: l.connectionState.String(),
		QueuedRemoteICE: len(l.remoteQueue),
	}
}

// CreateOffer builds a fresh link for (sessionID, tab), replacing any
// existing one, and delivers its offer. The tab becomes an active
// viewer, starting the render loop if needed.
func (e *Engine) CreateOffer(ctx context.Context, sessionID string, tab int) error {
	key := LinkKey{SessionID: sessionID, TabID: tab}

	connection, err := e.config.ICE.NewPeerConnection()
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		fmt.Sprintf("video-%d", tab),
		"peek-"+sessionID,
	)
	if err != nil {
		connection.Close()
		return fmt.Errorf("creating track: %w", err)
	}

	e.mu.Lock()
	session, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		connection.Close()
		return ErrNoSession
	}
	link := &peerLink{
		key:        key,
		connection: connection,
		track:      track,
		canvas:     session.canvas,
		offerID:    uuid.NewString(),
	}
	previous := e.links[key]
	e.links[key] = link
	e.markActiveLocked(session, tab)
	e.mu.Unlock()

	metrics.PeerLinks.Inc()
	if previous != nil {
		previous.teardown()
		e.logger.Debug("superseded viewer link", "session", sessionID, "tab", tab, "offer_id", previous.offerID)
	}

	if err := e.negotiate(ctx, session, link); err != nil {
		e.dropLink(link)
		return err
	}
	return nil
}

// negotiate attaches the track, creates and sends the offer, then
// flushes candidates gathered meanwhile.
func (e *Engine) negotiate(ctx context.Context, session *captureSession, link *peerLink) error {
	connection := link.connection
	key := link.key

	sender, err := connection.AddTrack(link.track)
	if err != nil {
		return fmt.Errorf("adding track: %w", err)
	}
	// Drain RTCP so the interceptors keep running.
	go func() {
		buffer := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buffer); err != nil {
				return
			}
		}
	}()

	connection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		e.sendLocalCandidate(link, relay.CandidateFromInit(candidate.ToJSON()))
	})
	connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.handleConnectionState(link, state)
	})

	offer, err := connection.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := connection.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	e.mu.Lock()
	if e.links[key] != link {
		e.mu.Unlock()
		e.logger.Debug("offer superseded before delivery", "session", key.SessionID, "tab", key.TabID, "offer_id", link.offerID)
		return nil
	}
	width, height := e.sourceSizeLocked(session)
	payload := &protocol.Offer{
		SessionID: key.SessionID,
		TabID:     key.TabID,
		SDP:       connection.LocalDescription().SDP,
		SrcWidth:  width,
		SrcHeight: height,
		OfferID:   link.offerID,
	}
	link.pending = payload
	link.canvas.addTrack(key.TabID, link.track)
	e.mu.Unlock()

	e.sendToLink(ctx, key, protocol.MustEncode(protocol.TypeOffer, payload))
	metrics.OffersCreated.Inc()
	e.logger.Info("offer sent", "session", key.SessionID, "tab", key.TabID, "offer_id", link.offerID)

	e.mu.Lock()
	if e.links[key] != link {
		e.mu.Unlock()
		return nil
	}
	link.offerSent = true
	queued := link.localQueue
	link.localQueue = nil
	e.mu.Unlock()

	for _, candidate := range queued {
		e.sendToLink(ctx, key, candidateEnvelope(key, link.offerID, candidate))
	}
	e.SendAspect(ctx, key.SessionID, key.TabID)
	return nil
}

// sourceSizeLocked is the size viewers should expect: the crop when one
// is set, else the native frame size.
func (e *Engine) sourceSizeLocked(session *captureSession) (int, int) {
	if session.crop != nil {
		return session.crop.W, session.crop.H
	}
	return session.context.mirror.nativeSize()
}

func (e *Engine) sendLocalCandidate(link *peerLink, candidate protocol.Candidate) {
	e.mu.Lock()
	if e.links[link.key] != link {
		e.mu.Unlock()
		return
	}
	if !link.offerSent {
		link.localQueue = append(link.localQueue, candidate)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.sendToLink(context.Background(), link.key, candidateEnvelope(link.key, link.offerID, candidate))
}

func candidateEnvelope(key LinkKey, offerID string, candidate protocol.Candidate) protocol.Envelope {
	return protocol.MustEncode(protocol.TypeIceCandidate, protocol.IceCandidate{
		SessionID: key.SessionID,
		TabID:     key.TabID,
		Candidate: candidate,
		OfferID:   offerID,
	})
}

func (e *Engine) sendToLink(ctx context.Context, key LinkKey, envelope protocol.Envelope) {
	if key.TabID == 0 {
		e.outbox.SendToSessionViewers(ctx, key.SessionID, envelope)
		return
	}
	e.outbox.SendToViewer(ctx, key.SessionID, key.TabID, envelope)
}

func (e *Engine) handleConnectionState(link *peerLink, state webrtc.PeerConnectionState) {
	e.mu.Lock()
	if e.links[link.key] != link {
		e.mu.Unlock()
		return
	}
	link.connectionState = state
	e.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		e.logger.Info("viewer connected", "session", link.key.SessionID, "tab", link.key.TabID, "offer_id", link.offerID)
	case webrtc.PeerConnectionStateFailed:
		e.logger.Warn("viewer connection failed, waiting for reconnect", "session", link.key.SessionID, "tab", link.key.TabID, "offer_id", link.offerID)
	default:
		e.logger.Debug("viewer connection state", "session", link.key.SessionID, "tab", link.key.TabID, "state", state.String())
	}
}

// dropLink removes link if it is still current and tears it down.
func (e *Engine) dropLink(link *peerLink) {
	e.mu.Lock()
	current := e.links[link.key] == link
	if current {
		delete(e.links, link.key)
	}
	e.mu.Unlock()
	if current {
		link.teardown()
	}
}

// ApplyAnswer applies a viewer's answer. It fails with ErrNoLink,
// ErrStaleOffer, or ErrWrongSignalingState without touching the link
// when the answer does not match the link's outstanding offer.
func (e *Engine) ApplyAnswer(ctx context.Context, sessionID string, tab int, offerID, sdp string) error {
	key := LinkKey{SessionID: sessionID, TabID: tab}

	e.mu.Lock()
	link, ok := e.links[key]
	switch {
	case !ok:
		e.mu.Unlock()
		return e.rejected("answer", ErrNoLink, key, offerID)
	case offerID == "" || offerID != link.offerID:
		e.mu.Unlock()
		return e.rejected("answer", ErrStaleOffer, key, offerID)
	case link.applyingAnswer || link.connection.SignalingState() != webrtc.SignalingStateHaveLocalOffer:
		e.mu.Unlock()
		return e.rejected("answer", ErrWrongSignalingState, key, offerID)
	}
	link.applyingAnswer = true
	connection := link.connection
	e.mu.Unlock()

	err := connection.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})

	e.mu.Lock()
	if e.links[key] != link {
		e.mu.Unlock()
		return e.rejected("answer", ErrStaleOffer, key, offerID)
	}
	link.applyingAnswer = false
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("applying answer for %s/%d: %w", sessionID, tab, err)
	}
	link.remoteApplied = true
	link.pending = nil
	queued := link.remoteQueue
	link.remoteQueue = nil
	e.mu.Unlock()

	for _, candidate := range queued {
		if err := connection.AddICECandidate(candidate); err != nil {
			e.logger.Debug("queued candidate rejected", "session", sessionID, "tab", tab, "error", err)
		}
	}
	e.logger.Info("answer applied", "session", sessionID, "tab", tab, "offer_id", offerID, "drained", len(queued))
	return nil
}

// AddRemoteIce applies a viewer candidate, or queues it until the
// answer is applied. An empty offerID is accepted.
func (e *Engine) AddRemoteIce(ctx context.Context, sessionID string, tab int, offerID string, candidate protocol.Candidate) error {
	key := LinkKey{SessionID: sessionID, TabID: tab}

	e.mu.Lock()
	link, ok := e.links[key]
	switch {
	case !ok:
		e.mu.Unlock()
		return e.rejected("ice", ErrNoLink, key, offerID)
	case offerID != "" && offerID != link.offerID:
		e.mu.Unlock()
		return e.rejected("ice", ErrStaleOffer, key, offerID)
	}
	init := relay.CandidateInit(candidate)
	if !link.remoteApplied {
		link.remoteQueue = append(link.remoteQueue, init)
		e.mu.Unlock()
		return nil
	}
	connection := link.connection
	e.mu.Unlock()

	if err := connection.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding candidate for %s/%d: %w", sessionID, tab, err)
	}
	return nil
}

// PendingOffer returns the offer awaiting an answer on a link.
func (e *Engine) PendingOffer(sessionID string, tab int) (protocol.Offer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	link, ok := e.links[LinkKey{SessionID: sessionID, TabID: tab}]
	if !ok || link.pending == nil {
		return protocol.Offer{}, false
	}
	return *link.pending, true
}

func (e *Engine) rejected(kind string, reason error, key LinkKey, offerID string) error {
	label := "no_link"
	switch {
	case errors.Is(reason, ErrStaleOffer):
		label = "stale_offer"
	case errors.Is(reason, ErrWrongSignalingState):
		label = "signaling_state"
	}
	metrics.NegotiationDropped.WithLabelValues(kind, label).Inc()
	return fmt.Errorf("%s for %s/%d offer %q: %w", kind, key.SessionID, key.TabID, offerID, reason)
}
