// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

// Config configures a Viewer.
type Config struct {
	Endpoint relay.Endpoint
	ICE      relay.ICEConfig
	Logger   *slog.Logger

	// OnTrack, when set, receives every remote track and owns reading
	// it. Otherwise the viewer reads and counts RTP packets itself.
	OnTrack func(sessionID string, track *webrtc.TrackRemote)
}

// Aspect is the last aspect broadcast for a session.
type Aspect struct {
	Width  int
	Height int
}

// Viewer answers offers for every session viewed through one endpoint.
type Viewer struct {
	endpoint relay.Endpoint
	ice      relay.ICEConfig
	logger   *slog.Logger
	onTrack  func(string, *webrtc.TrackRemote)

	mu       sync.Mutex
	links    map[string]*answerer
	aspects  map[string]Aspect
	overlays map[string][]string
	closed   bool
}

// answerer is the answering side of one session's link.
type answerer struct {
	sessionID  string
	tabID      int
	offerID    string
	connection *webrtc.PeerConnection

	remoteSet bool
	pending   []webrtc.ICECandidateInit

	connected     chan struct{}
	connectedOnce sync.Once
	packets       atomic.Int64
}

// New returns a viewer. Call Run to start answering.
func New(config Config) *Viewer {
	return &Viewer{
		endpoint: config.Endpoint,
		ice:      config.ICE,
		logger:   config.Logger,
		onTrack:  config.OnTrack,
		links:    make(map[string]*answerer),
		aspects:  make(map[string]Aspect),
		overlays: make(map[string][]string),
	}
}

// Run handles inbound messages until ctx is cancelled or the endpoint's
// inbox closes. Offers are answered one at a time in arrival order.
func (v *Viewer) Run(ctx context.Context) error {
	inbox := v.endpoint.Inbox()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-inbox:
			if !ok {
				return nil
			}
			if err := v.handle(ctx, envelope); err != nil {
				v.logger.Warn("viewer message failed", "type", envelope.Type, "error", err)
			}
		}
	}
}

func (v *Viewer) handle(ctx context.Context, envelope protocol.Envelope) error {
	switch envelope.Type {
	case protocol.TypeOffer:
		var offer protocol.Offer
		if err := envelope.Decode(&offer); err != nil {
			return err
		}
		return v.answer(ctx, offer)

	case protocol.TypeIceCandidate:
		var message protocol.IceCandidate
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		return v.addCandidate(message)

	case protocol.TypeAspectRatioChanged:
		var message protocol.AspectRatioChanged
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		v.mu.Lock()
		v.aspects[message.SessionID] = Aspect{Width: message.Width, Height: message.Height}
		v.mu.Unlock()

	case protocol.TypeCreateOutputOverlay:
		var message protocol.CreateOutputOverlay
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		v.mu.Lock()
		if !slices.Contains(v.overlays[message.SessionID], message.OverlayID) {
			v.overlays[message.SessionID] = append(v.overlays[message.SessionID], message.OverlayID)
		}
		v.mu.Unlock()

	case protocol.TypeHideOverlay:
		var message protocol.HideOverlay
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		v.hideOverlay(message.SessionID, message.OverlayID)
	}
	return nil
}

// answer replaces the session's connection with one answering offer.
func (v *Viewer) answer(ctx context.Context, offer protocol.Offer) error {
	connection, err := v.ice.NewPeerConnection()
	if err != nil {
		return fmt.Errorf("creating connection for %s: %w", offer.SessionID, err)
	}
	link := &answerer{
		sessionID:  offer.SessionID,
		tabID:      offer.TabID,
		offerID:    offer.OfferID,
		connection: connection,
		connected:  make(chan struct{}),
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		connection.Close()
		return nil
	}
	previous := v.links[offer.SessionID]
	v.links[offer.SessionID] = link
	v.mu.Unlock()
	if previous != nil {
		previous.connection.Close()
	}

	connection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || !v.current(link) {
			return
		}
		envelope := protocol.MustEncode(protocol.TypeIceCandidate, protocol.IceCandidate{
			SessionID: link.sessionID,
			TabID:     link.tabID,
			Candidate: relay.CandidateFromInit(candidate.ToJSON()),
			OfferID:   link.offerID,
		})
		if err := v.endpoint.Send(ctx, envelope); err != nil {
			v.logger.Debug("sending candidate failed", "session", link.sessionID, "error", err)
		}
	})
	connection.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if v.onTrack != nil {
			v.onTrack(link.sessionID, track)
			return
		}
		go link.readTrack(track)
	})
	connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.logger.Debug("viewer connection state", "session", link.sessionID, "offer_id", link.offerID, "state", state.String())
		if state == webrtc.PeerConnectionStateConnected {
			link.connectedOnce.Do(func() { close(link.connected) })
		}
	})

	if err := connection.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		v.drop(link)
		return fmt.Errorf("applying offer %s: %w", offer.OfferID, err)
	}

	v.mu.Lock()
	if v.links[offer.SessionID] != link {
		v.mu.Unlock()
		return nil
	}
	link.remoteSet = true
	queued := link.pending
	link.pending = nil
	v.mu.Unlock()
	for _, candidate := range queued {
		if err := connection.AddICECandidate(candidate); err != nil {
			v.logger.Debug("adding queued candidate failed", "session", link.sessionID, "error", err)
		}
	}

	answer, err := connection.CreateAnswer(nil)
	if err != nil {
		v.drop(link)
		return fmt.Errorf("creating answer for %s: %w", offer.OfferID, err)
	}
	if err := connection.SetLocalDescription(answer); err != nil {
		v.drop(link)
		return fmt.Errorf("setting answer for %s: %w", offer.OfferID, err)
	}
	if !v.current(link) {
		return nil
	}
	return v.endpoint.Send(ctx, protocol.MustEncode(protocol.TypeAnswer, protocol.Answer{
		SessionID: link.sessionID,
		TabID:     link.tabID,
		SDP:       answer.SDP,
		OfferID:   link.offerID,
	}))
}

// addCandidate applies or queues an engine candidate. Candidates for
// another offer are dropped.
func (v *Viewer) addCandidate(message protocol.IceCandidate) error {
	v.mu.Lock()
	link, ok := v.links[message.SessionID]
	if !ok || (message.OfferID != "" && message.OfferID != link.offerID) {
		v.mu.Unlock()
		v.logger.Debug("dropping candidate for unknown offer", "session", message.SessionID, "offer_id", message.OfferID)
		return nil
	}
	candidate := relay.CandidateInit(message.Candidate)
	if !link.remoteSet {
		link.pending = append(link.pending, candidate)
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()
	if err := link.connection.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("adding candidate for %s: %w", message.SessionID, err)
	}
	return nil
}

func (v *Viewer) hideOverlay(sessionID, overlayID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if overlayID == "" {
		delete(v.overlays, sessionID)
		return
	}
	remaining := slices.DeleteFunc(v.overlays[sessionID], func(id string) bool { return id == overlayID })
	if len(remaining) == 0 {
		delete(v.overlays, sessionID)
		return
	}
	v.overlays[sessionID] = remaining
}

func (v *Viewer) current(link *answerer) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.links[link.sessionID] == link
}

func (v *Viewer) drop(link *answerer) {
	v.mu.Lock()
	if v.links[link.sessionID] == link {
		delete(v.links, link.sessionID)
	}
	v.mu.Unlock()
	link.connection.Close()
}

func (a *answerer) readTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		a.packets.Add(1)
	}
}

// Send sends a message from this surface.
func (v *Viewer) Send(ctx context.Context, messageType string, payload any) error {
	envelope, err := protocol.Encode(messageType, payload)
	if err != nil {
		return err
	}
	return v.endpoint.Send(ctx, envelope)
}

// RequestOffer asks for a fresh negotiation of the session's link on
// tab.
func (v *Viewer) RequestOffer(ctx context.Context, sessionID string, tab int) error {
	return v.Send(ctx, protocol.TypeRequestOffer, protocol.RequestOffer{SessionID: sessionID, TabID: tab})
}

// Sessions returns the sessions with a current connection.
func (v *Viewer) Sessions() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	sessions := make([]string, 0, len(v.links))
	for sessionID := range v.links {
		sessions = append(sessions, sessionID)
	}
	slices.Sort(sessions)
	return sessions
}

// Connected returns a channel closed once the session's current
// connection is up, or nil if no offer has been answered.
func (v *Viewer) Connected(sessionID string) <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	link, ok := v.links[sessionID]
	if !ok {
		return nil
	}
	return link.connected
}

// OfferID returns the offer id of the session's current connection.
func (v *Viewer) OfferID(sessionID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if link, ok := v.links[sessionID]; ok {
		return link.offerID
	}
	return ""
}

// Packets returns how many RTP packets the session's current connection
// has received.
func (v *Viewer) Packets(sessionID string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if link, ok := v.links[sessionID]; ok {
		return link.packets.Load()
	}
	return 0
}

func (v *Viewer) Aspect(sessionID string) (Aspect, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	aspect, ok := v.aspects[sessionID]
	return aspect, ok
}

// Overlays returns the session's viewer overlays shown on this surface.
func (v *Viewer) Overlays(sessionID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.overlays[sessionID])
}

// Close closes every connection. Offers arriving afterwards are
// ignored.
func (v *Viewer) Close() {
	v.mu.Lock()
	v.closed = true
	links := v.links
	v.links = make(map[string]*answerer)
	v.mu.Unlock()
	for _, link := range links {
		link.connection.Close()
	}
}
