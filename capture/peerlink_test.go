// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

// answerOffer plays the viewer: it applies offer to a fresh connection
// and returns the answer SDP.
func answerOffer(t *testing.T, offer protocol.Offer) string {
	t.Helper()
	viewer, err := relay.ICEConfig{IncludeLoopback: true}.NewPeerConnection()
	if err != nil {
		t.Fatalf("creating viewer connection: %v", err)
	}
	t.Cleanup(func() { viewer.Close() })

	if err := viewer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		t.Fatalf("viewer SetRemoteDescription: %v", err)
	}
	answer, err := viewer.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("viewer CreateAnswer: %v", err)
	}
	if err := viewer.SetLocalDescription(answer); err != nil {
		t.Fatalf("viewer SetLocalDescription: %v", err)
	}
	return viewer.LocalDescription().SDP
}

func (e *testEngine) nextOffer(t *testing.T) (sent, protocol.Offer) {
	t.Helper()
	message := e.outbox.next(t, protocol.TypeOffer)
	var offer protocol.Offer
	if err := message.envelope.Decode(&offer); err != nil {
		t.Fatalf("decoding offer: %v", err)
	}
	return message, offer
}

func (e *testEngine) link(t *testing.T, sessionID string, tab int) LinkStatus {
	t.Helper()
	for _, status := range e.Snapshot() {
		if status.SessionID != sessionID {
			continue
		}
		for _, link := range status.Links {
			if link.TabID == tab {
				return link
			}
		}
	}
	t.Fatalf("no link %s/%d", sessionID, tab)
	return LinkStatus{}
}

func TestCreateOfferAddressesViewer(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	ctx := context.Background()
	if _, err := engine.StartCapture(ctx, "alpha", 5); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	engine.acquirer.Push(5, solidFrame(320, 200))

	if err := engine.CreateOffer(ctx, "alpha", 7); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	message, offer := engine.nextOffer(t)
	if message.tab != 7 {
		t.Errorf("offer sent to tab %d, want 7", message.tab)
	}
	if offer.OfferID == "" {
		t.Error("offer has no offer id")
	}
	if offer.TabID != 7 || offer.SessionID != "alpha" {
		t.Errorf("offer addressed to %s/%d, want alpha/7", offer.SessionID, offer.TabID)
	}
	if offer.SrcWidth != 320 || offer.SrcHeight != 200 {
		t.Errorf("offer source size = %dx%d, want native 320x200", offer.SrcWidth, offer.SrcHeight)
	}
	if link := engine.link(t, "alpha", 7); link.SignalingState != webrtc.SignalingStateHaveLocalOffer.String() {
		t.Errorf("signaling state = %s, want have-local-offer", link.SignalingState)
	}
	if !engine.Snapshot()[0].Rendering {
		t.Error("render loop not started by the first link")
	}
}

func TestCreateOfferLegacyLinkBroadcasts(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	ctx := context.Background()
	if _, err := engine.StartCapture(ctx, "alpha", 5); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := engine.CreateOffer(ctx, "alpha", 0); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	message, _ := engine.nextOffer(t)
	if message.tab != 0 {
		t.Errorf("legacy offer sent to tab %d, want session-wide", message.tab)
	}
}

func TestCreateOfferUnknownSession(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	if err := engine.CreateOffer(context.Background(), "missing", 7); !errors.Is(err, ErrNoSession) {
		t.Errorf("error = %v, want ErrNoSession", err)
	}
}

func TestApplyAnswerRejectsStaleOffer(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	ctx := context.Background()
	if _, err := engine.StartCapture(ctx, "alpha", 5); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}

	if err := engine.CreateOffer(ctx, "alpha", 7); err != nil {
		t.Fatalf("first CreateOffer: %v", err)
	}
	_, first := engine.nextOffer(t)
	if err := engine.CreateOffer(ctx, "alpha", 7); err != nil {
		t.Fatalf("second CreateOffer: %v", err)
	}
	_, second := engine.nextOffer(t)
	if first.OfferID == second.OfferID {
		t.Fatalf("renegotiation reused offer id %q", first.OfferID)
	}

	staleAnswer := answerOffer(t, first)
	err := engine.ApplyAnswer(ctx, "alpha", 7, first.OfferID, staleAnswer)
	if !errors.Is(err, ErrStaleOffer) {
		t.Fatalf("stale answer error = %v, want ErrStaleOffer", err)
	}
	if err := engine.ApplyAnswer(ctx, "alpha", 7, "", staleAnswer); !errors.Is(err, ErrStaleOffer) {
		t.Fatalf("answer without offer id error = %v, want ErrStaleOffer", err)
	}
	link := engine.link(t, "alpha", 7)
	if link.SignalingState != webrtc.SignalingStateHaveLocalOffer.String() {
		t.Fatalf("stale answer moved the link to %s", link.SignalingState)
	}
	if link.OfferID != second.OfferID {
		t.Fatalf("link offer id = %q, want %q", link.OfferID, second.OfferID)
	}

	if err := engine.ApplyAnswer(ctx, "alpha", 7, second.OfferID, answerOffer(t, second)); err != nil {
		t.Fatalf("current answer: %v", err)
	}
	if state := engine.link(t, "alpha", 7).SignalingState; state != webrtc.SignalingStateStable.String() {
		t.Errorf("signaling state after answer = %s, want stable", state)
	}
	if err := engine.ApplyAnswer(ctx, "alpha", 7, second.OfferID, staleAnswer); !errors.Is(err, ErrWrongSignalingState) {
		t.Errorf("repeated answer error = %v, want ErrWrongSignalingState", err)
	}
	if err := engine.ApplyAnswer(ctx, "alpha", 9, second.OfferID, staleAnswer); !errors.Is(err, ErrNoLink) {
		t.Errorf("answer for unknown link error = %v, want ErrNoLink", err)
	}
}

func TestRemoteIceQueuedUntilAnswer(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	ctx := context.Background()
	if _, err := engine.StartCapture(ctx, "alpha", 5); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := engine.CreateOffer(ctx, "alpha", 7); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	_, offer := engine.nextOffer(t)

	mid := "0"
	var index uint16
	candidate := protocol.Candidate{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
	if err := engine.AddRemoteIce(ctx, "alpha", 7, offer.OfferID, candidate); err != nil {
		t.Fatalf("AddRemoteIce with offer id: %v", err)
	}
	if err := engine.AddRemoteIce(ctx, "alpha", 7, "", candidate); err != nil {
		t.Fatalf("AddRemoteIce without offer id: %v", err)
	}
	if err := engine.AddRemoteIce(ctx, "alpha", 7, "other", candidate); !errors.Is(err, ErrStaleOffer) {
		t.Fatalf("AddRemoteIce with stale id error = %v, want ErrStaleOffer", err)
	}
	if err := engine.AddRemoteIce(ctx, "alpha", 8, "", candidate); !errors.Is(err, ErrNoLink) {
		t.Fatalf("AddRemoteIce for unknown link error = %v, want ErrNoLink", err)
	}
	if queued := engine.link(t, "alpha", 7).QueuedRemoteICE; queued != 2 {
		t.Fatalf("queued candidates = %d, want 2", queued)
	}

	if err := engine.ApplyAnswer(ctx, "alpha", 7, offer.OfferID, answerOffer(t, offer)); err != nil {
		t.Fatalf("ApplyAnswer: %v", err)
	}
	if queued := engine.link(t, "alpha", 7).QueuedRemoteICE; queued != 0 {
		t.Errorf("queued candidates after answer = %d, want 0", queued)
	}
}

func TestRestartRenegotiatesActiveViewers(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	ctx := context.Background()
	if _, err := engine.StartCapture(ctx, "alpha", 5); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := engine.CreateOffer(ctx, "alpha", 7); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	_, before := engine.nextOffer(t)

	if err := engine.RestartCapture(ctx, "alpha"); err != nil {
		t.Fatalf("RestartCapture: %v", err)
	}
	message, after := engine.nextOffer(t)
	if message.tab != 7 {
		t.Errorf("renegotiation offer sent to tab %d, want 7", message.tab)
	}
	if after.OfferID == before.OfferID {
		t.Error("renegotiation reused the offer id")
	}
	if err := engine.ApplyAnswer(ctx, "alpha", 7, before.OfferID, answerOffer(t, before)); !errors.Is(err, ErrStaleOffer) {
		t.Errorf("answer to pre-restart offer error = %v, want ErrStaleOffer", err)
	}
}

func TestStopCaptureClosesLinks(t *testing.T) {
	engine := newTestEngine(t, nil, nil)
	ctx := context.Background()
	if _, err := engine.StartCapture(ctx, "alpha", 5); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	for _, tab := range []int{7, 8} {
		if err := engine.CreateOffer(ctx, "alpha", tab); err != nil {
			t.Fatalf("CreateOffer(%d): %v", tab, err)
		}
	}
	engine.StopCapture("alpha")

	if len(engine.Snapshot()) != 0 {
		t.Error("session remains after StopCapture")
	}
	if err := engine.ApplyAnswer(ctx, "alpha", 7, "any", ""); !errors.Is(err, ErrNoLink) {
		t.Errorf("answer after stop error = %v, want ErrNoLink", err)
	}
}
