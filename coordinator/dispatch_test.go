// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"encoding/json"
	"slices"
	"testing"

	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

// surface returns the endpoint attached to tab, attaching one if needed.
func (h *harness) surface(tab int) *relay.MemoryEndpoint {
	if endpoint := h.relay.Surface(tab); endpoint != nil {
		return endpoint
	}
	return h.relay.Attach(tab)
}

func (h *harness) fromSurface(t *testing.T, tab int, messageType string, payload any) {
	t.Helper()
	if err := h.surface(tab).Send(context.Background(), protocol.MustEncode(messageType, payload)); err != nil {
		t.Fatalf("sending %s from tab %d: %v", messageType, tab, err)
	}
}

func (h *harness) fromHost(t *testing.T, messageType string, payload any) {
	t.Helper()
	if err := h.relay.Host().Send(context.Background(), protocol.MustEncode(messageType, payload)); err != nil {
		t.Fatalf("sending %s from host: %v", messageType, err)
	}
}

func TestSurfaceStartCaptureReplies(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.fromSurface(t, 3, protocol.TypeStartCapture, protocol.StartCapture{Title: "Dashboard", RequestID: "r1"})

	replies := ofType[protocol.CaptureStarted](t, h.drain(3), protocol.TypeCaptureStarted)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	reply := replies[0]
	if reply.RequestID != "r1" || reply.SessionID == "" || reply.Ordinal != 1 || reply.Error != "" {
		t.Errorf("reply = %+v", reply)
	}
	session, ok := h.Registry().Get(reply.SessionID)
	if !ok {
		t.Fatal("session not registered")
	}
	if session.SourceTabID != 3 || session.SourceTabTitle != "Dashboard" {
		t.Errorf("session = %+v, want source tab 3 titled Dashboard", session)
	}
}

func TestSurfaceCreateOutputDefaultsToSender(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	h.fromSurface(t, 9, protocol.TypeCreateOutput, protocol.CreateOutput{SessionID: session.ID})

	current, _ := h.Registry().Get(session.ID)
	if len(current.Outputs[9]) != 1 {
		t.Fatalf("outputs = %v, want one overlay on tab 9", current.Outputs)
	}
	if got := h.engine.tabs("offer", session.ID); !slices.Equal(got, []int{9}) {
		t.Errorf("offers = %v, want [9]", got)
	}
}

func TestSurfaceVerifyOutput(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	overlay := h.createOutput(t, session.ID, 9)
	h.drain(9)

	tests := []struct {
		name      string
		tab       int
		overlayID string
		want      bool
	}{
		{"current overlay", 9, overlay, true},
		{"unknown overlay", 9, "gone", false},
		{"overlay in other tab", 10, overlay, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h.fromSurface(t, test.tab, protocol.TypeVerifyOutput, protocol.VerifyOutput{SessionID: session.ID, OverlayID: test.overlayID})
			replies := ofType[protocol.OutputVerified](t, h.drain(test.tab), protocol.TypeOutputVerified)
			if len(replies) != 1 {
				t.Fatalf("got %d replies, want 1", len(replies))
			}
			if replies[0].Valid != test.want {
				t.Errorf("valid = %v, want %v", replies[0].Valid, test.want)
			}
		})
	}
}

func TestAnswerFromForeignTabDropped(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	h.createOutput(t, session.ID, 9)

	h.fromSurface(t, 10, protocol.TypeAnswer, protocol.Answer{SessionID: session.ID, TabID: 9, SDP: "v=0", OfferID: "o"})
	h.fromSurface(t, 10, protocol.TypeIceCandidate, protocol.IceCandidate{SessionID: session.ID, TabID: 9})
	if h.engine.count("answer", session.ID) != 0 || h.engine.count("ice", session.ID) != 0 {
		t.Fatal("negotiation message from another tab forwarded")
	}

	h.fromSurface(t, 9, protocol.TypeAnswer, protocol.Answer{SessionID: session.ID, TabID: 9, SDP: "v=0", OfferID: "o"})
	h.fromSurface(t, 9, protocol.TypeIceCandidate, protocol.IceCandidate{SessionID: session.ID, TabID: 9})
	if got := h.engine.tabs("answer", session.ID); !slices.Equal(got, []int{9}) {
		t.Errorf("answers = %v, want [9]", got)
	}
	if got := h.engine.tabs("ice", session.ID); !slices.Equal(got, []int{9}) {
		t.Errorf("candidates = %v, want [9]", got)
	}

	// A session-wide answer carries no tab and is accepted from anywhere.
	h.fromSurface(t, 10, protocol.TypeAnswer, protocol.Answer{SessionID: session.ID, SDP: "v=0", OfferID: "o"})
	if got := h.engine.tabs("answer", session.ID); !slices.Equal(got, []int{9, 0}) {
		t.Errorf("answers = %v, want [9 0]", got)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	bad := protocol.Envelope{Type: protocol.TypeStopSession, Payload: json.RawMessage(`{"sessionId": 7}`)}
	if err := h.surface(3).Send(context.Background(), bad); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := h.Registry().Get(session.ID); !ok {
		t.Error("malformed stop removed the session")
	}
	h.fromSurface(t, 3, "no-such-message", nil)
}

func TestSurfaceLoadOverlayReplies(t *testing.T) {
	h := newHarness(t, nil, 0)
	saved := protocol.Geometry{Left: 1, Top: 2, Width: 30, Height: 40}
	h.fromSurface(t, 3, protocol.TypeSaveGeometry, protocol.SaveGeometry{OverlayID: "overlay", Geometry: saved})
	h.fromSurface(t, 3, protocol.TypeLoadOverlay, protocol.OverlayRef{OverlayID: "overlay"})

	replies := ofType[protocol.OverlayRestore](t, h.drain(3), protocol.TypeOverlayRestore)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if replies[0].Geometry == nil || *replies[0].Geometry != saved {
		t.Errorf("restored geometry = %+v, want %+v", replies[0].Geometry, saved)
	}
}

func TestSurfaceRequestsRoutedWithSenderTab(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	h.createOutput(t, session.ID, 9)
	h.drain(9)

	h.fromSurface(t, 9, protocol.TypeRequestAspect, protocol.SessionRef{SessionID: session.ID})
	if got := h.engine.tabs("aspect", session.ID); !slices.Equal(got, []int{9}) {
		t.Errorf("aspect requests = %v, want [9]", got)
	}

	h.fromSurface(t, 9, protocol.TypeRequestOutputCount, protocol.SessionRef{SessionID: session.ID})
	if count, ok := lastCount(t, h.drain(9), session.ID); !ok || count != 1 {
		t.Errorf("count reply = %d, %v; want 1", count, ok)
	}

	h.fromSurface(t, 9, protocol.TypeRequestOffer, protocol.RequestOffer{SessionID: session.ID})
	if got := h.engine.tabs("offer", session.ID); !slices.Equal(got, []int{9, 9}) {
		t.Errorf("offers = %v, want [9 9]", got)
	}

	h.fromSurface(t, 9, protocol.TypeFocusSourceTab, protocol.SessionRef{SessionID: session.ID})
	focus := ofType[protocol.FocusTab](t, h.relay.Host().Drain(), protocol.TypeFocusTab)
	if len(focus) != 1 || focus[0].TabID != 3 {
		t.Errorf("focus requests = %+v, want tab 3", focus)
	}
}

func TestHostTabRemoved(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	h.fromHost(t, protocol.TypeTabRemoved, protocol.TabRemoved{TabID: 3})
	if _, ok := h.Registry().Get(session.ID); ok {
		t.Error("session survived its tab closing")
	}
}

func TestHostReloadRestores(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	h.fromHost(t, protocol.TypeNavigationCommitted, protocol.NavigationCommitted{TabID: 3, Transition: protocol.TransitionReload})
	h.fromHost(t, protocol.TypeTabUpdated, protocol.TabUpdated{TabID: 3, Status: protocol.StatusComplete})
	if h.engine.count("restart", session.ID) != 1 {
		t.Error("reload reported by the host did not restore the session")
	}
}

func TestStartCaptureBoxCommand(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.fromHost(t, protocol.TypeCommand, protocol.Command{Name: protocol.CommandStartCaptureBox, TabID: 5})

	sessions := h.Registry().SourcedFrom(5)
	if len(sessions) != 1 {
		t.Fatalf("sessions for tab 5 = %d, want 1", len(sessions))
	}
	session := sessions[0]
	if session.SourceOverlayID == "" {
		t.Error("no source overlay associated")
	}
	if session.Theme == nil || *session.Theme != protocol.DefaultTheme {
		t.Errorf("session theme = %+v, want default", session.Theme)
	}
	got := types(h.drain(5))
	for _, want := range []string{protocol.TypeSetOverlayKind, protocol.TypeShowOverlay, protocol.TypeThemeUpdate} {
		if !slices.Contains(got, want) {
			t.Errorf("messages %v lack %s", got, want)
		}
	}
}

func TestAddOutputForLatestCommand(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.fromHost(t, protocol.TypeCommand, protocol.Command{Name: protocol.CommandAddOutputForLatestBox, TabID: 9})
	if h.engine.count("offer", "") != 0 {
		t.Fatal("add-output shortcut acted without a session")
	}

	first := h.startSession(t, 3)
	second := h.startSession(t, 4)
	h.fromHost(t, protocol.TypeCommand, protocol.Command{Name: protocol.CommandAddOutputForLatestBox, TabID: 9})
	if count, _ := h.OutputCount(second.ID); count != 1 {
		t.Errorf("latest session outputs = %d, want 1", count)
	}

	h.StopSession(context.Background(), second.ID)
	h.fromHost(t, protocol.TypeCommand, protocol.Command{Name: protocol.CommandAddOutputForLatestBox, TabID: 10})
	if count, _ := h.OutputCount(first.ID); count != 1 {
		t.Errorf("after stopping the latest, first session outputs = %d, want 1", count)
	}
}
