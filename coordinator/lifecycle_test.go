// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/peek/lib/testutil"
	"github.com/bureau-foundation/peek/protocol"
)

func TestReloadRestoresSession(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	session := h.startSession(t, 3)
	h.AssociateOverlay(ctx, session.ID, "source-overlay")
	theme := protocol.Theme{ShadowColor: "#334455", Radius: 6, BorderWidth: 1, Opacity: 0.3}
	h.SetSessionTheme(ctx, session.ID, theme)
	h.createOutput(t, session.ID, 9)
	saved := protocol.Geometry{Left: 40, Top: 60, Width: 320, Height: 180}
	h.SaveGeometry("source-overlay", saved)
	h.writer.Wait()
	h.drain(3)

	h.TabUpdated(ctx, 3, protocol.StatusLoading, "")
	if got := h.state(session.ID); got != stateReloading {
		t.Fatalf("state after reload start = %s, want reloading", got)
	}
	h.TabUpdated(ctx, 3, protocol.StatusComplete, "")

	if _, ok := h.Registry().Get(session.ID); !ok {
		t.Fatal("reload removed the session")
	}
	if got := h.state(session.ID); got != stateIdle {
		t.Errorf("state after restore = %s, want idle", got)
	}
	if h.engine.count("restart", session.ID) != 1 {
		t.Error("capture not restarted")
	}
	if h.engine.count("stop", session.ID) != 0 {
		t.Error("reload stopped capture")
	}

	envelopes := h.drain(3)
	want := []string{
		protocol.TypeSetOverlayKind,
		protocol.TypeShowOverlay,
		protocol.TypeThemeUpdate,
		protocol.TypeOutputsCountChanged,
		protocol.TypeRestoreSourceGeometry,
	}
	if got := types(envelopes); !slices.Equal(got, want) {
		t.Fatalf("restore messages = %v, want %v", got, want)
	}
	kinds := ofType[protocol.SetOverlayKind](t, envelopes, protocol.TypeSetOverlayKind)
	if kinds[0].Kind != protocol.KindSource || kinds[0].OverlayID != "source-overlay" {
		t.Errorf("set kind = %+v", kinds[0])
	}
	themes := ofType[protocol.ThemeUpdate](t, envelopes, protocol.TypeThemeUpdate)
	if themes[0].Theme != theme {
		t.Errorf("restored theme = %+v, want %+v", themes[0].Theme, theme)
	}
	if count, _ := lastCount(t, envelopes, session.ID); count != 1 {
		t.Errorf("restored count = %d, want 1", count)
	}
	geometries := ofType[protocol.RestoreSourceGeometry](t, envelopes, protocol.TypeRestoreSourceGeometry)
	if geometries[0].Geometry != saved {
		t.Errorf("restored geometry = %+v, want %+v", geometries[0].Geometry, saved)
	}
}

func TestRestoreWithoutSourceOverlayAssignsOne(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	session := h.startSession(t, 3)
	h.drain(3)

	if err := h.Restore(ctx, session.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	current, _ := h.Registry().Get(session.ID)
	if current.SourceOverlayID == "" {
		t.Fatal("no source overlay assigned")
	}
	got := types(h.drain(3))
	if slices.Contains(got, protocol.TypeRestoreSourceGeometry) {
		t.Error("geometry restored although none was saved")
	}
	if !slices.Contains(got, protocol.TypeShowOverlay) {
		t.Errorf("source overlay not shown: %v", got)
	}
}

func TestCompleteWithoutReloadDoesNothing(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	h.TabUpdated(context.Background(), 3, protocol.StatusComplete, "")
	if h.engine.count("restart", session.ID) != 0 {
		t.Error("restore ran without a preceding reload")
	}
}

func TestNavigationStopsSession(t *testing.T) {
	tests := []struct {
		name     string
		navigate func(h *harness, tab int)
	}{
		{"loading with url", func(h *harness, tab int) {
			h.TabUpdated(context.Background(), tab, protocol.StatusLoading, "https://example.com/other")
		}},
		{"complete with url", func(h *harness, tab int) {
			h.TabUpdated(context.Background(), tab, protocol.StatusComplete, "https://example.com/other")
		}},
		{"reloading then url", func(h *harness, tab int) {
			h.TabUpdated(context.Background(), tab, protocol.StatusLoading, "")
			h.TabUpdated(context.Background(), tab, protocol.StatusLoading, "https://example.com/other")
		}},
		{"link transition", func(h *harness, tab int) {
			h.NavigationCommitted(context.Background(), tab, "link")
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, nil, 0)
			session := h.startSession(t, 3)
			test.navigate(h, 3)
			if _, ok := h.Registry().Get(session.ID); ok {
				t.Error("session survived navigation")
			}
			if h.engine.count("stop", session.ID) != 1 {
				t.Error("capture not stopped")
			}
			if h.engine.count("restart", session.ID) != 0 {
				t.Error("navigation restored the session")
			}
		})
	}
}

func TestReloadCommittedThenComplete(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	session := h.startSession(t, 3)

	h.NavigationCommitted(ctx, 3, protocol.TransitionReload)
	if got := h.state(session.ID); got != stateReloading {
		t.Fatalf("state = %s, want reloading", got)
	}
	h.TabUpdated(ctx, 3, protocol.StatusComplete, "")
	if h.engine.count("restart", session.ID) != 1 {
		t.Error("capture not restarted after committed reload")
	}
}

func TestReloadRestoresEverySessionOfTab(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	first := h.startSession(t, 3)
	second := h.startSession(t, 3)

	h.TabUpdated(ctx, 3, protocol.StatusLoading, "")
	h.TabUpdated(ctx, 3, protocol.StatusComplete, "")
	for _, session := range []*Session{first, second} {
		if h.engine.count("restart", session.ID) != 1 {
			t.Errorf("session %d not restarted", session.Ordinal)
		}
	}
}

func TestConcurrentRestoresCollapse(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	gate := make(chan struct{})
	h.engine.mu.Lock()
	h.engine.restartGate = gate
	h.engine.mu.Unlock()

	var group sync.WaitGroup
	restore := func() {
		defer group.Done()
		if err := h.Restore(context.Background(), session.ID); err != nil {
			t.Errorf("Restore: %v", err)
		}
	}
	group.Add(1)
	go restore()
	testutil.RequireReceive(t, h.engine.restarting, 5*time.Second, "first restore reached capture restart")
	if got := h.state(session.ID); got != stateRestoring {
		t.Errorf("state during restore = %s, want restoring", got)
	}

	group.Add(1)
	go restore()
	// Give the second call time to join the in-flight restore.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	group.Wait()

	if got := h.engine.count("restart", session.ID); got != 1 {
		t.Errorf("capture restarts = %d, want 1", got)
	}
}

func TestTabRemoved(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	viewed := h.startSession(t, 3)
	closing := h.startSession(t, 4)
	overlay := h.createOutput(t, viewed.ID, 9)
	h.createOutput(t, closing.ID, 9)
	h.SaveGeometry(overlay, protocol.Geometry{Width: 10, Height: 10})
	h.writer.Wait()

	h.TabRemoved(ctx, 4)
	if _, ok := h.Registry().Get(closing.ID); ok {
		t.Error("session survived its source tab closing")
	}

	h.TabRemoved(ctx, 9)
	current, ok := h.Registry().Get(viewed.ID)
	if !ok {
		t.Fatal("closing a viewer tab removed the session")
	}
	if len(current.Outputs) != 0 {
		t.Errorf("outputs after viewer tab closed = %v", current.Outputs)
	}
	if got := h.engine.tabs("stop-output", viewed.ID); !slices.Equal(got, []int{9}) {
		t.Errorf("stop-output = %v, want [9]", got)
	}
	if h.engine.count("pause", viewed.ID) != 1 {
		t.Error("session with no viewers left not paused")
	}
	h.writer.Wait()
	if slices.Contains(h.store.Keys(), geometryKey(overlay)) {
		t.Error("geometry of overlay in closed tab kept")
	}
}

func TestOutputTabCompleteRestoresOverlays(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	overlay := h.createOutput(t, session.ID, 9)
	h.drain(9)
	offers := h.engine.count("offer", session.ID)

	h.TabUpdated(context.Background(), 9, protocol.StatusLoading, "")
	if got := types(h.drain(9)); len(got) != 0 {
		t.Errorf("messages on viewer load start: %v", got)
	}
	h.TabUpdated(context.Background(), 9, protocol.StatusComplete, "")
	overlays := ofType[protocol.CreateOutputOverlay](t, h.drain(9), protocol.TypeCreateOutputOverlay)
	if len(overlays) != 1 || overlays[0].OverlayID != overlay {
		t.Errorf("restored overlays = %+v", overlays)
	}
	if got := h.engine.count("offer", session.ID); got != offers+1 {
		t.Errorf("offers = %d, want %d", got, offers+1)
	}
}

func TestResumeRestartsLoadedSessions(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	kept := h.Registry().Create(ctx, "kept", 3, "Docs")
	if _, err := h.Registry().Update(ctx, kept.ID, func(s *Session) {
		s.Outputs[9] = []string{"o1", "o2"}
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	h.Registry().Create(ctx, "lost", 4, "")

	h.Resume(ctx)

	if got := h.engine.count("start", ""); got != 2 {
		t.Errorf("capture starts = %d, want 2", got)
	}
	overlays := ofType[protocol.CreateOutputOverlay](t, h.drain(9), protocol.TypeCreateOutputOverlay)
	if len(overlays) != 2 {
		t.Errorf("re-created overlays = %d, want 2", len(overlays))
	}
	if got := h.engine.tabs("offer", kept.ID); !slices.Equal(got, []int{9}) {
		t.Errorf("offers = %v, want [9]", got)
	}
	if session, ok := h.mostRecent(); !ok || session.ID != "lost" {
		t.Errorf("most recent = %v, want the last resumed session", session)
	}
}

func TestResumeStopsUncapturableSessions(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	h.Registry().Create(ctx, "gone", 3, "")
	h.engine.mu.Lock()
	h.engine.startErr = errors.New("tab closed while the daemon was down")
	h.engine.mu.Unlock()

	h.Resume(ctx)
	if h.Registry().Len() != 0 {
		t.Error("session that could not be captured was kept")
	}
}
