// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/peek/lib/clock"
	"github.com/bureau-foundation/peek/lib/kvstore"
	"github.com/bureau-foundation/peek/protocol"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBroadcastThemeReachesEveryTab(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	first := h.startSession(t, 3)
	second := h.startSession(t, 4)
	h.createOutput(t, first.ID, 9)
	h.createOutput(t, second.ID, 9)
	h.createOutput(t, second.ID, 10)
	for _, tab := range []int{3, 4, 9, 10} {
		h.drain(tab)
	}

	theme := protocol.Theme{ShadowColor: "#ff0000", Radius: 8, BorderWidth: 2, Opacity: 0.5}
	h.BroadcastTheme(ctx, theme)

	for _, tab := range []int{3, 4, 9, 10} {
		updates := ofType[protocol.ThemeUpdate](t, h.drain(tab), protocol.TypeThemeUpdate)
		if len(updates) != 1 {
			t.Errorf("tab %d got %d theme updates, want 1", tab, len(updates))
			continue
		}
		if updates[0].Theme != theme {
			t.Errorf("tab %d theme = %+v, want %+v", tab, updates[0].Theme, theme)
		}
	}

	var stored protocol.Theme
	if err := h.store.Get(ctx, optionsKey, &stored); err != nil {
		t.Fatalf("reading stored theme: %v", err)
	}
	if stored != theme {
		t.Errorf("stored theme = %+v, want %+v", stored, theme)
	}
}

func TestExternalOptionsChangeBroadcastsOnce(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	h.startSession(t, 3)
	h.drain(3)

	theme := protocol.Theme{ShadowColor: "#00ff00", Radius: 4, Opacity: 0.2}
	if err := h.store.Set(ctx, optionsKey, theme); err != nil {
		t.Fatalf("Set: %v", err)
	}
	updates := ofType[protocol.ThemeUpdate](t, h.drain(3), protocol.TypeThemeUpdate)
	if len(updates) != 1 || updates[0].Theme != theme {
		t.Fatalf("updates after external change = %+v", updates)
	}

	// Rewriting an equal value is not a change.
	if err := h.store.Set(ctx, optionsKey, theme); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h.BroadcastTheme(ctx, theme)
	if got := ofType[protocol.ThemeUpdate](t, h.drain(3), protocol.TypeThemeUpdate); len(got) != 1 {
		t.Errorf("explicit broadcast sent %d updates, want 1", len(got))
	}
}

func TestSessionThemeOverridesGlobal(t *testing.T) {
	h := newHarness(t, nil, 0)
	ctx := context.Background()
	session := h.startSession(t, 3)
	h.createOutput(t, session.ID, 9)
	h.drain(3)
	h.drain(9)

	own := protocol.Theme{ShadowColor: "#123456", Radius: 3}
	h.SetSessionTheme(ctx, session.ID, own)
	for _, tab := range []int{3, 9} {
		updates := ofType[protocol.ThemeUpdate](t, h.drain(tab), protocol.TypeThemeUpdate)
		if len(updates) != 1 || updates[0].SessionID != session.ID || updates[0].Theme != own {
			t.Errorf("tab %d updates = %+v", tab, updates)
		}
	}

	h.BroadcastTheme(ctx, protocol.Theme{ShadowColor: "#ffffff"})
	current, _ := h.Registry().Get(session.ID)
	if got := h.resolveTheme(ctx, current); got != own {
		t.Errorf("resolved theme = %+v, want session theme %+v", got, own)
	}
}

func TestDefaultThemeWithoutOptions(t *testing.T) {
	h := newHarness(t, nil, 0)
	session := h.startSession(t, 3)
	if got := h.resolveTheme(context.Background(), session); got != protocol.DefaultTheme {
		t.Errorf("resolved theme = %+v, want default", got)
	}
}

func TestGeometryWritesAreDebounced(t *testing.T) {
	fake := clock.Fake(testEpoch)
	h := newHarness(t, fake, 100*time.Millisecond)
	ctx := context.Background()

	h.SaveGeometry("overlay", protocol.Geometry{Left: 1, Width: 100, Height: 50})
	h.SaveGeometry("overlay", protocol.Geometry{Left: 2, Width: 100, Height: 50})
	h.SaveGeometry("overlay", protocol.Geometry{Left: 3, Width: 100, Height: 50})

	var geometry protocol.Geometry
	if err := h.store.Get(ctx, geometryKey("overlay"), &geometry); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("geometry written before the debounce elapsed: %v", err)
	}

	fake.Advance(100 * time.Millisecond)
	h.writer.Wait()
	if err := h.store.Get(ctx, geometryKey("overlay"), &geometry); err != nil {
		t.Fatalf("reading geometry: %v", err)
	}
	if geometry.Left != 3 {
		t.Errorf("stored left = %v, want the last scheduled value 3", geometry.Left)
	}
}

func TestFlushGeometryWritesImmediately(t *testing.T) {
	fake := clock.Fake(testEpoch)
	h := newHarness(t, fake, time.Hour)
	ctx := context.Background()

	saved := protocol.Geometry{Left: 12, Top: 34, Width: 200, Height: 150}
	h.SaveGeometry("overlay", saved)
	h.FlushOverlay("overlay")
	h.writer.Wait()

	var geometry protocol.Geometry
	if err := h.store.Get(ctx, geometryKey("overlay"), &geometry); err != nil {
		t.Fatalf("reading geometry: %v", err)
	}
	if geometry != saved {
		t.Errorf("geometry = %+v, want %+v", geometry, saved)
	}
}

func TestLoadOverlaySeesPendingValues(t *testing.T) {
	fake := clock.Fake(testEpoch)
	h := newHarness(t, fake, time.Hour)
	ctx := context.Background()

	saved := protocol.Geometry{Left: 5, Top: 6, Width: 70, Height: 80}
	h.SaveGeometry("overlay", saved)
	h.SaveOverlayState("overlay", protocol.OverlayState{Paused: true, Poster: "data:image/png;base64,AAAA"})

	restore := h.LoadOverlay(ctx, "overlay")
	if restore.Geometry == nil || *restore.Geometry != saved {
		t.Errorf("restored geometry = %+v, want %+v", restore.Geometry, saved)
	}
	if restore.State == nil || !restore.State.Paused {
		t.Errorf("restored state = %+v, want paused", restore.State)
	}

	empty := h.LoadOverlay(ctx, "never-saved")
	if empty.Geometry != nil || empty.State != nil {
		t.Errorf("restore of unknown overlay = %+v, want empty", empty)
	}
}

func TestStopSessionCancelsPendingGeometry(t *testing.T) {
	fake := clock.Fake(testEpoch)
	h := newHarness(t, fake, time.Hour)
	session := h.startSession(t, 3)
	overlay := h.createOutput(t, session.ID, 9)

	h.SaveGeometry(overlay, protocol.Geometry{Width: 10, Height: 10})
	h.StopSession(context.Background(), session.ID)
	fake.Advance(time.Hour)
	h.writer.Wait()

	if slices.Contains(h.store.Keys(), geometryKey(overlay)) {
		t.Error("geometry written for a stopped session")
	}
}
