// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/peek/capture"
	"github.com/bureau-foundation/peek/lib/clock"
	"github.com/bureau-foundation/peek/lib/kvstore"
	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

// engineCall is one recorded Engine call.
type engineCall struct {
	op      string
	session string
	tab     int
}

// fakeEngine records calls. RestartCapture blocks on restartGate when
// set, announcing entry on restarting.
type fakeEngine struct {
	mu          sync.Mutex
	calls       []engineCall
	startErr    error
	restartGate chan struct{}
	restarting  chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{restarting: make(chan struct{}, 16)}
}

func (f *fakeEngine) record(op, session string, tab int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, engineCall{op: op, session: session, tab: tab})
}

// count returns how many calls of op were made for session, or for any
// session when session is empty.
func (f *fakeEngine) count(op, session string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, call := range f.calls {
		if call.op == op && (session == "" || call.session == session) {
			total++
		}
	}
	return total
}

func (f *fakeEngine) tabs(op, session string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tabs []int
	for _, call := range f.calls {
		if call.op == op && call.session == session {
			tabs = append(tabs, call.tab)
		}
	}
	return tabs
}

func (f *fakeEngine) StartCapture(_ context.Context, sessionID string, tab int) (bool, error) {
	f.record("start", sessionID, tab)
	f.mu.Lock()
	defer f.mu.Unlock()
	return false, f.startErr
}

func (f *fakeEngine) StopCapture(sessionID string) { f.record("stop", sessionID, 0) }

func (f *fakeEngine) RestartCapture(ctx context.Context, sessionID string) error {
	f.record("restart", sessionID, 0)
	f.mu.Lock()
	gate := f.restartGate
	f.mu.Unlock()
	if gate != nil {
		f.restarting <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeEngine) CreateOffer(_ context.Context, sessionID string, tab int) error {
	f.record("offer", sessionID, tab)
	return nil
}

func (f *fakeEngine) ApplyAnswer(_ context.Context, sessionID string, tab int, _, _ string) error {
	f.record("answer", sessionID, tab)
	return nil
}

func (f *fakeEngine) AddRemoteIce(_ context.Context, sessionID string, tab int, _ string, _ protocol.Candidate) error {
	f.record("ice", sessionID, tab)
	return nil
}

func (f *fakeEngine) UpdateCrop(_ context.Context, sessionID string, _ capture.CropInput) {
	f.record("crop", sessionID, 0)
}

func (f *fakeEngine) SendAspect(_ context.Context, sessionID string, tab int) {
	f.record("aspect", sessionID, tab)
}

func (f *fakeEngine) StopOutput(sessionID string, tab int) { f.record("stop-output", sessionID, tab) }

func (f *fakeEngine) PauseSession(sessionID string) { f.record("pause", sessionID, 0) }

type harness struct {
	*Coordinator
	store  *kvstore.MemoryStore
	relay  *relay.MemoryRelay
	engine *fakeEngine
}

func newHarness(t *testing.T, clk clock.Clock, debounce time.Duration) *harness {
	t.Helper()
	if clk == nil {
		clk = clock.Real()
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := kvstore.NewMemoryStore()
	memoryRelay := relay.NewMemoryRelay()
	memoryRelay.SetAutoAttach(true)
	engine := newFakeEngine()
	coordinator := New(Config{
		Registry:         NewRegistry(store, logger),
		Store:            store,
		Engine:           engine,
		Relay:            memoryRelay,
		Clock:            clk,
		Logger:           logger,
		GeometryDebounce: debounce,
	})
	memoryRelay.SetHandler(coordinator.Handle)
	t.Cleanup(coordinator.Close)
	return &harness{Coordinator: coordinator, store: store, relay: memoryRelay, engine: engine}
}

// startSession starts a capture of tab and fails the test on error.
func (h *harness) startSession(t *testing.T, tab int) *Session {
	t.Helper()
	session, err := h.StartCapture(context.Background(), tab, "Source")
	if err != nil {
		t.Fatalf("StartCapture(%d): %v", tab, err)
	}
	return session
}

func (h *harness) createOutput(t *testing.T, sessionID string, tab int) string {
	t.Helper()
	overlayID, err := h.CreateOutput(context.Background(), sessionID, tab)
	if err != nil {
		t.Fatalf("CreateOutput(%s, %d): %v", sessionID, tab, err)
	}
	return overlayID
}

// drain returns and clears every envelope buffered for tab.
func (h *harness) drain(tab int) []protocol.Envelope {
	surface := h.relay.Surface(tab)
	if surface == nil {
		return nil
	}
	return surface.Drain()
}

func types(envelopes []protocol.Envelope) []string {
	var names []string
	for _, envelope := range envelopes {
		names = append(names, envelope.Type)
	}
	return names
}

func ofType[T any](t *testing.T, envelopes []protocol.Envelope, messageType string) []T {
	t.Helper()
	var decoded []T
	for _, envelope := range envelopes {
		if envelope.Type != messageType {
			continue
		}
		var value T
		if err := envelope.Decode(&value); err != nil {
			t.Fatalf("decoding %s: %v", messageType, err)
		}
		decoded = append(decoded, value)
	}
	return decoded
}

// lastCount returns the last OutputsCountChanged count for sessionID.
func lastCount(t *testing.T, envelopes []protocol.Envelope, sessionID string) (int, bool) {
	t.Helper()
	counts := ofType[protocol.OutputsCountChanged](t, envelopes, protocol.TypeOutputsCountChanged)
	counts = slices.DeleteFunc(counts, func(c protocol.OutputsCountChanged) bool { return c.SessionID != sessionID })
	if len(counts) == 0 {
		return 0, false
	}
	return counts[len(counts)-1].Count, true
}
