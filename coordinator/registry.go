// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/peek/lib/codec"
	"github.com/bureau-foundation/peek/lib/kvstore"
	"github.com/bureau-foundation/peek/protocol"
)

// Store keys.
const (
	sessionsKey       = "sessions"
	optionsKey        = "ui_options"
	geometryKeyPrefix = "overlay_geom::"
	stateKeyPrefix    = "overlay_state::"
)

func geometryKey(overlayID string) string { return geometryKeyPrefix + overlayID }
func stateKey(overlayID string) string    { return stateKeyPrefix + overlayID }

// Session is the authoritative record of one capture session.
type Session struct {
	ID              string          `cbor:"id"`
	SourceTabID     int             `cbor:"sourceTabId"`
	SourceTabTitle  string          `cbor:"sourceTabTitle,omitempty"`
	Ordinal         int             `cbor:"ordinal"`
	SourceOverlayID string          `cbor:"sourceOverlayId,omitempty"`
	Theme           *protocol.Theme `cbor:"theme,omitempty"`

	// Outputs maps each viewer tab to its overlay ids in creation
	// order. A tab with no overlays has no entry.
	Outputs map[int][]string `cbor:"outputs"`
}

// OutputCount is the number of viewer overlays across every tab.
func (s *Session) OutputCount() int {
	count := 0
	for _, overlays := range s.Outputs {
		count += len(overlays)
	}
	return count
}

// OutputTabs returns the viewer tabs in ascending order.
func (s *Session) OutputTabs() []int {
	return slices.Sorted(maps.Keys(s.Outputs))
}

// OverlayIDs returns the source overlay id, if any, followed by every
// viewer overlay id.
func (s *Session) OverlayIDs() []string {
	var ids []string
	if s.SourceOverlayID != "" {
		ids = append(ids, s.SourceOverlayID)
	}
	for _, tab := range s.OutputTabs() {
		ids = append(ids, s.Outputs[tab]...)
	}
	return ids
}

func (s *Session) clone() *Session {
	copied := *s
	if s.Theme != nil {
		theme := *s.Theme
		copied.Theme = &theme
	}
	copied.Outputs = make(map[int][]string, len(s.Outputs))
	for tab, overlays := range s.Outputs {
		copied.Outputs[tab] = slices.Clone(overlays)
	}
	return &copied
}

// ErrSessionNotFound is returned by Registry.Update for an unknown id.
var ErrSessionNotFound = errors.New("coordinator: session not found")

// Registry holds every session and mirrors the set to the store under
// one key. Store failures are logged and the in-memory state stays
// authoritative.
type Registry struct {
	store  kvstore.Store
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. Call Load to read persisted
// sessions.
func NewRegistry(store kvstore.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// storedSession is the persisted shape. Older records hold a single
// {overlayId} object per output tab instead of a list.
type storedSession struct {
	Session
	Outputs map[int]codec.RawMessage `cbor:"outputs"`
}

type legacyOutput struct {
	OverlayID string `cbor:"overlayId"`
}

// Load replaces the registry contents with the persisted sessions,
// normalizing legacy output entries and rewriting the record if any
// were found. A missing or unreadable record yields an empty registry.
func (r *Registry) Load(ctx context.Context) error {
	var stored map[string]storedSession
	err := r.store.Get(ctx, sessionsKey, &stored)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		stored = nil
	case err != nil:
		r.logger.Warn("reading sessions failed, starting empty", "error", err)
		stored = nil
	}

	sessions := make(map[string]*Session, len(stored))
	migrated := 0
	for id, record := range stored {
		session := record.Session
		session.ID = id
		session.Outputs = make(map[int][]string, len(record.Outputs))
		for tab, raw := range record.Outputs {
			overlays, legacy, err := decodeOutputs(raw)
			if err != nil {
				r.logger.Warn("dropping unreadable output entry", "session", id, "tab", tab, "error", err)
				continue
			}
			if legacy {
				migrated++
			}
			if len(overlays) > 0 {
				session.Outputs[tab] = overlays
			}
		}
		sessions[id] = &session
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = sessions
	if migrated > 0 {
		r.logger.Info("migrated legacy output entries", "entries", migrated)
		r.persistLocked(ctx)
	}
	return nil
}

func decodeOutputs(raw codec.RawMessage) (overlays []string, legacy bool, err error) {
	if err := codec.Unmarshal(raw, &overlays); err == nil {
		return overlays, false, nil
	}
	var single legacyOutput
	if err := codec.Unmarshal(raw, &single); err != nil {
		return nil, false, fmt.Errorf("neither list nor legacy object: %w", err)
	}
	if single.OverlayID == "" {
		return nil, true, nil
	}
	return []string{single.OverlayID}, true, nil
}

func (r *Registry) persistLocked(ctx context.Context) {
	if err := r.store.Set(ctx, sessionsKey, r.sessions); err != nil {
		r.logger.Warn("persisting sessions failed", "error", err)
	}
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return session.clone(), true
}

// List returns copies of every session ordered by source tab, then
// ordinal.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session.clone())
	}
	slices.SortFunc(sessions, func(a, b *Session) int {
		if a.SourceTabID != b.SourceTabID {
			return a.SourceTabID - b.SourceTabID
		}
		return a.Ordinal - b.Ordinal
	})
	return sessions
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Create registers a session for sourceTab with the next ordinal for
// that tab.
func (r *Registry) Create(ctx context.Context, id string, sourceTab int, title string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	ordinal := 1
	for _, existing := range r.sessions {
		if existing.SourceTabID != sourceTab {
			continue
		}
		ordinal = max(ordinal, existing.Ordinal+1)
	}
	created := &Session{
		ID:             id,
		SourceTabID:    sourceTab,
		SourceTabTitle: title,
		Ordinal:        ordinal,
		Outputs:        make(map[int][]string),
	}
	r.sessions[id] = created
	r.persistLocked(ctx)
	return created.clone()
}

// Update applies mutate to the session and persists the result. The
// returned copy reflects the mutation.
func (r *Registry) Update(ctx context.Context, id string, mutate func(*Session)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	mutate(session)
	r.persistLocked(ctx)
	return session.clone(), nil
}

// Delete removes the session and returns its final state.
func (r *Registry) Delete(ctx context.Context, id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	r.persistLocked(ctx)
	return session, true
}

// SourcedFrom returns the sessions capturing tab.
func (r *Registry) SourcedFrom(tab int) []*Session {
	return r.filter(func(s *Session) bool { return s.SourceTabID == tab })
}

// ViewedIn returns the sessions with viewer overlays on tab.
func (r *Registry) ViewedIn(tab int) []*Session {
	return r.filter(func(s *Session) bool { return len(s.Outputs[tab]) > 0 })
}

func (r *Registry) filter(match func(*Session) bool) []*Session {
	var matched []*Session
	for _, session := range r.List() {
		if match(session) {
			matched = append(matched, session)
		}
	}
	return matched
}
