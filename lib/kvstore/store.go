// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/peek/lib/codec"
)

// ErrNotFound is returned by Get for a key with no value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the persisted key-value capability.
type Store interface {
	// Get decodes the value stored at key into value.
	Get(ctx context.Context, key string, value any) error

	// Set stores value at key. Storing bytes identical to the current
	// value does not notify listeners.
	Set(ctx context.Context, key string, value any) error

	// Remove deletes keys. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error

	// OnChange registers listener for every effective mutation and
	// returns a function that unregisters it. Listeners run after the
	// mutation is durable, outside the store's lock.
	OnChange(listener func(Change)) (cancel func())
}

// Change describes one mutated key.
type Change struct {
	Key     string
	Removed bool
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	core
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{core: newCore(nil, nil)}
}

// Keys returns the stored keys, for assertions in tests.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	return keys
}

// core implements Store over an in-memory map. persist, when set, is
// called with the full map after each mutation while the lock is held.
type core struct {
	mu        sync.Mutex
	values    map[string][]byte
	persist   func(map[string][]byte) error
	listeners map[int]func(Change)
	nextID    int
}

func newCore(initial map[string][]byte, persist func(map[string][]byte) error) core {
	if initial == nil {
		initial = make(map[string][]byte)
	}
	return core{
		values:    initial,
		persist:   persist,
		listeners: make(map[int]func(Change)),
	}
}

func (c *core) Get(_ context.Context, key string, value any) error {
	c.mu.Lock()
	data, ok := c.values[key]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if err := codec.Unmarshal(data, value); err != nil {
		return fmt.Errorf("decoding %q: %w", key, err)
	}
	return nil
}

func (c *core) Set(_ context.Context, key string, value any) error {
	data, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}

	c.mu.Lock()
	if existing, ok := c.values[key]; ok && bytes.Equal(existing, data) {
		c.mu.Unlock()
		return nil
	}
	previous, hadPrevious := c.values[key]
	c.values[key] = data
	if err := c.persistLocked(); err != nil {
		if hadPrevious {
			c.values[key] = previous
		} else {
			delete(c.values, key)
		}
		c.mu.Unlock()
		return err
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	notify(listeners, []Change{{Key: key}})
	return nil
}

func (c *core) Remove(_ context.Context, keys ...string) error {
	c.mu.Lock()
	removed := make(map[string][]byte)
	for _, key := range keys {
		if data, ok := c.values[key]; ok {
			removed[key] = data
			delete(c.values, key)
		}
	}
	if len(removed) == 0 {
		c.mu.Unlock()
		return nil
	}
	if err := c.persistLocked(); err != nil {
		for key, data := range removed {
			c.values[key] = data
		}
		c.mu.Unlock()
		return err
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	changes := make([]Change, 0, len(removed))
	for _, key := range keys {
		if _, ok := removed[key]; ok {
			changes = append(changes, Change{Key: key, Removed: true})
		}
	}
	notify(listeners, changes)
	return nil
}

func (c *core) OnChange(listener func(Change)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *core) persistLocked() error {
	if c.persist == nil {
		return nil
	}
	return c.persist(c.values)
}

func (c *core) listenersLocked() []func(Change) {
	listeners := make([]func(Change), 0, len(c.listeners))
	for _, listener := range c.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func notify(listeners []func(Change), changes []Change) {
	for _, change := range changes {
		for _, listener := range listeners {
			listener(change)
		}
	}
}
