// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
)

var _ Acquirer = (*MemoryAcquirer)(nil)

// MemoryAcquirer is an in-process Acquirer for tests. Frames are pushed
// explicitly; every acquisition of a tab yields a new MemoryStream that
// sees frames pushed to that tab from then on.
type MemoryAcquirer struct {
	mu           sync.Mutex
	streams      map[int][]*MemoryStream
	failures     map[int]error
	acquisitions map[int]int
	gate         chan struct{}
}

// NewMemoryAcquirer returns an acquirer that grants every tab.
func NewMemoryAcquirer() *MemoryAcquirer {
	return &MemoryAcquirer{
		streams:      make(map[int][]*MemoryStream),
		failures:     make(map[int]error),
		acquisitions: make(map[int]int),
	}
}

// Fail makes acquisitions of tab return err. A nil err clears it.
func (a *MemoryAcquirer) Fail(tab int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, tab)
		return
	}
	a.failures[tab] = err
}

// Hold makes acquisitions block until the returned function is called,
// so tests can interleave other operations with an acquisition.
func (a *MemoryAcquirer) Hold() (release func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	gate := make(chan struct{})
	a.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			if a.gate == gate {
				a.gate = nil
			}
			a.mu.Unlock()
			close(gate)
		})
	}
}

func (a *MemoryAcquirer) AcquireTabStream(ctx context.Context, tab int) (Stream, error) {
	a.mu.Lock()
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.acquisitions[tab]++
	if err := a.failures[tab]; err != nil {
		return nil, err
	}
	stream := &MemoryStream{ready: make(chan struct{}, 1)}
	a.streams[tab] = append(a.streams[tab], stream)
	return stream, nil
}

// Acquisitions returns how many times tab was acquired.
func (a *MemoryAcquirer) Acquisitions(tab int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquisitions[tab]
}

// Streams returns every stream granted for tab, oldest first.
func (a *MemoryAcquirer) Streams(tab int) []*MemoryStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*MemoryStream(nil), a.streams[tab]...)
}

// Push delivers frame to every live stream of tab.
func (a *MemoryAcquirer) Push(tab int, frame image.Image) {
	for _, stream := range a.Streams(tab) {
		stream.Push(frame)
	}
}

// MemoryStream is a Stream fed by Push.
type MemoryStream struct {
	mu      sync.Mutex
	latest  image.Image
	stopped bool
	ready   chan struct{}
}

// Push replaces the latest frame and signals FrameReady.
func (s *MemoryStream) Push(frame image.Image) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.latest = frame
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *MemoryStream) Latest() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *MemoryStream) FrameReady() <-chan struct{} { return s.ready }

func (s *MemoryStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.latest = nil
}

// Stopped reports whether Stop was called.
func (s *MemoryStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *MemoryStream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("MemoryStream(stopped=%v)", s.stopped)
}
