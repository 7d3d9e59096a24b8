// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"image"
	"sync"
)

var (
	// ErrAcquisition is returned when the tab stream could not be
	// acquired: the grant was denied or came back empty.
	ErrAcquisition = errors.New("capture: tab stream acquisition failed")

	// ErrNoSession is returned for a session the engine is not
	// capturing.
	ErrNoSession = errors.New("capture: no such session")

	// ErrNoLink is returned for an answer or candidate addressed to a
	// link that does not exist.
	ErrNoLink = errors.New("capture: no such link")

	// ErrStaleOffer is returned when an answer or candidate names an
	// offer id other than the link's latest.
	ErrStaleOffer = errors.New("capture: stale offer id")

	// ErrWrongSignalingState is returned for an answer to a link that
	// is not awaiting one.
	ErrWrongSignalingState = errors.New("capture: link not awaiting an answer")
)

// Acquirer grants access to a tab's video.
type Acquirer interface {
	AcquireTabStream(ctx context.Context, tabID int) (Stream, error)
}

// Stream is an acquired tab video.
type Stream interface {
	// Latest returns the most recent frame, or nil before the first.
	Latest() image.Image

	// Stop releases the capture. Latest may return nil afterwards.
	Stop()
}

// FrameNotifier is implemented by streams that can signal each new
// frame. The channel should be buffered by one and dropped into without
// blocking.
type FrameNotifier interface {
	FrameReady() <-chan struct{}
}

// mirror tracks the latest frame of a stream and its native size.
type mirror struct {
	stream Stream

	mu     sync.Mutex
	width  int
	height int
}

func newMirror(stream Stream) *mirror {
	return &mirror{stream: stream}
}

// frame returns the latest frame and records its size.
func (m *mirror) frame() image.Image {
	frame := m.stream.Latest()
	if frame == nil {
		return nil
	}
	bounds := frame.Bounds()
	m.mu.Lock()
	m.width, m.height = bounds.Dx(), bounds.Dy()
	m.mu.Unlock()
	return frame
}

// nativeSize returns the size of the latest frame, probing the stream
// if no frame has been drawn yet. Zero means unknown.
func (m *mirror) nativeSize() (int, int) {
	m.mu.Lock()
	width, height := m.width, m.height
	m.mu.Unlock()
	if width > 0 && height > 0 {
		return width, height
	}
	if m.frame() == nil {
		return 0, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.width, m.height
}

func (m *mirror) notifier() (FrameNotifier, bool) {
	notifier, ok := m.stream.(FrameNotifier)
	return notifier, ok
}
