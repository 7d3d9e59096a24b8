// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/bureau-foundation/peek/lib/clock"
)

// PatternAcquirer grants every tab a moving color-bar pattern. The
// daemon uses it when no browser capture bridge is attached, so the
// whole signaling and encode path can be exercised end to end.
type PatternAcquirer struct {
	Width, Height int
	Interval      time.Duration
	Clock         clock.Clock
}

func (a PatternAcquirer) AcquireTabStream(_ context.Context, tab int) (Stream, error) {
	stream := &patternStream{
		tab:   tab,
		frame: image.NewRGBA(image.Rect(0, 0, a.Width, a.Height)),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go stream.run(a.Clock.NewTicker(a.Interval))
	return stream, nil
}

var patternColors = []color.RGBA{
	{0xc0, 0xc0, 0xc0, 0xff},
	{0xc0, 0xc0, 0x00, 0xff},
	{0x00, 0xc0, 0xc0, 0xff},
	{0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff},
	{0xc0, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xc0, 0xff},
}

type patternStream struct {
	tab   int
	ready chan struct{}
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	frame  *image.RGBA
	shown  *image.RGBA
	offset int
}

func (s *patternStream) run(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.paint()
			select {
			case s.ready <- struct{}{}:
			default:
			}
		}
	}
}

func (s *patternStream) paint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	bounds := s.frame.Rect
	barWidth := max(1, bounds.Dx()/len(patternColors))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			index := ((x + s.offset + s.tab*barWidth) / barWidth) % len(patternColors)
			s.frame.SetRGBA(x, y, patternColors[index])
		}
	}
	s.offset = (s.offset + 4) % bounds.Dx()
	next := image.NewRGBA(bounds)
	copy(next.Pix, s.frame.Pix)
	s.shown = next
}

func (s *patternStream) Latest() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shown == nil {
		return nil
	}
	return s.shown
}

func (s *patternStream) FrameReady() <-chan struct{} { return s.ready }

func (s *patternStream) Stop() {
	s.once.Do(func() { close(s.done) })
}
