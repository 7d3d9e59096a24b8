// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var errCanvasClosed = errors.New("canvas closed")

// canvas is one session's re-encode target. It is resized to the crop
// region and recreates its encoder whenever the size changes.
type canvas struct {
	params  EncoderParams
	factory EncoderFactory
	logger  *slog.Logger

	mu      sync.Mutex
	image   *image.RGBA
	encoder Encoder
	closed  bool

	tracksMu sync.Mutex
	tracks   map[int]*webrtc.TrackLocalStaticSample
}

func newCanvas(params EncoderParams, factory EncoderFactory, logger *slog.Logger) *canvas {
	return &canvas{
		params:  params,
		factory: factory,
		logger:  logger,
		tracks:  make(map[int]*webrtc.TrackLocalStaticSample),
	}
}

// draw copies region of frame into the canvas and encodes it.
func (c *canvas) draw(frame image.Image, region CropRegion) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errCanvasClosed
	}
	if c.image == nil || c.image.Rect.Dx() != region.W || c.image.Rect.Dy() != region.H {
		if err := c.resizeLocked(region.W, region.H); err != nil {
			return err
		}
	}

	origin := frame.Bounds().Min.Add(image.Pt(region.X, region.Y))
	draw.Draw(c.image, c.image.Rect, frame, origin, draw.Src)
	return c.encoder.WriteFrame(c.image)
}

func (c *canvas) resizeLocked(width, height int) error {
	if c.encoder != nil {
		if err := c.encoder.Close(); err != nil {
			c.logger.Warn("closing encoder failed", "error", err)
		}
		c.encoder = nil
	}
	encoder, err := c.factory(c.params, width, height, c.fanOut)
	if err != nil {
		c.image = nil
		return fmt.Errorf("starting %dx%d encoder: %w", width, height, err)
	}
	c.image = image.NewRGBA(image.Rect(0, 0, width, height))
	c.encoder = encoder
	c.logger.Debug("canvas resized", "width", width, "height", height)
	return nil
}

// size returns the current canvas size, zero before the first frame.
func (c *canvas) size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.image == nil {
		return 0, 0
	}
	return c.image.Rect.Dx(), c.image.Rect.Dy()
}

func (c *canvas) fanOut(sample media.Sample) {
	c.tracksMu.Lock()
	tracks := make([]*webrtc.TrackLocalStaticSample, 0, len(c.tracks))
	for _, track := range c.tracks {
		tracks = append(tracks, track)
	}
	c.tracksMu.Unlock()

	for _, track := range tracks {
		if err := track.WriteSample(sample); err != nil {
			c.logger.Debug("writing sample failed", "track", track.ID(), "error", err)
		}
	}
}

func (c *canvas) addTrack(tab int, track *webrtc.TrackLocalStaticSample) {
	c.tracksMu.Lock()
	defer c.tracksMu.Unlock()
	c.tracks[tab] = track
}

// removeTrack detaches track if it is still the one registered for tab.
func (c *canvas) removeTrack(tab int, track *webrtc.TrackLocalStaticSample) {
	c.tracksMu.Lock()
	defer c.tracksMu.Unlock()
	if current, ok := c.tracks[tab]; ok && current == track {
		delete(c.tracks, tab)
	}
}

func (c *canvas) trackCount() int {
	c.tracksMu.Lock()
	defer c.tracksMu.Unlock()
	return len(c.tracks)
}

// release stops the encoder while the session is paused. The next
// draw starts a new one.
func (c *canvas) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

// close stops the encoder for good. Later draws fail with
// errCanvasClosed.
func (c *canvas) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.releaseLocked()
}

func (c *canvas) releaseLocked() {
	if c.encoder != nil {
		if err := c.encoder.Close(); err != nil {
			c.logger.Warn("closing encoder failed", "error", err)
		}
		c.encoder = nil
	}
	c.image = nil
}
