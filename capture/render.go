// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/bureau-foundation/peek/lib/metrics"
)

type renderLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
	drawn  atomic.Int64
}

// markActiveLocked records tab as an active viewer and starts the
// render loop if it is the first.
func (e *Engine) markActiveLocked(session *captureSession, tab int) {
	session.active[tab] = struct{}{}
	e.startRenderLocked(session)
}

func (e *Engine) startRenderLocked(session *captureSession) {
	if session.render != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := &renderLoop{cancel: cancel, done: make(chan struct{})}
	session.render = loop
	metrics.RenderLoops.Inc()
	go e.runRender(ctx, session, session.context.mirror, loop)
}

// stopRenderLocked cancels the session's render loop and returns it, or
// nil if none was running. The loop may still be drawing until its
// done channel closes.
func (e *Engine) stopRenderLocked(session *captureSession) *renderLoop {
	loop := session.render
	if loop == nil {
		return nil
	}
	loop.cancel()
	session.render = nil
	metrics.RenderLoops.Dec()
	return loop
}

// idleCanvas waits for a stopped loop to finish its last frame, then
// stops the session's encoder unless a new loop took over meanwhile.
func (e *Engine) idleCanvas(session *captureSession, loop *renderLoop) {
	if loop == nil {
		return
	}
	<-loop.done
	e.mu.Lock()
	idle := session.render == nil
	e.mu.Unlock()
	if idle {
		session.canvas.release()
	}
}

func (e *Engine) runRender(ctx context.Context, session *captureSession, source *mirror, loop *renderLoop) {
	defer close(loop.done)

	var frames <-chan struct{}
	if notifier, ok := source.notifier(); ok && e.config.FrameCallbacks {
		frames = notifier.FrameReady()
	} else {
		ticker := e.clock.NewTicker(e.config.FallbackInterval)
		defer ticker.Stop()
		ticks := make(chan struct{}, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case ticks <- struct{}{}:
					default:
					}
				}
			}
		}()
		frames = ticks
	}

	grace := e.clock.AfterFunc(e.config.ZeroFrameGrace, func() {
		if ctx.Err() != nil || loop.drawn.Load() > 0 {
			return
		}
		metrics.ZeroFrameStalls.Inc()
		e.logger.Error("render loop drew no frames within grace window",
			"session", session.id,
			"tab", session.tabID,
			"grace", e.config.ZeroFrameGrace,
		)
	})
	defer grace.Stop()

	// Draw whatever is already there so a restarted loop does not wait
	// a full frame interval.
	e.renderFrame(ctx, session, source, loop)

	for {
		select {
		case <-ctx.Done():
			return
		case <-frames:
			e.renderFrame(ctx, session, source, loop)
		}
	}
}

// renderFrame draws the latest frame into the session canvas. It does
// nothing once the loop has been replaced or stopped.
func (e *Engine) renderFrame(ctx context.Context, session *captureSession, source *mirror, loop *renderLoop) {
	frame := source.frame()
	if frame == nil {
		return
	}
	bounds := frame.Bounds()

	e.mu.Lock()
	if session.render != loop {
		e.mu.Unlock()
		return
	}
	var aspectChanged bool
	var region CropRegion
	if session.pendingCrop != nil {
		aspectChanged, region = e.applyCropLocked(session, *session.pendingCrop, bounds.Dx(), bounds.Dy())
	}
	if session.crop != nil {
		region = clampRegion(*session.crop, bounds.Dx(), bounds.Dy())
	} else {
		region = CropRegion{W: bounds.Dx(), H: bounds.Dy()}
	}
	canvas := session.canvas
	e.mu.Unlock()

	if aspectChanged {
		e.broadcastAspect(ctx, session.id, region)
	}

	if err := canvas.draw(frame, region); err != nil {
		if errors.Is(err, errCanvasClosed) {
			return
		}
		e.logger.Warn("drawing frame failed", "session", session.id, "error", err)
		return
	}
	loop.drawn.Add(1)
	metrics.FramesRendered.Inc()
}

// clampRegion keeps a crop computed against an earlier frame size
// inside the current frame.
func clampRegion(region CropRegion, width, height int) CropRegion {
	x := max(0, min(region.X, width-1))
	y := max(0, min(region.Y, height-1))
	return CropRegion{
		X: x,
		Y: y,
		W: max(1, min(region.W, width-x)),
		H: max(1, min(region.H, height-y)),
	}
}
