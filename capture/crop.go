// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"image"
	"math"

	"github.com/bureau-foundation/peek/protocol"
)

// CropRegion is a rectangle in source video pixels.
type CropRegion struct {
	X, Y, W, H int
}

// Rect returns the region as an image rectangle.
func (r CropRegion) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// CropInput is a viewport-relative rectangle as reported by the source
// overlay.
type CropInput struct {
	Geometry       protocol.Geometry
	ViewportWidth  float64
	ViewportHeight float64
	DPR            float64
}

// ComputeCrop maps viewport-relative geometry onto a video of
// videoWidth×videoHeight pixels. The video is assumed to show the
// viewport scaled to fit and centered. The result always lies inside
// the video and is at least 1×1. DPR is carried for diagnostics only:
// the captured frame already reflects it.
func ComputeCrop(input CropInput, videoWidth, videoHeight int) CropRegion {
	viewportWidth := math.Max(1, input.ViewportWidth)
	viewportHeight := math.Max(1, input.ViewportHeight)
	videoW := float64(videoWidth)
	videoH := float64(videoHeight)

	scale := math.Min(videoW/viewportWidth, videoH/viewportHeight)
	offsetX := (videoW - viewportWidth*scale) / 2
	offsetY := (videoH - viewportHeight*scale) / 2

	x := input.Geometry.Left*scale + offsetX
	y := input.Geometry.Top*scale + offsetY
	w := input.Geometry.Width * scale
	h := input.Geometry.Height * scale

	left := roundHalfUp(x)
	top := roundHalfUp(y)
	right := roundHalfUp(x + w)
	bottom := roundHalfUp(y + h)

	left = max(0, min(left, videoWidth-1))
	top = max(0, min(top, videoHeight-1))
	right = max(left+1, min(right, videoWidth))
	bottom = max(top+1, min(bottom, videoHeight))

	return CropRegion{X: left, Y: top, W: right - left, H: bottom - top}
}

// roundHalfUp rounds .5 toward positive infinity, as browsers round
// layout coordinates.
func roundHalfUp(value float64) int {
	return int(math.Floor(value + 0.5))
}
