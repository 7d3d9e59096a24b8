// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"image"

	"github.com/pion/webrtc/v4/pkg/media"
)

// EncoderParams tunes every canvas encoder for sharp, full-resolution
// screen content.
type EncoderParams struct {
	// MaxBitrate is the target bitrate in bits per second.
	MaxBitrate int

	// FrameRate is the nominal input frame rate.
	FrameRate int

	// ContentHint is "detail" for text and UI, "motion" for video.
	ContentHint string

	// Degradation is "maintain-resolution": under pressure the encoder
	// lowers quality or frame rate, never size.
	Degradation string

	// Priority is "high" to spend more CPU per frame.
	Priority string
}

// DefaultEncoderParams returns the boost applied to every viewer track.
func DefaultEncoderParams() EncoderParams {
	return EncoderParams{
		MaxBitrate:  4_000_000,
		FrameRate:   30,
		ContentHint: "detail",
		Degradation: "maintain-resolution",
		Priority:    "high",
	}
}

// Encoder compresses canvas frames to VP8.
type Encoder interface {
	// WriteFrame submits one frame. The image is reused by the caller
	// after WriteFrame returns.
	WriteFrame(frame *image.RGBA) error

	// Close stops the encoder. No samples are emitted afterwards.
	Close() error
}

// EncoderFactory starts an encoder for a width×height canvas. Encoded
// samples are passed to output, possibly from another goroutine.
type EncoderFactory func(params EncoderParams, width, height int, output func(media.Sample)) (Encoder, error)
