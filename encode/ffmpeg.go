// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package encode turns canvas frames into VP8 samples by piping raw
// RGBA through an ffmpeg child process.
package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/bureau-foundation/peek/capture"
)

// FFmpeg starts one ffmpeg process per canvas size.
type FFmpeg struct {
	// Binary is the ffmpeg executable, resolved via PATH when bare.
	Binary string
	Logger *slog.Logger
}

// Factory returns a capture.EncoderFactory backed by f.
func (f FFmpeg) Factory() capture.EncoderFactory {
	return func(params capture.EncoderParams, width, height int, output func(media.Sample)) (capture.Encoder, error) {
		return f.Start(params, width, height, output)
	}
}

// Available reports whether the binary exists and has the libvpx
// encoder compiled in.
func (f FFmpeg) Available() error {
	path, err := exec.LookPath(f.binary())
	if err != nil {
		return err
	}
	out, err := exec.Command(path, "-hide_banner", "-encoders").Output()
	if err != nil {
		return fmt.Errorf("listing ffmpeg encoders: %w", err)
	}
	if !bytes.Contains(out, []byte("libvpx")) {
		return fmt.Errorf("%s has no libvpx encoder", path)
	}
	return nil
}

func (f FFmpeg) binary() string {
	if f.Binary == "" {
		return "ffmpeg"
	}
	return f.Binary
}

// Args returns the ffmpeg command line for a width×height canvas.
func Args(params capture.EncoderParams, width, height int) []string {
	frameRate := max(1, params.FrameRate)
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(frameRate),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libvpx",
		"-deadline", "realtime",
		"-b:v", strconv.Itoa(params.MaxBitrate),
		"-g", strconv.Itoa(frameRate),
		"-auto-alt-ref", "0",
		"-lag-in-frames", "0",
	}
	if params.Priority == "high" {
		args = append(args, "-cpu-used", "4")
	} else {
		args = append(args, "-cpu-used", "8")
	}
	// Under load libvpx drops frames instead of scaling down.
	if params.Degradation == "maintain-resolution" {
		args = append(args, "-drop-threshold", "30")
	}
	if params.ContentHint == "detail" {
		args = append(args, "-static-thresh", "0", "-sharpness", "0")
	}
	return append(args, "-f", "ivf", "pipe:1")
}

// Start launches an encoder for a width×height canvas. Samples are
// passed to output from a reader goroutine.
func (f FFmpeg) Start(params capture.EncoderParams, width, height int, output func(media.Sample)) (*Process, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid canvas size %dx%d", width, height)
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(f.binary(), Args(params, width, height)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &limitedBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	process := &Process{
		cmd:      cmd,
		stdin:    stdin,
		stderr:   stderr,
		width:    width,
		height:   height,
		duration: time.Second / time.Duration(max(1, params.FrameRate)),
		logger:   logger.With("encoder", fmt.Sprintf("%dx%d", width, height)),
		done:     make(chan struct{}),
	}
	go process.read(stdout, output)
	return process, nil
}

// Process is a running ffmpeg encoder.
type Process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stderr   *limitedBuffer
	width    int
	height   int
	duration time.Duration
	logger   *slog.Logger
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// WriteFrame pipes one frame to ffmpeg. Frames of another size are
// rejected; the caller recreates the encoder on resize.
func (p *Process) WriteFrame(frame *image.RGBA) error {
	if frame.Rect.Dx() != p.width || frame.Rect.Dy() != p.height {
		return fmt.Errorf("frame %dx%d does not match encoder %dx%d", frame.Rect.Dx(), frame.Rect.Dy(), p.width, p.height)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("encoder closed")
	}
	rowBytes := p.width * 4
	if frame.Stride == rowBytes {
		_, err := p.stdin.Write(frame.Pix[:rowBytes*p.height])
		return p.wrap(err)
	}
	for y := 0; y < p.height; y++ {
		offset := y * frame.Stride
		if _, err := p.stdin.Write(frame.Pix[offset : offset+rowBytes]); err != nil {
			return p.wrap(err)
		}
	}
	return nil
}

func (p *Process) wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("writing to ffmpeg: %w (stderr: %s)", err, p.stderr.String())
}

func (p *Process) read(stdout io.Reader, output func(media.Sample)) {
	defer close(p.done)
	reader, _, err := ivfreader.NewWith(stdout)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			p.logger.Warn("reading ivf header failed", "error", err)
		}
		io.Copy(io.Discard, stdout)
		return
	}
	for {
		payload, _, err := reader.ParseNextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				p.logger.Warn("reading ivf frame failed", "error", err)
			}
			io.Copy(io.Discard, stdout)
			return
		}
		output(media.Sample{Data: payload, Duration: p.duration})
	}
}

// Close ends the input and waits for ffmpeg to exit. Samples already
// encoded are still delivered.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.stdin.Close()
	<-p.done
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exited: %w (stderr: %s)", err, p.stderr.String())
	}
	return nil
}

// limitedBuffer keeps the first limit bytes of ffmpeg's stderr.
type limitedBuffer struct {
	mu     sync.Mutex
	limit  int
	buffer bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buffer.Len(); room > 0 {
		b.buffer.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buffer.Bytes()))
}
