// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"bytes"
	"context"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/bureau-foundation/peek/lib/clock"
	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

// fakeEncoder records frame sizes and emits one sample per frame.
type fakeEncoder struct {
	width, height int
	output        func(media.Sample)
	frames        chan image.Point
	closed        *atomic.Int64
}

func (f *fakeEncoder) WriteFrame(frame *image.RGBA) error {
	select {
	case f.frames <- frame.Rect.Size():
	default:
	}
	f.output(media.Sample{Data: []byte{0x10, 0x02, 0x00}, Duration: 33 * time.Millisecond})
	return nil
}

func (f *fakeEncoder) Close() error {
	f.closed.Add(1)
	return nil
}

// encoderRecorder is an EncoderFactory whose encoders report every
// frame on one channel.
type encoderRecorder struct {
	frames chan image.Point
	closed atomic.Int64

	mu      sync.Mutex
	created []image.Point
}

// createdCount returns how many encoders the factory has started.
func (r *encoderRecorder) createdCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func newEncoderRecorder() *encoderRecorder {
	return &encoderRecorder{frames: make(chan image.Point, 64)}
}

func (r *encoderRecorder) factory(_ EncoderParams, width, height int, output func(media.Sample)) (Encoder, error) {
	r.mu.Lock()
	r.created = append(r.created, image.Pt(width, height))
	r.mu.Unlock()
	return &fakeEncoder{width: width, height: height, output: output, frames: r.frames, closed: &r.closed}, nil
}

// sent is one envelope handed to the outbox.
type sent struct {
	sessionID string
	tab       int // zero for session-wide delivery
	envelope  protocol.Envelope
}

type recordingOutbox struct {
	messages chan sent
}

func newRecordingOutbox() *recordingOutbox {
	return &recordingOutbox{messages: make(chan sent, 256)}
}

func (o *recordingOutbox) SendToViewer(_ context.Context, sessionID string, tab int, envelope protocol.Envelope) {
	o.messages <- sent{sessionID: sessionID, tab: tab, envelope: envelope}
}

func (o *recordingOutbox) SendToSessionViewers(_ context.Context, sessionID string, envelope protocol.Envelope) {
	o.messages <- sent{sessionID: sessionID, envelope: envelope}
}

// next returns the next message of the given type, skipping others.
func (o *recordingOutbox) next(t *testing.T, messageType string) sent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case message := <-o.messages:
			if message.envelope.Type == messageType {
				return message
			}
		case <-deadline:
			t.Fatalf("no %s message within 10s", messageType)
		}
	}
}

// count drains the outbox and counts messages of the given type.
func (o *recordingOutbox) count(messageType string) int {
	total := 0
	for {
		select {
		case message := <-o.messages:
			if message.envelope.Type == messageType {
				total++
			}
		default:
			return total
		}
	}
}

// syncBuffer is a log sink safe for concurrent handlers.
type syncBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

type testEngine struct {
	*Engine
	acquirer *MemoryAcquirer
	outbox   *recordingOutbox
	encoders *encoderRecorder
}

func newTestEngine(t *testing.T, clk clock.Clock, logs io.Writer) *testEngine {
	t.Helper()
	if clk == nil {
		clk = clock.Real()
	}
	if logs == nil {
		logs = io.Discard
	}
	acquirer := NewMemoryAcquirer()
	outbox := newRecordingOutbox()
	encoders := newEncoderRecorder()
	engine := NewEngine(acquirer, outbox, Config{
		ICE:            relay.ICEConfig{IncludeLoopback: true},
		Encoder:        encoders.factory,
		EncoderParams:  DefaultEncoderParams(),
		FrameCallbacks: true,
	}, clk, slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(engine.Close)
	return &testEngine{Engine: engine, acquirer: acquirer, outbox: outbox, encoders: encoders}
}

// activate marks tab as an active viewer without negotiating a link.
func (e *testEngine) activate(t *testing.T, sessionID string, tab int) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[sessionID]
	if !ok {
		t.Fatalf("session %s not capturing", sessionID)
	}
	e.markActiveLocked(session, tab)
}

func solidFrame(width, height int) *image.RGBA {
	frame := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(frame.Pix); i += 4 {
		frame.Pix[i] = 0x20
		frame.Pix[i+1] = 0x80
		frame.Pix[i+2] = 0xc0
		frame.Pix[i+3] = 0xff
	}
	return frame
}
