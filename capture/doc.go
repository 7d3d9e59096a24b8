// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture is the media side of peek: it owns the captured
// stream of each source tab, re-encodes one cropped canvas per session,
// and negotiates an independent WebRTC connection per viewer.
//
// # Capture contexts
//
// A captureContext wraps the stream acquired for one source tab. Every
// session capturing that tab holds a reference; the stream stops when
// the last reference is released. Each acquisition gets a new
// generation number, so when a reload forces reacquisition the first
// session to restart creates the new context and the others attach to
// it instead of acquiring again.
//
// # Canvases and render loops
//
// Each session draws the crop rectangle of the latest frame into its
// own canvas and encodes it once. Encoded samples fan out to a separate
// track per viewer link, so closing one viewer never touches another.
// The render loop runs only while the session has at least one active
// viewer, and is paced by the stream's frame notifications when it
// offers them, else by a ticker.
//
// # Peer links
//
// A link is keyed by [LinkKey]. Every offer carries a fresh offer id;
// answers and candidates naming any other id are rejected with
// [ErrStaleOffer] and leave the link untouched. Remote candidates that
// arrive before the answer are queued and applied once the remote
// description is set. Renegotiating a key replaces its link outright.
//
// All engine state lives under one mutex. Acquisition and SDP work run
// outside it, and every continuation re-checks that the session or
// link it started with is still the current one before applying its
// result.
package capture
