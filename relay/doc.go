// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay carries protocol envelopes between the daemon and the
// browser: one surface endpoint per tab, plus one host endpoint for the
// extension shim that reports tab lifecycle and injects surfaces.
//
// The daemon side implements [Relay]. [Send] returns [ErrNoListener]
// when the tab has no connected surface; [Deliver] wraps Send with the
// one re-injection retry every surface-bound message uses.
//
// Two implementations are provided:
//
//   - [WebSocketRelay] serves /surface?tab=N and /host over
//     gorilla/websocket, with a buffered writer goroutine per
//     connection.
//   - [MemoryRelay] routes in process for tests. Surfaces are attached
//     explicitly and read their messages from a channel.
//
// The other side of a connection is an [Endpoint]: a surface or host
// that sends envelopes and reads its inbox. [Dial] returns one over
// WebSocket; [MemoryRelay.Attach] returns one in memory.
//
// ice.go holds the PeerConnection construction shared by the capture
// engine and Go viewers: one VP8 media engine, default interceptors,
// and conversion between browser candidate JSON and pion's type.
package relay
