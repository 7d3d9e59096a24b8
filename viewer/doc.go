// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package viewer is a Go viewer surface: it answers the engine's offers
// arriving on one relay endpoint and receives the mirrored video.
//
// Each session gets its own PeerConnection. A new offer for a session
// replaces the previous connection, and every answer and local
// candidate echoes the offer id it belongs to so the engine can drop
// anything that raced a renegotiation. Remote candidates that arrive
// before the offer is applied are queued and added afterwards; those
// naming an older offer id are dropped.
package viewer
