// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the messages exchanged over the signaling
// relay between the coordinator, the capture engine, viewer surfaces,
// and the browser host shim.
//
// Every message travels as an [Envelope]: a type tag and a JSON payload.
// Payload structs carry both json and cbor tags where they are also
// persisted (themes, geometry, overlay state).
//
// Tab ids are positive. A zero TabID on a negotiation message addresses
// the legacy session-wide link rather than one viewer tab.
package protocol
