// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds peek's CBOR configuration.
//
// JSON is the format of everything a browser surface sees (relay
// envelopes, the status endpoint). CBOR is the format of everything peek
// writes for itself: the persisted key-value snapshot and the values
// stored in it (session records, overlay geometry, pause state).
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the same
// record always produces the same bytes and the store can skip rewriting
// an unchanged value.
//
// Types that only ever live in the store use `cbor` tags. Types that also
// cross the relay use `json` tags, which fxamacker/cbor falls back to
// when no `cbor` tag is present.
package codec
