// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kvstore is the persisted key-value boundary: Get, Set, Remove,
// and OnChange over CBOR-encoded values.
//
// [MemoryStore] backs tests. [FileStore] keeps the same map in memory
// and rewrites a single snapshot file after every mutation: a magic
// header, a BLAKE3 digest of the body, and a zstd-compressed CBOR map.
// A snapshot that fails its digest is treated as empty, since callers
// already treat store errors as "no saved state".
//
// [Writer] sits in front of a Store for values that change continuously
// while a user drags or resizes an overlay. Writes are debounced per key
// and executed through a FIFO queue per key, so two writes to one key
// never interleave and the last scheduled value wins.
package kvstore
