// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time seam for peek. Debounced store writes, the
// render-loop fallback ticker, the zero-frame grace window, and the
// relay's inject wait all take a Clock instead of calling the time
// package, so tests can drive them with Fake and Advance.
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	writer := kvstore.NewWriter(store, c, 100*time.Millisecond, logger)
//	writer.Schedule("overlay_geom::a", geometry)
//	c.Advance(100 * time.Millisecond) // the write is handed to its key queue
//
// WaitForTimers closes the race between a goroutine registering a timer
// and the test advancing past it.
package clock
