// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator owns peek's session registry and routes every
// control, lifecycle, and persistence message between surfaces, the
// host shim, and the capture engine.
//
// A [Session] records its source tab, a per-tab ordinal, the source
// overlay, an optional theme, and the viewer overlays on each output
// tab. The [Registry] mirrors the whole set to the store under one key
// on every change, so a daemon restart finds the same sessions.
//
// The [Coordinator] reacts to host events. A source tab that starts
// loading without changing address is reloading; when the load
// completes the session is restored in place (source overlay, theme,
// count, saved geometry, then capture). Any other navigation or closing
// the source tab stops the session. Closing a viewer tab drops its
// overlays and pauses rendering when no viewers remain.
//
// Overlay geometry and pause state are written through a debounced
// per-key writer and flushed when an interaction ends or a surface
// unloads.
package coordinator
