// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by peek's tests.
//
// [RequireReceive] and [RequireClosed] bound every channel wait in the
// suite with a wall-clock safety valve, so a broken negotiation fails a
// test instead of hanging it. They are the only place tests touch real
// time; everything else runs on a fake clock.
package testutil
