// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build version information for the peek
// binaries. Values are injected at build time with -ldflags.
package version
