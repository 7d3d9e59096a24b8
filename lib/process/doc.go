// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the peek
// binaries: reporting the error returned by run() and choosing the
// exit code. They write to stderr directly because the structured
// logger may not exist yet when run() fails.
package process
