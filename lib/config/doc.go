// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the peek
// daemon.
//
// Configuration is loaded from a single file specified by either the
// PEEK_CONFIG environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There is no discovery and no environment-variable
// override of individual values.
//
// The file may carry development and production sections that override
// base values when [Config].Environment matches. Production defaults
// are stricter: the relay only accepts surfaces from configured origins.
//
// ${HOME}, ${PEEK_ROOT}, and ${VAR:-default} are expanded in path
// fields after loading. The optional default theme file is JSONC and is
// read with [LoadTheme].
//
// This package depends on no other peek packages.
package config
