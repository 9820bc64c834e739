// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for capbroker.
//
// Configuration is loaded from a single file specified by either the
// CAPBROKER_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no file discovery.
//
// The file may carry development and production sections that
// override base values when [Config].Environment matches. Production
// without an explicit section disables the TCP endpoint and logs at
// info.
//
// Path fields expand ${HOME}, ${XDG_RUNTIME_DIR}, ${STATE_DIR} and
// ${VAR:-default} after loading. No environment variable overrides a
// configured value.
package config
