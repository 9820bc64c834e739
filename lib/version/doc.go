// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build and protocol version information.
//
// Build information is injected at link time, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/capbroker/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// ServerVersion and PatchVersion describe the broker protocol and are
// reported to clients in the attach reply and by broker.info.
package version
