// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material in memory outside the Go heap.
//
// A [Buffer] is an anonymous mmap region locked against swap and
// excluded from core dumps. Close zeroes and unmaps it. The token
// subcommands keep the Ed25519 signing key in a Buffer for the few
// milliseconds they need it; [ReadFile] loads it without leaving a
// heap copy behind.
package secret
