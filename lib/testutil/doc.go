// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for capbroker packages.
//
// [SocketDir] creates a short temporary directory in /tmp for Unix
// domain sockets, whose paths are limited to 108 bytes (sun_path).
// t.TempDir() can exceed that when TMPDIR is deeply nested.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never block forever on a broken broker. They are
// the only place in the test suite that reads the wall clock.
//
// [Logger] returns a slog.Logger that writes through t.Log, so broker
// log records appear next to the failing test instead of on stderr.
//
// [UniqueID] generates monotonically increasing identifiers for
// package names, token subjects and socket names.
//
// All helpers call t.Fatalf on failure.
package testutil
