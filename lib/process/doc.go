// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for capbroker.
//
// It centralizes the raw stderr writes that happen before the
// structured logger exists, and the mapping from a run() error to a
// process exit status. Errors that implement ExitCode() int choose
// their own status; the listener's bind failure uses this to exit 2.
package process
