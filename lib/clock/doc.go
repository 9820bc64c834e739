// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The broker stamps handles, checks credential expiry, runs periodic
// blacklist cleanup and bounds shutdown grace periods through a Clock
// instead of calling the time package. Real returns the standard
// library behavior; Fake returns a clock that moves only when the test
// calls Advance.
//
// Socket read and write deadlines are not routed through Clock: the
// kernel enforces them against wall time, so tests that exercise them
// use short real durations.
package clock
