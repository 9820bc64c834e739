// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the capability broker: it accepts client
// connections, authenticates them, issues each approved client a
// capability handle, and serves invocations made with that handle
// until the client disconnects, revokes, or the broker shuts down.
//
// The pieces, leaves first:
//
//   - [Listener] binds Unix and TCP endpoints and yields accepted
//     connections from all of them.
//   - [Session] owns one connection through the states Connecting,
//     Authenticated, Active and Closed. A session's handle is in the
//     registry exactly while the session is Active.
//   - [Operations] is the table of named operations a handle can
//     invoke. The broker registers its own broker.* operations; the
//     embedding program adds the rest.
//   - [Broker] ties them together and runs graceful shutdown.
//
// Per-session failures never escape the session goroutine: a rejected
// client receives an explicit error response, then its connection is
// closed.
package broker
