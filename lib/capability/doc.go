// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability issues and tracks the live handles the broker
// hands to authenticated clients.
//
// A [Handle] is created by [Registry.Issue] once a session has been
// authenticated, and lives until [Registry.Revoke] removes it. The
// client never sees the Handle itself: it receives a [Reference], the
// handle ID plus a 32-byte random secret, wrapped in a CBOR envelope
// (see [EncodeEnvelope]). The registry stores only a BLAKE3 digest of
// the secret, keyed per registry, and [Registry.Resolve] compares
// digests in constant time.
//
// Every registry operation runs under one mutex, held only for the map
// mutation and its precondition check, so operations are linearizable
// and an observer never sees a session with two live handles.
package capability
