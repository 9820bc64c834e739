// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package servicetoken implements Ed25519-signed bearer credentials for
// clients of the capability broker.
//
// Peer credentials identify a local caller by uid, and a SPIFFE
// certificate identifies a remote one. A token adds an application
// identity on top of either: a subject, an audience (the broker's
// service role), an optional operation scope and an expiry. The
// operator mints tokens offline with the broker's signing key; the
// broker verifies them with the public key alone.
//
// # Wire format
//
// Tokens and revocation requests share one format: a CBOR payload
// followed by a 64-byte Ed25519 signature over the payload bytes.
//
//	[CBOR payload bytes] [64-byte Ed25519 signature]
//
// The split point is always len(data) - 64.
//
// # Revocation
//
// A [RevocationRequest] lists token IDs with their natural expiry. The
// broker verifies its signature, adds the IDs to its [Blacklist] and
// revokes every live handle authenticated by those tokens. Blacklist
// entries are dropped once the token would have expired anyway.
package servicetoken
