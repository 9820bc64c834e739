// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth turns a freshly accepted connection into a verified
// caller [Identity] and decides whether the trust policy admits it.
//
// Three credential sources are combined:
//
//   - Kernel peer credentials (uid, gid, pid) from SO_PEERCRED on Unix
//     sockets. Linux only; other platforms report none.
//   - A SPIFFE ID from the verified client certificate on a TLS
//     endpoint.
//   - An optional signed token carried in the client's hello, checked
//     for signature, expiry, audience and revocation.
//
// At least one must be present. Any failure, including a hello that
// does not arrive within the authentication window, wraps
// [ErrAuthenticationFailed].
package auth
