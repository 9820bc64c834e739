// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash fingerprints configuration content with BLAKE3.
//
// The broker reports the digest of the trust policy it loaded through
// broker.info, and `capbroker policy check` prints the digest of a
// candidate file, so an operator can confirm which policy a running
// broker enforces without reading its files.
package binhash
