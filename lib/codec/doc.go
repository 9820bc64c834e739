// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the broker's standard CBOR encoding
// configuration.
//
// Everything that crosses a process boundary is CBOR: the hello and
// request messages on the broker socket, the responses and events the
// broker pushes back, signed credential tokens, revocation requests,
// and capability envelopes. JSON appears only at the CLI edge (the
// "call" command's --args and output).
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// same logical value always produces identical bytes, which keeps
// signatures over token payloads stable.
//
// For buffer-oriented operations (tokens, envelopes):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
//   - `cbor` tag: the type is only ever serialized as CBOR. Wire
//     messages and token payloads.
//   - `json` tag: the type may be serialized as JSON and CBOR.
//     fxamacker/cbor reads `json` tags when `cbor` tags are absent.
//     Operation results printed by the CLI use these.
//
// Never put both tags on one field.
package codec
