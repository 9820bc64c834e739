// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the Core Deterministic Encoding mode shared by every
// package in the module.
//
// Determinism is load-bearing: tokens and revocation requests are
// signed over their encoded bytes, and a verifier re-encodes to check.
// Map key order or integer width that varied between encodes would
// make a valid signature fail to verify.
var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown struct fields are ignored so
// newer clients can talk to older brokers.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Types with a text form (SPIFFE IDs, launch methods) go on the
	// wire as that text, the same form config files and logs use.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Operation arguments decoded into any must come out as
		// map[string]any so the CLI can re-encode them as JSON.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// operation arguments and results.
type RawMessage = cbor.RawMessage

// Tag is a CBOR semantic tag (major type 6) with a Go content value.
// Marshal encodes the tag number with the smallest argument width that
// holds it.
type Tag = cbor.Tag

// RawTag is a CBOR semantic tag whose content is left encoded.
// Unmarshalling a value that is not a tag into a RawTag fails.
type RawTag = cbor.RawTag

// NewEncoder returns a CBOR encoder that writes to w using the
// deterministic encoding configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for the
// entire contents of data.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
