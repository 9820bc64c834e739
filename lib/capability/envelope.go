// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/capbroker/lib/codec"
)

// EnvelopeTag is the CBOR tag number identifying a capability envelope
// and its version: the ASCII bytes "CAP1". Its value exceeds 2^24, so
// the tag is always encoded with a 4-byte argument.
const EnvelopeTag = 0x43415031

// SecretSize is the length of a reference's bearer secret.
const SecretSize = 32

// ErrProtocolMismatch is returned for data that is not a well-formed
// envelope of this version.
var ErrProtocolMismatch = errors.New("capability: protocol mismatch")

// Reference is the opaque value handed to a client.
type Reference struct {
	HandleID string `cbor:"1,keyasint"`
	Secret   []byte `cbor:"2,keyasint"`
}

// envelopeReferenceKey is the only key of the envelope map.
const envelopeReferenceKey = 1

// EncodeEnvelope wraps ref as tag(EnvelopeTag, {1: ref}).
func EncodeEnvelope(ref Reference) ([]byte, error) {
	data, err := codec.Marshal(codec.Tag{
		Number:  EnvelopeTag,
		Content: map[uint64]Reference{envelopeReferenceKey: ref},
	})
	if err != nil {
		return nil, fmt.Errorf("capability: encoding envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope reverses EncodeEnvelope. Untagged data, another tag
// number, a map with other keys or a malformed reference all yield
// ErrProtocolMismatch.
func DecodeEnvelope(data []byte) (Reference, error) {
	var raw codec.RawTag
	if err := codec.Unmarshal(data, &raw); err != nil {
		return Reference{}, fmt.Errorf("%w: not a tagged value: %v", ErrProtocolMismatch, err)
	}
	if raw.Number != EnvelopeTag {
		return Reference{}, fmt.Errorf("%w: tag %#x, want %#x", ErrProtocolMismatch, raw.Number, uint64(EnvelopeTag))
	}

	// Decode the map loosely first so extra keys are detected. A newer
	// envelope that added a field must be refused here, not half read
	// with the new field ignored.
	var fields map[uint64]codec.RawMessage
	if err := codec.Unmarshal(raw.Content, &fields); err != nil {
		return Reference{}, fmt.Errorf("%w: envelope content: %v", ErrProtocolMismatch, err)
	}
	content, found := fields[envelopeReferenceKey]
	if len(fields) != 1 || !found {
		return Reference{}, fmt.Errorf("%w: envelope must hold exactly field %d", ErrProtocolMismatch, envelopeReferenceKey)
	}

	var ref Reference
	if err := codec.Unmarshal(content, &ref); err != nil {
		return Reference{}, fmt.Errorf("%w: reference: %v", ErrProtocolMismatch, err)
	}
	if ref.HandleID == "" || len(ref.Secret) != SecretSize {
		return Reference{}, fmt.Errorf("%w: reference missing handle id or %d-byte secret", ErrProtocolMismatch, SecretSize)
	}
	return ref, nil
}
