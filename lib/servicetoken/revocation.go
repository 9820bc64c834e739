// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package servicetoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/capbroker/lib/codec"
)

// RevocationEntry names one token to revoke and when its blacklist
// entry may be dropped (the token's own expiry).
type RevocationEntry struct {
	TokenID   string `cbor:"1,keyasint"`
	ExpiresAt int64  `cbor:"2,keyasint"`
}

// RevocationRequest is the signed payload accepted by the
// broker.revoke_tokens operation.
type RevocationRequest struct {
	Entries  []RevocationEntry `cbor:"1,keyasint"`
	IssuedAt int64             `cbor:"2,keyasint"`
}

// TokenIDs returns the IDs of every entry.
func (r *RevocationRequest) TokenIDs() []string {
	ids := make([]string, len(r.Entries))
	for i, entry := range r.Entries {
		ids[i] = entry.TokenID
	}
	return ids
}

// Apply adds every entry to blacklist.
func (r *RevocationRequest) Apply(blacklist *Blacklist) {
	for _, entry := range r.Entries {
		blacklist.Revoke(entry.TokenID, time.Unix(entry.ExpiresAt, 0))
	}
}

// Errors returned by VerifyRevocation.
var (
	ErrRevocationTooShort  = errors.New("servicetoken: revocation data too short for signature")
	ErrRevocationBadSig    = errors.New("servicetoken: invalid revocation signature")
	ErrRevocationNoEntries = errors.New("servicetoken: revocation request has no entries")
)

// SignRevocation signs request in the token wire format.
func SignRevocation(privateKey ed25519.PrivateKey, request *RevocationRequest) ([]byte, error) {
	data, err := sign(privateKey, request)
	if err != nil {
		return nil, fmt.Errorf("servicetoken: encoding revocation request: %w", err)
	}
	return data, nil
}

// VerifyRevocation checks the signature on data and decodes it. A
// request without entries is rejected.
func VerifyRevocation(publicKey ed25519.PublicKey, data []byte) (*RevocationRequest, error) {
	payload, err := open(publicKey, data, ErrRevocationTooShort, ErrRevocationBadSig)
	if err != nil {
		return nil, err
	}

	var request RevocationRequest
	if err := codec.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("servicetoken: decoding revocation request: %w", err)
	}
	if len(request.Entries) == 0 {
		return nil, ErrRevocationNoEntries
	}
	return &request, nil
}
