// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package servicetoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/capbroker/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize

// Token is the signed payload of a client credential.
type Token struct {
	// Subject names the client application, slash-separated
	// (e.g. "fleet/agents/pm"). Policy rules match it with globs.
	Subject string `cbor:"1,keyasint"`

	// Audience is the broker service role the token is minted for.
	Audience string `cbor:"2,keyasint"`

	// Operations optionally narrows what the holder may invoke. Empty
	// means the policy rule alone decides.
	Operations []string `cbor:"3,keyasint,omitempty"`

	// ID identifies the token for revocation.
	ID string `cbor:"4,keyasint"`

	// IssuedAt and ExpiresAt are Unix seconds.
	IssuedAt  int64 `cbor:"5,keyasint"`
	ExpiresAt int64 `cbor:"6,keyasint"`
}

// Expiry returns ExpiresAt as a time.
func (t *Token) Expiry() time.Time {
	return time.Unix(t.ExpiresAt, 0)
}

// NewToken fills ID, IssuedAt and ExpiresAt for a token valid for ttl
// from now.
func NewToken(subject, audience string, operations []string, now time.Time, ttl time.Duration) *Token {
	return &Token{
		Subject:    subject,
		Audience:   audience,
		Operations: operations,
		ID:         uuid.NewString(),
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
	}
}

// Errors returned by Verify and related functions.
var (
	ErrTokenTooShort    = errors.New("servicetoken: token too short for signature")
	ErrInvalidSignature = errors.New("servicetoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("servicetoken: token has expired")
	ErrAudienceMismatch = errors.New("servicetoken: audience does not match")
	ErrTokenRevoked     = errors.New("servicetoken: token has been revoked")
)

// Mint signs token and returns the wire bytes.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	data, err := sign(privateKey, token)
	if err != nil {
		return nil, fmt.Errorf("servicetoken: encoding token payload: %w", err)
	}
	return data, nil
}

// VerifyAt checks the signature, decodes the payload and rejects
// tokens expired at now. Audience and blacklist checks are left to
// the caller; VerifyForServiceAt does the audience check.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	payload, err := open(publicKey, tokenBytes, ErrTokenTooShort, ErrInvalidSignature)
	if err != nil {
		return nil, err
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("servicetoken: decoding token payload: %w", err)
	}

	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &token, nil
}

// VerifyForServiceAt is VerifyAt plus an audience check.
func VerifyForServiceAt(publicKey ed25519.PublicKey, tokenBytes []byte, expectedAudience string, now time.Time) (*Token, error) {
	token, err := VerifyAt(publicKey, tokenBytes, now)
	if err != nil {
		return nil, err
	}
	if token.Audience != expectedAudience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, token.Audience, expectedAudience)
	}
	return token, nil
}

// sign encodes value and appends a signature over the encoding.
func sign(privateKey ed25519.PrivateKey, value any) ([]byte, error) {
	payload, err := codec.Marshal(value)
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(privateKey, payload)

	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)
	return result, nil
}

// open splits data into payload and signature and verifies it.
func open(publicKey ed25519.PublicKey, data []byte, tooShort, badSignature error) ([]byte, error) {
	if len(data) <= signatureSize {
		return nil, tooShort
	}
	splitPoint := len(data) - signatureSize
	payload, signature := data[:splitPoint], data[splitPoint:]
	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, badSignature
	}
	return payload, nil
}
