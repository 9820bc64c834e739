// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/capbroker/lib/glob"
)

// Grant describes the handle to issue for an authenticated session.
type Grant struct {
	SessionID string

	// Principal is a display name for the caller, used in logs and
	// introspection.
	Principal string

	// TokenID is the ID of the signed token the caller presented,
	// empty without one. RevokeTokens matches on it.
	TokenID string

	// Operations are the patterns of the policy rule that admitted the
	// caller.
	Operations []string

	// TokenScope optionally narrows Operations further. Empty means no
	// narrowing.
	TokenScope []string

	// Admit, when set, is called under the registry lock just before
	// the handle is stored. A non-nil error refuses the grant. A token
	// revocation that blacklists first and then calls RevokeTokens
	// therefore either sees the handle or makes Admit fail; there is
	// no window in which a revoked token gains a live handle.
	Admit func() error
}

// Handle is a live capability owned by one session. All fields except
// the revoked flag are immutable after Issue.
type Handle struct {
	ID         string
	SessionID  string
	Principal  string
	TokenID    string
	Operations []string
	TokenScope []string
	IssuedAt   time.Time

	digest  [32]byte
	revoked atomic.Bool
}

// Revoked reports whether the handle has been revoked. A revoked
// handle never becomes valid again.
func (h *Handle) Revoked() bool {
	return h.revoked.Load()
}

// Allows reports whether operation is permitted by the handle's
// policy patterns and, when present, its token scope.
func (h *Handle) Allows(operation string) bool {
	if !glob.MatchAny(h.Operations, operation, glob.Operation) {
		return false
	}
	return len(h.TokenScope) == 0 || glob.MatchAny(h.TokenScope, operation, glob.Operation)
}

// Info is a copy of a handle's public fields.
type Info struct {
	HandleID   string    `json:"handle_id" cbor:"handle_id"`
	SessionID  string    `json:"session_id" cbor:"session_id"`
	Principal  string    `json:"principal" cbor:"principal"`
	TokenID    string    `json:"token_id,omitempty" cbor:"token_id,omitempty"`
	Operations []string  `json:"operations" cbor:"operations"`
	IssuedAt   time.Time `json:"issued_at" cbor:"issued_at"`
}

// Info returns a copy of the handle's public fields.
func (h *Handle) Info() Info {
	return Info{
		HandleID:   h.ID,
		SessionID:  h.SessionID,
		Principal:  h.Principal,
		TokenID:    h.TokenID,
		Operations: slices.Clone(h.Operations),
		IssuedAt:   h.IssuedAt,
	}
}
