// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package servicetoken

import (
	"sync"
	"time"
)

// Blacklist is a concurrency-safe set of revoked token IDs. Each entry
// remembers the token's natural expiry so Cleanup can drop it once
// VerifyAt would reject the token anyway.
//
// The broker consults the blacklist twice: when a hello presents a
// token, and again under the registry lock when the handle is issued.
// broker.revoke_tokens adds entries before it scans the registry, so a
// session attaching concurrently with a revocation is caught by one
// check or the other. Since minted tokens are short-lived, the set
// stays small between cleanup passes.
type Blacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{entries: make(map[string]time.Time)}
}

// Revoke adds tokenID. Revoking an ID twice keeps the later expiry:
// a --id revocation carries a guessed expiry, and a later revocation
// from the token file itself must not shorten it.
func (b *Blacklist) Revoke(tokenID string, tokenExpiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, found := b.entries[tokenID]; found && existing.After(tokenExpiresAt) {
		return
	}
	b.entries[tokenID] = tokenExpiresAt
}

// IsRevoked reports whether tokenID is blacklisted.
func (b *Blacklist) IsRevoked(tokenID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.entries[tokenID]
	return exists
}

// Cleanup removes entries whose token expiry is at or before now and
// returns how many were removed. The broker calls it from its cleanup
// ticker; without it the set grows with every revocation for the life
// of the process.
func (b *Blacklist) Cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for tokenID, expiresAt := range b.entries {
		if !now.Before(expiresAt) {
			delete(b.entries, tokenID)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
