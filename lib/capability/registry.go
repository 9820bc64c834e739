// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/capbroker/lib/clock"
)

// Errors returned by Registry.
var (
	ErrDuplicateSession = errors.New("capability: session already holds a live handle")
	ErrUnknownHandle    = errors.New("capability: unknown handle")
	ErrRevoked          = errors.New("capability: handle revoked")
	ErrBadSecret        = errors.New("capability: secret does not match handle")
	ErrNotAdmitted      = errors.New("capability: grant not admitted")
)

// tombstoneLimit bounds how many revoked handle IDs are remembered to
// distinguish ErrRevoked from ErrUnknownHandle. Past the limit the
// oldest IDs answer ErrUnknownHandle instead, which denies just the
// same; only the error a client sees changes.
const tombstoneLimit = 4096

// Registry holds the live handles of one broker.
//
// One mutex guards both indexes so Issue, Revoke and Lookup are
// linearizable with respect to each other. Secrets are never stored;
// each handle keeps a BLAKE3 digest keyed with a per-registry random
// key, so a heap dump or a Snapshot leaks nothing a client could
// present.
type Registry struct {
	clock clock.Clock
	key   [32]byte

	mu        sync.Mutex
	bySession map[string]*Handle
	byID      map[string]*Handle

	// tombstones is a ring of recently revoked IDs.
	tombstones     map[string]struct{}
	tombstoneRing  []string
	tombstoneIndex int
}

// NewRegistry returns an empty registry with a fresh digest key.
func NewRegistry(clk clock.Clock) *Registry {
	registry := &Registry{
		clock:      clk,
		bySession:  make(map[string]*Handle),
		byID:       make(map[string]*Handle),
		tombstones: make(map[string]struct{}),
	}
	if _, err := rand.Read(registry.key[:]); err != nil {
		panic("capability: reading random digest key: " + err.Error())
	}
	return registry
}

func (r *Registry) digest(secret []byte) [32]byte {
	hasher, err := blake3.NewKeyed(r.key[:])
	if err != nil {
		panic("capability: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(secret)
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// Issue creates a handle for grant.SessionID and returns it with the
// reference to give the client. A session that already holds a live
// handle gets ErrDuplicateSession. A grant whose Admit check fails
// gets ErrNotAdmitted wrapping the check's error.
func (r *Registry) Issue(grant Grant) (*Handle, Reference, error) {
	if grant.SessionID == "" {
		return nil, Reference{}, errors.New("capability: grant has no session id")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, Reference{}, fmt.Errorf("capability: generating handle id: %w", err)
	}
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, Reference{}, fmt.Errorf("capability: generating secret: %w", err)
	}

	handle := &Handle{
		ID:         id.String(),
		SessionID:  grant.SessionID,
		Principal:  grant.Principal,
		TokenID:    grant.TokenID,
		Operations: slices.Clone(grant.Operations),
		TokenScope: slices.Clone(grant.TokenScope),
		IssuedAt:   r.clock.Now(),
		digest:     r.digest(secret),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySession[grant.SessionID]; exists {
		return nil, Reference{}, fmt.Errorf("%w: %s", ErrDuplicateSession, grant.SessionID)
	}
	if grant.Admit != nil {
		if err := grant.Admit(); err != nil {
			return nil, Reference{}, fmt.Errorf("%w: %w", ErrNotAdmitted, err)
		}
	}
	r.bySession[handle.SessionID] = handle
	r.byID[handle.ID] = handle

	return handle, Reference{HandleID: handle.ID, Secret: secret}, nil
}

// Revoke removes the live handle of sessionID and marks it revoked.
// Revoking an absent session is a no-op that returns false.
func (r *Registry) Revoke(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, exists := r.bySession[sessionID]
	if !exists {
		return nil, false
	}
	r.removeLocked(handle)
	return handle, true
}

// RevokeTokens revokes every live handle issued to a caller that
// authenticated with one of tokenIDs.
func (r *Registry) RevokeTokens(tokenIDs ...string) []*Handle {
	if len(tokenIDs) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var revoked []*Handle
	for _, handle := range r.bySession {
		if handle.TokenID != "" && slices.Contains(tokenIDs, handle.TokenID) {
			r.removeLocked(handle)
			revoked = append(revoked, handle)
		}
	}
	return revoked
}

func (r *Registry) removeLocked(handle *Handle) {
	handle.revoked.Store(true)
	delete(r.bySession, handle.SessionID)
	delete(r.byID, handle.ID)

	if len(r.tombstoneRing) < tombstoneLimit {
		r.tombstoneRing = append(r.tombstoneRing, handle.ID)
	} else {
		delete(r.tombstones, r.tombstoneRing[r.tombstoneIndex])
		r.tombstoneRing[r.tombstoneIndex] = handle.ID
		r.tombstoneIndex = (r.tombstoneIndex + 1) % tombstoneLimit
	}
	r.tombstones[handle.ID] = struct{}{}
}

// Lookup returns the live handle of sessionID.
func (r *Registry) Lookup(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, exists := r.bySession[sessionID]
	return handle, exists
}

// Resolve returns the live handle ref names after checking its secret.
func (r *Registry) Resolve(ref Reference) (*Handle, error) {
	// Hashing happens outside the lock; every invocation passes
	// through here.
	digest := r.digest(ref.Secret)

	r.mu.Lock()
	handle, exists := r.byID[ref.HandleID]
	_, tombstoned := r.tombstones[ref.HandleID]
	r.mu.Unlock()

	switch {
	case exists:
	case tombstoned:
		return nil, ErrRevoked
	default:
		return nil, ErrUnknownHandle
	}
	if subtle.ConstantTimeCompare(digest[:], handle.digest[:]) != 1 {
		return nil, ErrBadSecret
	}
	// The handle may have been revoked between the unlock and here.
	if handle.Revoked() {
		return nil, ErrRevoked
	}
	return handle, nil
}

// Snapshot returns the live handles ordered by handle ID, which is
// issue order.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.byID))
	for _, handle := range r.byID {
		infos = append(infos, handle.Info())
	}
	r.mu.Unlock()

	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.HandleID, b.HandleID) })
	return infos
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession)
}
