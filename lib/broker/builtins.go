// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/bureau-foundation/capbroker/lib/auth"
	"github.com/bureau-foundation/capbroker/lib/capability"
	"github.com/bureau-foundation/capbroker/lib/servicetoken"
	"github.com/bureau-foundation/capbroker/lib/version"
)

// Built-in operation names.
const (
	OpInfo         = "broker.info"
	OpWhoami       = "broker.whoami"
	OpSessions     = "broker.sessions"
	OpRevokeTokens = "broker.revoke_tokens"
)

// Info is the result of broker.info.
type Info struct {
	Version       string    `json:"version" cbor:"version"`
	ServerVersion int       `json:"server_version" cbor:"server_version"`
	PatchVersion  int       `json:"patch_version" cbor:"patch_version"`
	ServerUID     int       `json:"server_uid" cbor:"server_uid"`
	ServerPID     int       `json:"server_pid" cbor:"server_pid"`
	StartedAt     time.Time `json:"started_at" cbor:"started_at"`
	Uptime        string    `json:"uptime" cbor:"uptime"`
	Sessions      int       `json:"sessions" cbor:"sessions"`
	Handles       int       `json:"handles" cbor:"handles"`
	Operations    []string  `json:"operations" cbor:"operations"`

	// PolicyDigest is the BLAKE3 digest of the loaded policy document,
	// empty for a policy built in code.
	PolicyDigest string `json:"policy_digest,omitempty" cbor:"policy_digest,omitempty"`
}

// Whoami is the result of broker.whoami.
type Whoami struct {
	auth.View
	SessionID  string   `json:"session_id" cbor:"session_id"`
	HandleID   string   `json:"handle_id" cbor:"handle_id"`
	Operations []string `json:"operations" cbor:"operations"`
}

// RevokeTokensArgs are the arguments of broker.revoke_tokens.
type RevokeTokensArgs struct {
	// Revocation is a request signed by servicetoken.SignRevocation.
	Revocation []byte `json:"revocation" cbor:"revocation"`
}

// RevokeTokensResult reports what broker.revoke_tokens did.
type RevokeTokensResult struct {
	Tokens   int      `json:"tokens" cbor:"tokens"`
	Sessions []string `json:"sessions" cbor:"sessions"`
}

func (b *Broker) registerBuiltins() {
	b.operations.Handle(OpInfo, b.handleInfo)
	b.operations.Handle(OpWhoami, b.handleWhoami)
	b.operations.Handle(OpSessions, b.handleSessions)
	b.operations.Handle(OpRevokeTokens, b.handleRevokeTokens)
}

func (b *Broker) handleInfo(_ context.Context, _ *Call) (any, error) {
	now := b.clock.Now()
	var policyDigest string
	if digest := b.policy.Digest(); !digest.IsZero() {
		policyDigest = digest.String()
	}
	return Info{
		Version:       version.Short(),
		ServerVersion: version.ServerVersion,
		PatchVersion:  version.PatchVersion,
		ServerUID:     os.Getuid(),
		ServerPID:     os.Getpid(),
		StartedAt:     b.startedAt,
		Uptime:        now.Sub(b.startedAt).Truncate(time.Second).String(),
		Sessions:      len(b.Sessions()),
		Handles:       b.registry.Len(),
		Operations:    b.operations.Names(),
		PolicyDigest:  policyDigest,
	}, nil
}

func (b *Broker) handleWhoami(_ context.Context, call *Call) (any, error) {
	return Whoami{
		View:       call.Identity.View(),
		SessionID:  call.Handle.SessionID,
		HandleID:   call.Handle.ID,
		Operations: call.Handle.Operations,
	}, nil
}

func (b *Broker) handleSessions(_ context.Context, _ *Call) (any, error) {
	snapshot := b.registry.Snapshot()
	if snapshot == nil {
		snapshot = []capability.Info{}
	}
	return snapshot, nil
}

func (b *Broker) handleRevokeTokens(_ context.Context, call *Call) (any, error) {
	var args RevokeTokensArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if b.publicKey == nil {
		return nil, errors.New("no token key configured")
	}
	request, err := servicetoken.VerifyRevocation(b.publicKey, args.Revocation)
	if err != nil {
		return nil, InvalidRequest("%v", err)
	}

	sessions := b.revokeTokens(request, call.Session)
	if sessions == nil {
		sessions = []string{}
	}
	return RevokeTokensResult{Tokens: len(request.Entries), Sessions: sessions}, nil
}
