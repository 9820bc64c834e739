// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffetls"

	"github.com/bureau-foundation/capbroker/lib/clock"
	"github.com/bureau-foundation/capbroker/lib/policy"
	"github.com/bureau-foundation/capbroker/lib/protocol"
	"github.com/bureau-foundation/capbroker/lib/servicetoken"
)

// ErrAuthenticationFailed wraps every authentication failure.
var ErrAuthenticationFailed = errors.New("auth: authentication failed")

// DefaultTimeout is the authentication window when Config.Timeout is
// zero.
const DefaultTimeout = 5 * time.Second

// Config configures an Authenticator.
type Config struct {
	// Policy decides which identities are admitted. Required.
	Policy *policy.Policy

	// PublicKey verifies hello tokens. Nil rejects any hello that
	// carries a token.
	PublicKey ed25519.PublicKey

	// Audience is the token audience this broker accepts.
	Audience string

	// Blacklist holds revoked token IDs. Optional.
	Blacklist *servicetoken.Blacklist

	// Timeout bounds the wait for the hello and the TLS handshake.
	Timeout time.Duration

	// Clock is used for token expiry. Defaults to the real clock.
	// Socket deadlines always use wall time.
	Clock clock.Clock

	Logger *slog.Logger
}

// Authenticator extracts and verifies caller identities.
type Authenticator struct {
	policy    *policy.Policy
	publicKey ed25519.PublicKey
	audience  string
	blacklist *servicetoken.Blacklist
	timeout   time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// New returns an Authenticator. It panics if cfg.Policy is nil.
func New(cfg Config) *Authenticator {
	if cfg.Policy == nil {
		panic("auth: Config.Policy is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Authenticator{
		policy:    cfg.Policy,
		publicKey: cfg.PublicKey,
		audience:  cfg.Audience,
		blacklist: cfg.Blacklist,
		timeout:   cfg.Timeout,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
}

// Authenticate reads the hello from decoder and builds the caller's
// identity from it and from conn's transport credentials. decoder must
// read from conn; the session keeps using it afterwards so no buffered
// bytes are lost.
//
// The whole exchange is bounded by the authentication window and by
// ctx. Authenticate does not consult the policy; see Authorize.
func (a *Authenticator) Authenticate(ctx context.Context, conn net.Conn, decoder *protocol.Decoder) (Identity, error) {
	// A client that connects and never speaks would otherwise hold a
	// goroutine and a descriptor until it disconnects. The deadline
	// covers the TLS handshake too, which a slow peer can stretch out.
	deadline := time.Now().Add(a.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Identity{}, fail("setting deadline: %w", err)
	}
	// Cancellation interrupts a blocked read by moving the deadline
	// into the past.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		conn.SetDeadline(time.Time{})
	}()

	identity, err := a.transportIdentity(ctx, conn)
	if err != nil {
		return Identity{}, err
	}

	var hello protocol.Hello
	if err := decoder.Decode(&hello); err != nil {
		if ctx.Err() != nil {
			return Identity{}, fail("reading hello: %w", ctx.Err())
		}
		return Identity{}, fail("reading hello: %w", err)
	}
	if hello.Action != protocol.ActionHello {
		return Identity{}, fail("first message has action %q, want %q", hello.Action, protocol.ActionHello)
	}
	identity.Package = hello.Package
	identity.APIVersion = hello.APIVersion

	if len(hello.Token) > 0 {
		if err := a.verifyToken(hello.Token, &identity); err != nil {
			return Identity{}, err
		}
	}

	if identity.Peer == nil && identity.SPIFFEID.IsZero() && identity.TokenID == "" {
		return Identity{}, fail("no credential presented")
	}
	return identity, nil
}

// transportIdentity collects what the connection itself proves about
// the caller.
func (a *Authenticator) transportIdentity(ctx context.Context, conn net.Conn) (Identity, error) {
	switch typed := conn.(type) {
	case *net.UnixConn:
		peer, err := peerCredentials(typed)
		if err != nil {
			// Platforms without SO_PEERCRED fall back to tokens.
			a.logger.Debug("no peer credentials", "error", err)
			return Identity{Transport: policy.TransportUnix}, nil
		}
		return Identity{Transport: policy.TransportUnix, Peer: peer}, nil

	case *tls.Conn:
		if err := typed.HandshakeContext(ctx); err != nil {
			return Identity{}, fail("TLS handshake: %w", err)
		}
		id, err := spiffetls.PeerIDFromConnectionState(typed.ConnectionState())
		if err != nil {
			return Identity{}, fail("client certificate: %w", err)
		}
		return Identity{Transport: policy.TransportTCP, SPIFFEID: id}, nil
	}

	if conn.LocalAddr().Network() == "unix" {
		return Identity{Transport: policy.TransportUnix}, nil
	}
	return Identity{Transport: policy.TransportTCP}, nil
}

func (a *Authenticator) verifyToken(tokenBytes []byte, identity *Identity) error {
	if a.publicKey == nil {
		return fail("token presented but no token key is configured")
	}
	token, err := servicetoken.VerifyForServiceAt(a.publicKey, tokenBytes, a.audience, a.clock.Now())
	if err != nil {
		return fail("token: %w", err)
	}
	// This check alone is not enough: the token can be revoked after it
	// passes and before a handle exists. The broker checks again when
	// issuing.
	if a.blacklist != nil && a.blacklist.IsRevoked(token.ID) {
		return fail("token %s: %w", token.ID, servicetoken.ErrTokenRevoked)
	}
	identity.Subject = token.Subject
	identity.TokenID = token.ID
	identity.TokenScope = token.Operations
	return nil
}

// Authorize reports whether the policy admits identity.
func (a *Authenticator) Authorize(identity Identity) bool {
	return a.policy.Authorize(identity.Caller())
}

// Match returns the first policy rule admitting identity.
func (a *Authenticator) Match(identity Identity) (policy.Rule, bool) {
	return a.policy.Match(identity.Caller())
}

func fail(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrAuthenticationFailed, fmt.Errorf(format, args...))
}
