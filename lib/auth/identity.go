// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/bureau-foundation/capbroker/lib/policy"
)

// PeerCredentials are the kernel-reported credentials of the process
// on the other end of a Unix socket.
type PeerCredentials struct {
	UID uint32 `json:"uid" cbor:"uid"`
	GID uint32 `json:"gid" cbor:"gid"`
	PID int32  `json:"pid" cbor:"pid"`
}

// Identity is everything the broker knows about an authenticated
// caller.
type Identity struct {
	// Transport is policy.TransportUnix or policy.TransportTCP.
	Transport string

	// Peer is nil when the transport carries no kernel credentials.
	Peer *PeerCredentials

	// Subject and TokenID come from a verified token. TokenScope is
	// the token's operation list.
	Subject    string
	TokenID    string
	TokenScope []string

	// SPIFFEID is zero without a verified TLS client certificate.
	SPIFFEID spiffeid.ID

	// Package and APIVersion are what the client declared in its
	// hello. They are not verified.
	Package    string
	APIVersion int
}

// Caller returns the view of the identity that policy rules match.
func (i Identity) Caller() policy.Caller {
	caller := policy.Caller{
		Transport: i.Transport,
		Subject:   i.Subject,
		SPIFFEID:  i.SPIFFEID,
	}
	if i.Peer != nil {
		caller.HasPeer = true
		caller.UID = i.Peer.UID
	}
	return caller
}

// Principal is a single display name for the caller, preferring the
// strongest application identity available.
func (i Identity) Principal() string {
	switch {
	case i.Subject != "":
		return i.Subject
	case !i.SPIFFEID.IsZero():
		return i.SPIFFEID.String()
	case i.Peer != nil:
		return fmt.Sprintf("uid:%d", i.Peer.UID)
	}
	return "anonymous"
}

// LogValue groups the identity's fields in log records.
func (i Identity) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("transport", i.Transport),
		slog.String("principal", i.Principal()),
	}
	if i.Peer != nil {
		attrs = append(attrs, slog.Any("uid", i.Peer.UID), slog.Any("pid", i.Peer.PID))
	}
	if i.TokenID != "" {
		attrs = append(attrs, slog.String("token_id", i.TokenID))
	}
	if i.Package != "" {
		attrs = append(attrs, slog.String("package", i.Package))
	}
	return slog.GroupValue(attrs...)
}

// View is the serializable form reported by broker.whoami.
type View struct {
	Transport  string           `json:"transport" cbor:"transport"`
	Principal  string           `json:"principal" cbor:"principal"`
	Peer       *PeerCredentials `json:"peer,omitempty" cbor:"peer,omitempty"`
	Subject    string           `json:"subject,omitempty" cbor:"subject,omitempty"`
	TokenID    string           `json:"token_id,omitempty" cbor:"token_id,omitempty"`
	TokenScope []string         `json:"token_scope,omitempty" cbor:"token_scope,omitempty"`
	SPIFFEID   string           `json:"spiffe_id,omitempty" cbor:"spiffe_id,omitempty"`
	Package    string           `json:"package,omitempty" cbor:"package,omitempty"`
	APIVersion int              `json:"api_version,omitempty" cbor:"api_version,omitempty"`
}

// View returns a serializable copy of the identity.
func (i Identity) View() View {
	view := View{
		Transport:  i.Transport,
		Principal:  i.Principal(),
		Subject:    i.Subject,
		TokenID:    i.TokenID,
		TokenScope: slices.Clone(i.TokenScope),
		Package:    i.Package,
		APIVersion: i.APIVersion,
	}
	if i.Peer != nil {
		peer := *i.Peer
		view.Peer = &peer
	}
	if !i.SPIFFEID.IsZero() {
		view.SPIFFEID = i.SPIFFEID.String()
	}
	return view
}
