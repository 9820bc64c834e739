// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/capbroker/lib/broker"
	"github.com/bureau-foundation/capbroker/lib/brokerclient"
	"github.com/bureau-foundation/capbroker/lib/protocol"
	"github.com/bureau-foundation/capbroker/lib/servicetoken"
	"github.com/bureau-foundation/capbroker/lib/testutil"
)

func TestSigningKeySignsFromLockedSeed(t *testing.T) {
	public, private, err := servicetoken.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "token.key")
	if err := servicetoken.SaveKeypair(path, public, private); err != nil {
		t.Fatal(err)
	}

	key, err := loadSigningKey(path)
	if err != nil {
		t.Fatalf("loadSigningKey: %v", err)
	}
	defer key.Close()

	if !bytes.Equal(key.publicKey(), public) {
		t.Error("derived public key differs from the saved one")
	}

	message := []byte("revocation payload")
	var signature []byte
	var used ed25519.PrivateKey
	if err := key.sign(func(derived ed25519.PrivateKey) error {
		signature = ed25519.Sign(derived, message)
		used = derived
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !ed25519.Verify(public, message, signature) {
		t.Error("signature from the derived key does not verify")
	}
	if !bytes.Equal(used, make([]byte, ed25519.PrivateKeySize)) {
		t.Error("derived private key was not zeroed after use")
	}
}

func TestLoadSigningKeyRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadSigningKey(path); err == nil {
		t.Error("loadSigningKey accepted a truncated key")
	}
}

// enableTokenAuth points the test config at the keypair token keygen
// writes.
func enableTokenAuth(t *testing.T, env testEnv) {
	t.Helper()
	data, err := os.ReadFile(env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	privatePath := filepath.Join(env.stateDir, "token.key")
	content := strings.Replace(string(data),
		"  token_private_key: "+privatePath+"\n",
		"  token_private_key: "+privatePath+"\n  token_public_key: "+servicetoken.PublicKeyPath(privatePath)+"\n", 1)
	content += "tokens:\n  audience: capbroker\n"
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTokenRevokeClosesTokenSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, _, err := env.run(ctx, "token", "keygen"); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	enableTokenAuth(t, env)

	tokenPath := filepath.Join(env.stateDir, "client.token")
	if _, _, err := env.run(ctx, "token", "mint", "--subject", "fleet/agents/pm", "--out", tokenPath); err != nil {
		t.Fatalf("mint: %v", err)
	}
	tokenBytes, err := os.ReadFile(tokenPath)
	if err != nil {
		t.Fatal(err)
	}

	startServe(t, env)

	holder, err := brokerclient.Dial(ctx, "unix", env.socketPath, brokerclient.Options{
		Token:   tokenBytes,
		Package: "token-holder",
	})
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer holder.Close()
	if err := holder.Ping(ctx); err != nil {
		t.Fatalf("ping before revocation: %v", err)
	}

	stdout, _, err := env.run(ctx, "token", "revoke", tokenPath, "--id", "never-issued")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !strings.Contains(stdout, "revoked 2 token(s), closed 1 session(s)") {
		t.Errorf("revoke output = %q", stdout)
	}

	event := testutil.RequireReceive(t, holder.Events(), 5*time.Second, "token holder saw no revoked event")
	if event.Event != protocol.EventRevoked {
		t.Errorf("event = %q, want %q", event.Event, protocol.EventRevoked)
	}
	testutil.RequireClosed(t, holder.Done(), 5*time.Second, "token holder connection stayed open")

	_, err = brokerclient.Dial(ctx, "unix", env.socketPath, brokerclient.Options{Token: tokenBytes})
	var protocolErr *protocol.Error
	if err == nil {
		t.Fatal("revoked token attached again")
	}
	if !errors.As(err, &protocolErr) || protocolErr.Code != protocol.CodeAuthenticationFailed {
		t.Errorf("reattach with a revoked token: %v", err)
	}

	if _, _, err := env.run(ctx, "token", "revoke"); err == nil {
		t.Error("revoke with nothing named succeeded")
	}

	stdout, _, err = env.run(ctx, "call", broker.OpInfo)
	if err != nil || !strings.Contains(stdout, "policy_digest") {
		t.Errorf("broker unhealthy after revocation: %v %s", err, stdout)
	}
}
