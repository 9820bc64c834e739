// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/capbroker/lib/broker"
	"github.com/bureau-foundation/capbroker/lib/secret"
	"github.com/bureau-foundation/capbroker/lib/servicetoken"
)

// defaultRevocationTTL is how long a --id revocation stays on the
// blacklist when the token's own expiry is unknown.
const defaultRevocationTTL = 24 * time.Hour

// signingKey holds the Ed25519 seed in locked memory.
//
// crypto/ed25519 caches precomputed key state behind a weak pointer to
// the private key's first byte, and the runtime refuses weak pointers
// into memory it did not allocate. The expanded key therefore lives on
// the heap, and only for the duration of one signing call.
type signingKey struct {
	seed *secret.Buffer
}

// loadSigningKey reads the raw private key file and keeps its seed.
func loadSigningKey(path string) (*signingKey, error) {
	full, err := secret.ReadFile(path, ed25519.PrivateKeySize)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	defer full.Close()

	seed, err := secret.New(ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	copy(seed.Bytes(), full.Bytes()[:ed25519.SeedSize])
	return &signingKey{seed: seed}, nil
}

// sign passes a heap copy of the private key to fn and zeroes it
// afterwards.
func (k *signingKey) sign(fn func(ed25519.PrivateKey) error) error {
	private := ed25519.NewKeyFromSeed(k.seed.Bytes())
	defer clear(private)
	return fn(private)
}

// publicKey derives the verifying half.
func (k *signingKey) publicKey() ed25519.PublicKey {
	var public ed25519.PublicKey
	k.sign(func(private ed25519.PrivateKey) error {
		public = append(ed25519.PublicKey(nil), private[ed25519.SeedSize:]...)
		return nil
	})
	return public
}

func (k *signingKey) Close() error {
	return k.seed.Close()
}

func newTokenCommand(global *globalOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "token",
		Short: "Manage the token signing key, mint tokens and revoke them",
	}
	command.AddCommand(
		newTokenKeygenCommand(global),
		newTokenMintCommand(global),
		newTokenRevokeCommand(global),
	)
	return command
}

func newTokenKeygenCommand(global *globalOptions) *cobra.Command {
	var force bool
	command := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the Ed25519 token signing keypair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsurePaths(); err != nil {
				return err
			}
			privatePath := cfg.Paths.TokenPrivateKey
			// Replacing the key silently invalidates every token minted
			// with it, so it takes --force.
			if _, err := os.Stat(privatePath); err == nil && !force {
				return fmt.Errorf("private key %s already exists (use --force to replace it)", privatePath)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			public, private, err := servicetoken.GenerateKeypair()
			if err != nil {
				return err
			}
			if err := servicetoken.SaveKeypair(privatePath, public, private); err != nil {
				return err
			}
			fmt.Fprintf(global.stdout, "private key: %s\npublic key:  %s\n", privatePath, servicetoken.PublicKeyPath(privatePath))
			return nil
		},
	}
	command.Flags().BoolVar(&force, "force", false, "replace an existing keypair")
	return command
}

func newTokenMintCommand(global *globalOptions) *cobra.Command {
	var (
		subject    string
		operations []string
		ttl        time.Duration
		audience   string
		out        string
	)
	command := &cobra.Command{
		Use:   "mint",
		Short: "Sign a client token",
		Long: `Mint signs a token for --subject. The raw token is written to --out,
or printed as hex when --out is not given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject == "" {
				return usagef("--subject is required")
			}
			if ttl <= 0 {
				return usagef("--ttl must be positive")
			}
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			key, err := loadSigningKey(cfg.Paths.TokenPrivateKey)
			if err != nil {
				return err
			}
			defer key.Close()
			if audience == "" {
				audience = cfg.Tokens.Audience
			}

			token := servicetoken.NewToken(subject, audience, operations, time.Now(), ttl)
			var data []byte
			if err := key.sign(func(private ed25519.PrivateKey) (err error) {
				data, err = servicetoken.Mint(private, token)
				return err
			}); err != nil {
				return err
			}

			if out == "" {
				fmt.Fprintln(global.stdout, hex.EncodeToString(data))
			} else if err := os.WriteFile(out, data, 0o600); err != nil {
				return fmt.Errorf("writing token: %w", err)
			}
			fmt.Fprintf(global.stderr, "token %s for %s expires %s\n",
				token.ID, token.Subject, token.Expiry().UTC().Format(time.RFC3339))
			return nil
		},
	}
	flags := command.Flags()
	flags.StringVar(&subject, "subject", "", "client application name, e.g. fleet/agents/pm")
	flags.StringSliceVar(&operations, "operation", nil, "restrict the token to these operations (repeatable)")
	flags.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	flags.StringVar(&audience, "audience", "", "token audience (default tokens.audience from the config)")
	flags.StringVar(&out, "out", "", "write the raw token to this file")
	return command
}

func newTokenRevokeCommand(global *globalOptions) *cobra.Command {
	var (
		ids  []string
		conn connectOptions
	)
	command := &cobra.Command{
		Use:   "revoke [TOKEN_FILE...]",
		Short: "Revoke tokens on a running broker",
		Long: `Revoke signs a revocation for the given token files and --id values
and sends it to the running broker. Sessions authenticated by a revoked
token are closed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(ids) == 0 {
				return usagef("name at least one token file or --id")
			}
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			key, err := loadSigningKey(cfg.Paths.TokenPrivateKey)
			if err != nil {
				return err
			}
			defer key.Close()
			public := key.publicKey()

			now := time.Now()
			request := &servicetoken.RevocationRequest{IssuedAt: now.Unix()}
			// Token files are verified before their IDs are trusted: the
			// entry's expiry comes from the token, and a forged file
			// could otherwise pin an arbitrary ID on the blacklist for
			// as long as it liked.
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading token: %w", err)
				}
				token, err := servicetoken.VerifyAt(public, data, now)
				if errors.Is(err, servicetoken.ErrTokenExpired) {
					fmt.Fprintf(global.stderr, "%s: already expired, skipping\n", path)
					continue
				}
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				request.Entries = append(request.Entries, servicetoken.RevocationEntry{
					TokenID:   token.ID,
					ExpiresAt: token.ExpiresAt,
				})
			}
			// A bare ID has no known expiry, so it gets a fixed one
			// longer than any sensible token lifetime.
			for _, id := range ids {
				request.Entries = append(request.Entries, servicetoken.RevocationEntry{
					TokenID:   id,
					ExpiresAt: now.Add(defaultRevocationTTL).Unix(),
				})
			}
			if len(request.Entries) == 0 {
				fmt.Fprintln(global.stdout, "nothing to revoke")
				return nil
			}

			var signed []byte
			if err := key.sign(func(private ed25519.PrivateKey) (err error) {
				signed, err = servicetoken.SignRevocation(private, request)
				return err
			}); err != nil {
				return err
			}

			client, err := conn.dial(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			var result broker.RevokeTokensResult
			if err := client.Invoke(cmd.Context(), broker.OpRevokeTokens, broker.RevokeTokensArgs{Revocation: signed}, &result); err != nil {
				return err
			}
			// Give our own capability back instead of leaving the broker
			// to notice the disconnect.
			if err := client.Revoke(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(global.stdout, "revoked %d token(s), closed %d session(s)\n", result.Tokens, len(result.Sessions))
			return nil
		},
	}
	command.Flags().StringSliceVar(&ids, "id", nil, "token ID to revoke (repeatable)")
	conn.addFlags(command.Flags())
	return command
}
