// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/bureau-foundation/capbroker/lib/brokerclient"
	"github.com/bureau-foundation/capbroker/lib/config"
	"github.com/bureau-foundation/capbroker/lib/version"
)

// connectOptions select how a subcommand reaches a running broker.
type connectOptions struct {
	tokenPath string
	tcp       string
}

func (c *connectOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.tokenPath, "token", "", "present the raw token in this file")
	flags.StringVar(&c.tcp, "tcp", "", "connect to host:port instead of the Unix socket")
}

// dial attaches to the broker. Over TCP with network.spiffe_socket
// configured, the client presents its own SVID.
func (c *connectOptions) dial(ctx context.Context, cfg *config.Config) (*brokerclient.Client, error) {
	opts := brokerclient.Options{
		Package:        "capbroker-cli",
		APIVersion:     version.ServerVersion,
		MaxMessageSize: cfg.Session.MaxMessageSize,
	}
	if c.tokenPath != "" {
		token, err := os.ReadFile(c.tokenPath)
		if err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		opts.Token = token
	}

	if c.tcp == "" {
		return brokerclient.Dial(ctx, "unix", cfg.Listener.SocketPath, opts)
	}
	if cfg.Network.SPIFFESocket != "" {
		source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(cfg.Network.SPIFFESocket)))
		if err != nil {
			return nil, fmt.Errorf("spiffe: workload api at %s: %w", cfg.Network.SPIFFESocket, err)
		}
		// The source is only needed for the handshake inside Dial.
		defer source.Close()
		// The trust bundle already limits which brokers can complete
		// the handshake. Pinning one broker SPIFFE ID would break every
		// client when the broker's workload registration changes.
		opts.TLS = tlsconfig.MTLSClientConfig(source, source, tlsconfig.AuthorizeAny())
	}
	return brokerclient.Dial(ctx, "tcp", c.tcp, opts)
}

func newCallCommand(global *globalOptions) *cobra.Command {
	var (
		argsJSON string
		conn     connectOptions
	)
	command := &cobra.Command{
		Use:   "call OPERATION",
		Short: "Attach, invoke one operation and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var operationArgs any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &operationArgs); err != nil {
					return usagef("--args is not valid JSON: %v", err)
				}
			}
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := conn.dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			var result any
			if err := client.Invoke(ctx, args[0], operationArgs, &result); err != nil {
				return err
			}
			if err := client.Revoke(ctx); err != nil {
				return err
			}
			return writeJSON(global, result)
		},
	}
	command.Flags().StringVar(&argsJSON, "args", "", "operation arguments as JSON")
	conn.addFlags(command.Flags())
	return command
}
