// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/bureau-foundation/capbroker/lib/broker"
	"github.com/bureau-foundation/capbroker/lib/config"
	"github.com/bureau-foundation/capbroker/lib/policy"
	"github.com/bureau-foundation/capbroker/lib/runstate"
	"github.com/bureau-foundation/capbroker/lib/servicetoken"
	"github.com/bureau-foundation/capbroker/lib/settings"
	"github.com/bureau-foundation/capbroker/lib/version"
)

func newServeCommand(global *globalOptions) *cobra.Command {
	var launchMethod string

	command := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			method, err := settings.ParseLaunchMethod(launchMethod)
			if err != nil {
				return usagef("--launch-method: %v", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, global, method)
		},
	}
	command.Flags().StringVar(&launchMethod, "launch-method", "root", "how the broker was started: root or adb")
	return command
}

func runServe(ctx context.Context, global *globalOptions, method settings.LaunchMethod) error {
	cfg, err := global.loadConfig()
	if err != nil {
		return err
	}
	logger, err := global.logger(cfg)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	store, err := settings.Open(settings.Config{Path: cfg.Paths.SettingsDB, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	// Initialize before reading: on first run it picks the TCP port,
	// and the snapshot below must see it.
	if _, err := store.Initialize(ctx); err != nil {
		return err
	}
	if err := store.SetLastLaunchMethod(ctx, method); err != nil {
		return err
	}
	current, err := store.Snapshot(ctx)
	if err != nil {
		return err
	}

	trust, err := policy.Load(cfg.Paths.PolicyFile)
	if err != nil {
		return err
	}

	var publicKey ed25519.PublicKey
	if cfg.Paths.TokenPublicKey != "" {
		publicKey, err = servicetoken.LoadPublicKey(cfg.Paths.TokenPublicKey)
		if err != nil {
			return err
		}
	}

	endpoints := []broker.Endpoint{{
		Network: "unix",
		Address: cfg.Listener.SocketPath,
		Mode:    os.FileMode(cfg.Listener.SocketMode),
	}}
	// The config can forbid TCP outright; the persisted settings only
	// choose the port and whether to use it when it is allowed.
	if cfg.Network.AllowTCP && current.TCPIPPortEnabled && current.TCPIPPort > 0 {
		endpoint := broker.Endpoint{
			Network: "tcp",
			Address: net.JoinHostPort(cfg.Network.BindHost, strconv.Itoa(current.TCPIPPort)),
		}
		if cfg.Network.SPIFFESocket != "" {
			tlsConfig, closeSource, err := spiffeServerTLS(ctx, cfg.Network.SPIFFESocket)
			if err != nil {
				return err
			}
			defer closeSource()
			endpoint.TLS = tlsConfig
		}
		endpoints = append(endpoints, endpoint)
	}

	operations := broker.NewOperations()
	registerSettingsOperations(operations, store, logger)

	b, err := broker.New(brokerConfig(cfg, trust, publicKey, operations, logger))
	if err != nil {
		return err
	}

	statePath := runstate.Path(cfg.Paths.StateDir)
	reportPreviousRun(statePath, logger)

	logger.Info("starting capbroker",
		"version", version.Info(),
		"launch_method", method.String(),
		"policy_rules", trust.Len(),
		"policy_digest", trust.Digest().String(),
		"token_auth", publicKey != nil,
	)

	// The state file is written only once every endpoint is bound, so
	// its presence means a broker did serve. Clear waits for the writer
	// to finish; otherwise a fast shutdown could clear first and leave
	// a file that claims an unclean exit.
	serveDone := make(chan struct{})
	stateWritten := make(chan struct{})
	go func() {
		defer close(stateWritten)
		select {
		case <-b.Ready():
		case <-serveDone:
			return
		}
		if b.StartErr() != nil {
			return
		}
		state := runstate.State{
			PID:          os.Getpid(),
			StartedAt:    time.Now().UTC(),
			Version:      version.Short(),
			LaunchMethod: method.String(),
			PolicyDigest: trust.Digest().String(),
		}
		for _, addr := range b.Addrs() {
			state.Endpoints = append(state.Endpoints, addr.Network()+":"+addr.String())
		}
		if err := runstate.Write(statePath, state); err != nil {
			logger.Warn("writing run state", "path", statePath, "error", err)
		}
	}()

	serveErr := b.Serve(ctx, endpoints...)
	close(serveDone)
	<-stateWritten
	// A failed serve leaves any state file alone: it describes a
	// broker this process never replaced.
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	if err := runstate.Clear(statePath); err != nil {
		logger.Warn("clearing run state", "error", err)
	}
	logger.Info("capbroker stopped")
	return nil
}

// reportPreviousRun warns when the last broker left its state file
// behind.
func reportPreviousRun(statePath string, logger *slog.Logger) {
	previous, found, err := runstate.Check(statePath)
	switch {
	case err != nil:
		logger.Warn("reading previous run state", "path", statePath, "error", err)
	case !found:
	case previous.Running:
		logger.Warn("state file names a live broker", "pid", previous.PID, "endpoints", previous.Endpoints)
	default:
		logger.Warn("previous broker exited without clean shutdown",
			"pid", previous.PID,
			"started_at", previous.StartedAt,
			"version", previous.Version,
		)
	}
}

func brokerConfig(cfg *config.Config, trust *policy.Policy, publicKey ed25519.PublicKey, operations *broker.Operations, logger *slog.Logger) broker.Config {
	return broker.Config{
		Policy:          trust,
		PublicKey:       publicKey,
		Audience:        cfg.Tokens.Audience,
		Operations:      operations,
		AuthTimeout:     cfg.Session.AuthTimeout,
		ShutdownGrace:   cfg.Session.ShutdownGrace,
		CleanupInterval: cfg.Session.CleanupInterval,
		MaxMessageSize:  cfg.Session.MaxMessageSize,
		Logger:          logger,
	}
}

// spiffeServerTLS builds an mTLS server config from the Workload API
// at address. Any SPIFFE ID from the trust bundle may connect; the
// trust policy decides what it gets.
func spiffeServerTLS(ctx context.Context, address string) (*tls.Config, func(), error) {
	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(address)))
	if err != nil {
		return nil, nil, fmt.Errorf("spiffe: workload api at %s: %w", address, err)
	}
	tlsConfig := tlsconfig.MTLSServerConfig(source, source, tlsconfig.AuthorizeAny())
	return tlsConfig, func() { source.Close() }, nil
}
