// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/capbroker/lib/settings"
)

func newSettingsCommand(global *globalOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and change the persistent settings store",
	}

	command.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write first-run defaults for absent keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withSettings(cmd.Context(), global, func(ctx context.Context, store *settings.Store) error {
					initialized, err := store.Initialize(ctx)
					if err != nil {
						return err
					}
					if initialized {
						fmt.Fprintln(global.stdout, "settings initialized")
					} else {
						fmt.Fprintln(global.stdout, "settings already initialized")
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print every setting as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withSettings(cmd.Context(), global, func(ctx context.Context, store *settings.Store) error {
					snapshot, err := store.Snapshot(ctx)
					if err != nil {
						return err
					}
					return writeJSON(global, snapshot)
				})
			},
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Change one setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSettings(cmd.Context(), global, func(ctx context.Context, store *settings.Store) error {
					return store.Set(ctx, settings.Key(args[0]), args[1])
				})
			},
		},
	)
	return command
}

func withSettings(ctx context.Context, global *globalOptions, fn func(context.Context, *settings.Store) error) error {
	cfg, err := global.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	logger, err := global.logger(cfg)
	if err != nil {
		return err
	}
	store, err := settings.Open(settings.Config{Path: cfg.Paths.SettingsDB, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func writeJSON(global *globalOptions, v any) error {
	encoder := json.NewEncoder(global.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
