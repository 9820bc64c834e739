// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/capbroker/lib/config"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string

	stdout io.Writer
	stderr io.Writer
}

func (g *globalOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&g.configPath, "config", "", "path to capbroker.yaml (default $"+config.EnvVar+", else built-in defaults)")
	flags.StringVar(&g.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

// loadConfig loads and validates the configuration.
func (g *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logger builds the process logger on stderr at the configured level.
// A terminal gets slog's text format for people; anything else (a
// service manager, a pipe, a test buffer) gets JSON, which is what log
// collectors parse.
func (g *globalOptions) logger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if isTerminal(g.stderr) {
		return slog.New(slog.NewTextHandler(g.stderr, options)), nil
	}
	return slog.New(slog.NewJSONHandler(g.stderr, options)), nil
}

// isTerminal reports whether w is a file descriptor attached to a
// terminal.
func isTerminal(w io.Writer) bool {
	file, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(file.Fd()))
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	global := &globalOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "capbroker",
		Short: "Privileged capability broker",
		Long: `Capbroker authenticates local and network clients against a trust
policy and hands each admitted client a capability envelope. Clients
invoke privileged operations by presenting the envelope; the capability
is revoked when the client disconnects, asks for revocation, or the
broker shuts down.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	global.addFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCommand(global),
		newSettingsCommand(global),
		newTokenCommand(global),
		newCallCommand(global),
		newEnvelopeCommand(global),
		newPolicyCommand(global),
		newStatusCommand(global),
		newVersionCommand(global),
	)
	return root
}

// usageError reports bad arguments with exit status 64.
type usageError struct {
	message string
}

func (e *usageError) Error() string { return e.message }

func (e *usageError) ExitCode() int { return 64 }

func usagef(format string, args ...any) error {
	return &usageError{message: fmt.Sprintf(format, args...)}
}
