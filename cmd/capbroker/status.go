// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/capbroker/lib/runstate"
)

// notRunningError makes status exit 3 when no broker is running. 3 is
// the LSB init-script code for "program is not running", which service
// managers and shell scripts already test for.
type notRunningError struct {
	message string
}

func (e *notRunningError) Error() string { return e.message }

func (e *notRunningError) ExitCode() int { return 3 }

func newStatusCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a broker is running",
		Long: `Status prints the run state the broker records in its state directory.
It exits 3 when no broker is running, including when the last one
exited without a clean shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			status, found, err := runstate.Check(runstate.Path(cfg.Paths.StateDir))
			if err != nil {
				return err
			}
			if !found {
				return &notRunningError{message: "capbroker is not running"}
			}
			// A stale file is still printed: its pid and start time are
			// what an operator needs to find the crash.
			if err := writeJSON(global, status); err != nil {
				return err
			}
			if !status.Running {
				return &notRunningError{message: fmt.Sprintf("capbroker pid %d exited without a clean shutdown", status.PID)}
			}
			return nil
		},
	}
}
