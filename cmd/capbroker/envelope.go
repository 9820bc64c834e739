// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/capbroker/lib/capability"
	"github.com/bureau-foundation/capbroker/lib/codec"
)

func newEnvelopeCommand(global *globalOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "envelope",
		Short: "Work with capability envelopes",
	}
	command.AddCommand(&cobra.Command{
		Use:   "inspect HEX",
		Short: "Print an envelope in CBOR diagnostic notation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := hex.DecodeString(strings.TrimSpace(args[0]))
			if err != nil {
				return usagef("envelope is not hex: %v", err)
			}
			diagnostic, err := codec.Diagnose(data)
			if err != nil {
				return fmt.Errorf("envelope: %w", err)
			}
			fmt.Fprintln(global.stdout, diagnostic)

			ref, err := capability.DecodeEnvelope(data)
			if err != nil {
				fmt.Fprintf(global.stdout, "not a capability envelope: %v\n", err)
				return nil
			}
			fmt.Fprintf(global.stdout, "handle: %s\n", ref.HandleID)
			return nil
		},
	})
	return command
}
