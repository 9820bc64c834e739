// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bureau-foundation/capbroker/lib/binhash"
	"github.com/bureau-foundation/capbroker/lib/policy"
)

func newPolicyCommand(global *globalOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "policy",
		Short: "Validate trust policy files",
	}
	command.AddCommand(newPolicyCheckCommand(global))
	return command
}

func newPolicyCheckCommand(global *globalOptions) *cobra.Command {
	var expect string
	command := &cobra.Command{
		Use:   "check [FILE]",
		Short: "Validate a policy and print its digest",
		Long: `Check parses FILE (default paths.policy_file) and prints its rule
names and digest. The digest matches policy_digest in broker.info when
a running broker has loaded the same file.

With --expect-digest, check also fails unless the file on disk hashes
to the given digest, e.g. the policy_digest a running broker reports.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := global.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Paths.PolicyFile
			}
			var want binhash.Digest
			if expect != "" {
				parsed, err := binhash.Parse(expect)
				if err != nil {
					return usagef("--expect-digest: %v", err)
				}
				want = parsed
			}
			loaded, err := policy.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(global.stdout, "%s: %d rule(s), digest %s\n", path, loaded.Len(), loaded.Digest())
			for _, name := range loaded.RuleNames() {
				fmt.Fprintf(global.stdout, "  %s\n", name)
			}
			if want.IsZero() {
				return nil
			}
			current, err := binhash.File(path)
			if err != nil {
				return err
			}
			if current != want {
				return fmt.Errorf("%s: digest %s, expected %s", path, current, want)
			}
			return nil
		},
	}
	command.Flags().StringVar(&expect, "expect-digest", "", "fail unless the file hashes to this digest")
	return command
}
