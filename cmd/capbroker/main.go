// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Capbroker is the privileged capability broker. The serve subcommand
// listens on a Unix socket (and optionally TCP), authenticates each
// client against the trust policy, and hands admitted clients a
// capability envelope they can invoke privileged operations through.
//
// The remaining subcommands manage the broker's state offline:
//
//	capbroker settings init|show|set KEY VALUE
//	capbroker token keygen|mint|revoke
//	capbroker call OPERATION [--args JSON]
//	capbroker envelope inspect HEX
//	capbroker policy check [FILE]
//	capbroker status
//	capbroker version
package main

import (
	"os"

	"github.com/bureau-foundation/capbroker/lib/process"
)

func main() {
	root := newRootCommand(os.Stdout, os.Stderr)
	process.Exit(root.Execute())
}
