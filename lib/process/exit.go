// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitCoder is implemented by errors that select a specific process
// exit status.
type ExitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits with the code chosen by
// ExitCode.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(ExitCode(err))
}

// Exit terminates the process: 0 for a nil error, otherwise the
// behavior of Fatal.
func Exit(err error) {
	if err == nil {
		os.Exit(0)
	}
	Fatal(err)
}

// ExitCode returns the status for err: 0 for nil, the ExitCode of the
// first ExitCoder in the chain, or 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

// Report writes err to w in the same format as Fatal without exiting.
// The CLI uses it for errors that are already handled.
func Report(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
}
