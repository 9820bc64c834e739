// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package runstate records the running broker in a small JSON file.
//
// serve writes the file once its endpoints are bound and removes it on
// a clean exit. A file whose process is gone therefore means the last
// broker did not shut down cleanly; serve logs that on the next start,
// and `capbroker status` reports it.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// FileName is the state file's name inside the state directory.
const FileName = "capbroker.state"

// State describes one broker process.
type State struct {
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	Version      string    `json:"version"`
	LaunchMethod string    `json:"launch_method"`
	Endpoints    []string  `json:"endpoints"`
	PolicyDigest string    `json:"policy_digest,omitempty"`
}

// Status is a State plus whether its process still exists.
type Status struct {
	State
	Running bool `json:"running"`
}

// Path returns the state file inside stateDir.
func Path(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// Write replaces the file at path atomically: readers see the old
// state or the new one, never a mix. The parent directory must exist.
func Write(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: encoding: %w", err)
	}
	data = append(data, '\n')

	// The temporary file must be in the same directory: rename is only
	// atomic within one filesystem.
	temporary, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("runstate: %w", err)
	}
	if err := writeAndSync(temporary, data); err != nil {
		os.Remove(temporary.Name())
		return err
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("runstate: %w", err)
	}

	// Without syncing the directory, a power loss can persist the file
	// contents but not the rename. Failure here is not reported: the
	// new state is already visible to every reader.
	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

func writeAndSync(file *os.File, data []byte) error {
	_, err := file.Write(data)
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("runstate: writing %s: %w", file.Name(), err)
	}
	return nil
}

// Read parses the file at path. A missing file yields an error
// matching fs.ErrNotExist.
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("runstate: parsing %s: %w", path, err)
	}
	return state, nil
}

// Check reads the file at path and probes its process. found is false
// when there is no file.
func Check(path string) (status Status, found bool, err error) {
	state, err := Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, err
	}
	return Status{State: state, Running: processExists(state.PID)}, true, nil
}

// Clear removes the file. A missing file is not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("runstate: %w", err)
	}
	return nil
}

// processExists sends signal 0. EPERM means the process exists under
// another user. A recycled pid reads as running; the state file's
// start time lets an operator tell the difference.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
