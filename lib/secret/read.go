// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"fmt"
	"os"
)

// ReadFile loads a raw key of exactly size bytes from path into a
// Buffer. The transient heap copy is zeroed before returning.
func ReadFile(path string, size int) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	if len(data) != size {
		clear(data)
		return nil, fmt.Errorf("secret: %s has %d bytes, want %d", path, len(data), size)
	}
	return NewFromBytes(data)
}
