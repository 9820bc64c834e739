// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 hash.
type Digest [32]byte

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Sum hashes data.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// File streams the file at path through the hash.
func File(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("binhash: %w", err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("binhash: reading %s: %w", path, err)
	}
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// Parse decodes the String form.
func Parse(s string) (Digest, error) {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("binhash: %w", err)
	}
	if len(decoded) != len(Digest{}) {
		return Digest{}, fmt.Errorf("binhash: digest is %d bytes, want %d", len(decoded), len(Digest{}))
	}
	return Digest(decoded), nil
}
