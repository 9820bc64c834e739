// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

// These variables are set via -ldflags at build time.
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty is "true" when the tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version of the binary.
	Version = "0.1.0-dev"
)

const (
	// ServerVersion is the broker protocol version. Clients compare
	// it with their own api_version; a mismatch is informational.
	ServerVersion = 2

	// PatchVersion counts compatible protocol revisions within
	// ServerVersion.
	PatchVersion = 0
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns Info plus protocol, Go and platform details.
func Full() string {
	return fmt.Sprintf("%s\n  Protocol: %d.%d\n  Go: %s\n  Platform: %s/%s",
		Info(), ServerVersion, PatchVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short returns just the version number.
func Short() string {
	return Version
}
