// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package glob matches hierarchical names against wildcard patterns.
//
// Names are split into segments on a separator: '.' for operation
// names ("broker.info"), '/' for token subjects ("fleet/agents/pm").
// Within a segment, '*', '?' and bracket classes follow path.Match. A
// segment that is exactly "**" matches zero or more whole segments.
//
//	Match("broker.*", "broker.info", '.')            == true
//	Match("device.**", "device.input.tap", '.')      == true
//	Match("fleet/**/pm", "fleet/pm", '/')            == true
//	Match("fleet/*", "fleet/agents/pm", '/')         == false
//
// Malformed patterns match nothing.
package glob

import (
	"path"
	"strings"
)

// Operation and Subject are the separators used by the broker.
const (
	Operation = '.'
	Subject   = '/'
)

// Match reports whether name matches pattern.
func Match(pattern, name string, separator byte) bool {
	if pattern == "**" {
		return true
	}
	sep := string(separator)
	return matchSegments(strings.Split(pattern, sep), strings.Split(name, sep))
}

// MatchAny reports whether name matches any of patterns.
func MatchAny(patterns []string, name string, separator byte) bool {
	for _, pattern := range patterns {
		if Match(pattern, name, separator) {
			return true
		}
	}
	return false
}

// Valid reports whether every segment of pattern is well formed.
func Valid(pattern string, separator byte) bool {
	for _, segment := range strings.Split(pattern, string(separator)) {
		if segment == "**" {
			continue
		}
		if strings.Contains(segment, "**") {
			return false
		}
		if _, err := path.Match(segment, ""); err != nil {
			return false
		}
	}
	return true
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			// Try every split point, consuming zero or more segments.
			for consumed := 0; consumed <= len(name); consumed++ {
				if consumed > 0 && name[consumed-1] == "" {
					return false
				}
				if matchSegments(rest, name[consumed:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		matched, err := path.Match(pattern[0], name[0])
		if err != nil || !matched {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}
