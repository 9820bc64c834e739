// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package settings

const (
	// MinRandomPort and MaxRandomPort bound the first-run port choice.
	MinRandomPort = 1000
	MaxRandomPort = 9999

	// FallbackPort is used when no random draw lands on a safe port.
	FallbackPort = 8765

	maxPortAttempts = 100
)

// conflictingPorts are ports that collide with debugging bridges or
// common services.
var conflictingPorts = map[int]struct{}{
	5555: {}, 5556: {}, 5557: {}, 5558: {}, 5559: {}, 5037: {},
	8080: {}, 8888: {}, 9999: {}, 6666: {}, 7777: {}, 1234: {},
	4444: {}, 3389: {}, 22: {}, 23: {}, 21: {}, 80: {}, 443: {},
	3306: {}, 5432: {}, 27017: {}, 6379: {},
}

// IsConflicting reports whether port is on the conflict list.
func IsConflicting(port int) bool {
	_, found := conflictingPorts[port]
	return found
}

// ValidPort reports whether port is a usable TCP port. Conflicting
// ports are accepted only when allowConflicting is set, which is the
// case for explicit user choices.
func ValidPort(port int, allowConflicting bool) bool {
	if port < 1 || port > 65535 {
		return false
	}
	return allowConflicting || !IsConflicting(port)
}

// RandomPort draws uniformly from [MinRandomPort, MaxRandomPort] until
// it finds a non-conflicting port, giving up after 100 draws. intn
// must return a value in [0, n).
func RandomPort(intn func(n int) int) int {
	for range maxPortAttempts {
		port := MinRandomPort + intn(MaxRandomPort-MinRandomPort+1)
		if !IsConflicting(port) {
			return port
		}
	}
	return FallbackPort
}
