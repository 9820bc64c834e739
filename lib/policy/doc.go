// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy holds the broker's trust policy: an immutable list of
// allow rules loaded once at startup.
//
// A rule matches a caller when every criterion the rule sets matches;
// within one criterion any listed value suffices. Criteria are peer
// uids, token subject globs, exact SPIFFE IDs, SPIFFE trust domains
// and transports. A rule must set at least one identifying criterion
// (transports alone identify nobody) and at least one operation
// pattern. The first matching rule wins and scopes the operations the
// caller's handle may invoke.
//
// Files ending in .json or .jsonc are parsed as JSON with comments and
// trailing commas; anything else is YAML. Unknown fields are errors.
//
//	rules:
//	  - name: local-root
//	    uids: [0]
//	    transports: [unix]
//	    operations: ["**"]
//	  - name: fleet-agents
//	    subjects: ["fleet/agents/**"]
//	    trust_domains: [fleet.example]
//	    operations: ["broker.*", "device.input.*"]
package policy
