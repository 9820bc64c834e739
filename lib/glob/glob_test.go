// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package glob

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern   string
		name      string
		separator byte
		want      bool
	}{
		{"broker.info", "broker.info", Operation, true},
		{"broker.info", "broker.whoami", Operation, false},
		{"broker.*", "broker.info", Operation, true},
		{"broker.*", "broker", Operation, false},
		{"broker.*", "broker.sessions.list", Operation, false},
		{"device.**", "device", Operation, true},
		{"device.**", "device.input.tap", Operation, true},
		{"**", "anything.at.all", Operation, true},
		{"**.info", "broker.info", Operation, true},
		{"broker.?hoami", "broker.whoami", Operation, true},

		{"fleet/*", "fleet/pm", Subject, true},
		{"fleet/*", "fleet/agents/pm", Subject, false},
		{"fleet/**", "fleet/agents/pm", Subject, true},
		{"fleet/**/pm", "fleet/pm", Subject, true},
		{"fleet/**/pm", "fleet/a/b/pm", Subject, true},
		{"fleet/**/pm", "fleet/a/b/qa", Subject, false},
		{"team-*/**/build-?", "team-a/sub/build-x", Subject, true},
		{"fleet/**/pm", "fleet//pm", Subject, false},

		{"broker.[", "broker.[", Operation, false},
	}
	for _, test := range tests {
		if got := Match(test.pattern, test.name, test.separator); got != test.want {
			t.Errorf("Match(%q, %q, %q) = %v, want %v", test.pattern, test.name, test.separator, got, test.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"broker.info", "device.*"}
	if !MatchAny(patterns, "device.reboot", Operation) {
		t.Error("device.reboot should match device.*")
	}
	if MatchAny(patterns, "broker.sessions", Operation) {
		t.Error("broker.sessions should not match")
	}
	if MatchAny(nil, "broker.info", Operation) {
		t.Error("empty pattern list should match nothing")
	}
}

func TestValid(t *testing.T) {
	for pattern, want := range map[string]bool{
		"broker.*":    true,
		"**":          true,
		"device.**":   true,
		"broker.[":    false,
		"broker.a**b": false,
	} {
		if got := Valid(pattern, Operation); got != want {
			t.Errorf("Valid(%q) = %v, want %v", pattern, got, want)
		}
	}
}
