// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

type recordingTB struct {
	failed  bool
	message string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = fmt.Sprintf(format, args...)
	panic(r)
}

func capture(fn func(tb *recordingTB)) (tb *recordingTB) {
	tb = &recordingTB{}
	defer func() {
		if recovered := recover(); recovered != nil && recovered != tb {
			panic(recovered)
		}
	}()
	fn(tb)
	return tb
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "value"); got != 7 {
		t.Errorf("RequireReceive = %d, want 7", got)
	}

	tb := capture(func(tb *recordingTB) {
		RequireReceive(tb, make(chan int), 10*time.Millisecond, "waiting for %s", "nothing")
	})
	if !tb.failed || !strings.Contains(tb.message, "waiting for nothing") {
		t.Errorf("timeout failure = %v %q", tb.failed, tb.message)
	}

	closed := make(chan int)
	close(closed)
	tb = capture(func(tb *recordingTB) { RequireReceive(tb, closed, time.Second) })
	if !tb.failed || !strings.Contains(tb.message, "channel closed") {
		t.Errorf("closed-channel failure = %v %q", tb.failed, tb.message)
	}
}

func TestRequireClosed(t *testing.T) {
	done := make(chan struct{})
	close(done)
	RequireClosed(t, done, time.Second, "closed")

	tb := capture(func(tb *recordingTB) {
		RequireClosed(tb, make(chan struct{}), 10*time.Millisecond)
	})
	if !tb.failed {
		t.Error("RequireClosed did not fail on an open channel")
	}
}

func TestEventually(t *testing.T) {
	calls := 0
	Eventually(t, time.Second, func() bool { calls++; return calls >= 3 })

	tb := capture(func(tb *recordingTB) {
		Eventually(tb, 20*time.Millisecond, func() bool { return false }, "never")
	})
	if !tb.failed || !strings.Contains(tb.message, "never") {
		t.Errorf("Eventually failure = %v %q", tb.failed, tb.message)
	}
}

func TestUniqueID(t *testing.T) {
	first, second := UniqueID("pkg"), UniqueID("pkg")
	if first == second {
		t.Errorf("UniqueID returned %q twice", first)
	}
	if !strings.HasPrefix(first, "pkg-") {
		t.Errorf("UniqueID = %q, want prefix pkg-", first)
	}
}
