// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/capbroker/lib/auth"
	"github.com/bureau-foundation/capbroker/lib/capability"
	"github.com/bureau-foundation/capbroker/lib/codec"
	"github.com/bureau-foundation/capbroker/lib/protocol"
)

// Call is one invocation as seen by an operation.
//
// By the time an operation runs, the envelope has resolved to Handle,
// the handle belongs to Session, and Handle allows Operation. The
// operation needs no authorization of its own. Identity is provided
// for auditing and for operations that scope their effect to the
// caller, such as settings writes that log who changed what.
type Call struct {
	Operation string
	Session   *Session
	Identity  auth.Identity
	Handle    *capability.Handle

	// Args is the raw CBOR argument value, empty when the client sent
	// none.
	Args codec.RawMessage
}

// Decode unmarshals the call's arguments into v. Missing or malformed
// arguments produce an invalid_request error.
func (c *Call) Decode(v any) error {
	if len(c.Args) == 0 {
		return InvalidRequest("operation %s requires arguments", c.Operation)
	}
	if err := codec.Unmarshal(c.Args, v); err != nil {
		return InvalidRequest("decoding arguments for %s: %v", c.Operation, err)
	}
	return nil
}

// OperationFunc implements a named operation. A returned value is
// CBOR-encoded into the response's data field; nil leaves it empty.
// Errors of type *protocol.Error keep their code, any other error is
// reported as operation_failed.
type OperationFunc func(ctx context.Context, call *Call) (any, error)

// InvalidRequest returns an error reported to the client with code
// invalid_request.
func InvalidRequest(format string, args ...any) error {
	return &protocol.Error{Code: protocol.CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Operations is a table of named operations. Register everything
// before the broker starts serving. The lock makes late registration
// safe but not useful: policy rules name operations by glob, so an
// operation added while serving is reachable by whichever rules
// already match its name.
type Operations struct {
	mu       sync.RWMutex
	handlers map[string]OperationFunc
}

// NewOperations returns an empty table.
func NewOperations() *Operations {
	return &Operations{handlers: make(map[string]OperationFunc)}
}

// Handle registers fn under name. Panics on an empty name, a nil
// function, or a duplicate registration. These are wiring mistakes made
// at startup, as with http.ServeMux.Handle; a returned error would
// only be checked and turned into a panic by every caller.
func (o *Operations) Handle(name string, fn OperationFunc) {
	if name == "" {
		panic("broker.Operations: empty operation name")
	}
	if fn == nil {
		panic(fmt.Sprintf("broker.Operations: nil handler for %q", name))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.handlers[name]; exists {
		panic(fmt.Sprintf("broker.Operations: duplicate handler for operation %q", name))
	}
	o.handlers[name] = fn
}

// Lookup returns the function registered under name.
func (o *Operations) Lookup(name string) (OperationFunc, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	fn, exists := o.handlers[name]
	return fn, exists
}

// Names returns the registered operation names, sorted.
func (o *Operations) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Sorted(maps.Keys(o.handlers))
}
