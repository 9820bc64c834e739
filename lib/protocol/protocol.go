// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the messages exchanged between the broker
// and its clients.
//
// Every message is one self-delimiting CBOR value on a persistent
// stream. The client opens with a [Hello]; the broker answers with a
// [Response] carrying an [Attach] on success or an error code on
// rejection. The client then sends [Request] values and receives one
// Response per request, in order. The broker may interleave unsolicited
// responses whose Event field is set.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/capbroker/lib/codec"
)

// Actions a client may send.
const (
	ActionHello  = "hello"
	ActionInvoke = "invoke"
	ActionPing   = "ping"
	ActionRevoke = "revoke"
)

// Events the broker may push.
const (
	EventShutdown = "shutdown"
	EventRevoked  = "revoked"
)

// Error codes carried in Response.Code.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeInternalError        = "internal_error"
	CodeProtocolMismatch     = "protocol_mismatch"
	CodeUnknownAction        = "unknown_action"
	CodeUnknownOperation     = "unknown_operation"
	CodePermissionDenied     = "permission_denied"
	CodeRevoked              = "revoked"
	CodeInvalidRequest       = "invalid_request"
	CodeOperationFailed      = "operation_failed"
)

// DefaultMaxMessageSize bounds a single decoded message.
const DefaultMaxMessageSize = 1 << 20

// Hello is the first message on every connection.
type Hello struct {
	Action string `cbor:"action"`

	// Token is an optional signed credential.
	Token []byte `cbor:"token,omitempty"`

	// Package and APIVersion are informational. The broker logs them
	// and reports them back through broker.whoami.
	Package    string `cbor:"package,omitempty"`
	APIVersion int    `cbor:"api_version,omitempty"`
}

// Request is every message after the Hello.
type Request struct {
	Action string `cbor:"action"`

	// Envelope is the capability envelope from the Attach reply.
	// Required for invoke.
	Envelope []byte `cbor:"envelope,omitempty"`

	Operation string           `cbor:"operation,omitempty"`
	Args      codec.RawMessage `cbor:"args,omitempty"`
}

// Response is every message from the broker.
type Response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
	Code  string `cbor:"code,omitempty"`

	// Data is the CBOR-encoded result. For the hello reply it is an
	// Attach.
	Data codec.RawMessage `cbor:"data,omitempty"`

	// Event is non-empty for unsolicited messages.
	Event string `cbor:"event,omitempty"`
}

// Attach is the successful hello reply.
type Attach struct {
	SessionID     string   `cbor:"session_id"`
	HandleID      string   `cbor:"handle_id"`
	Envelope      []byte   `cbor:"envelope"`
	Operations    []string `cbor:"operations"`
	ServerVersion int      `cbor:"server_version"`
	PatchVersion  int      `cbor:"patch_version"`
	ServerUID     int      `cbor:"server_uid"`
}

// Error is a failed Response as a Go error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Err returns the response's error, nil for a successful response.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	return &Error{Code: r.Code, Message: r.Error}
}

// Fail builds an error response.
func Fail(code, format string, args ...any) Response {
	return Response{Code: code, Error: fmt.Sprintf(format, args...)}
}

// Success builds a response carrying result. A nil result leaves Data
// empty.
func Success(result any) (Response, error) {
	if result == nil {
		return Response{OK: true}, nil
	}
	data, err := codec.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("protocol: encoding result: %w", err)
	}
	return Response{OK: true, Data: data}, nil
}

// Event builds an unsolicited event message.
func Event(name, message string) Response {
	return Response{OK: true, Event: name, Error: message}
}

// ErrMessageTooLarge is returned by Decoder.Decode for a message over
// the size bound.
var ErrMessageTooLarge = errors.New("protocol: message exceeds size limit")

// Decoder reads size-bounded messages from a stream.
//
// One Decoder must serve a connection for its whole life. The
// underlying CBOR decoder reads ahead, so bytes of the next message may
// already sit in its buffer when Decode returns. A second Decoder on
// the same connection would never see them; this is why the
// authenticator borrows the session's Decoder instead of building one.
type Decoder struct {
	limited *io.LimitedReader
	decoder *codec.Decoder
	maxSize int64
}

// NewDecoder returns a decoder that reads CBOR values from r, failing
// on any value larger than maxSize. A maxSize of zero selects
// DefaultMaxMessageSize.
func NewDecoder(r io.Reader, maxSize int64) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	limited := &io.LimitedReader{R: r, N: maxSize}
	return &Decoder{limited: limited, decoder: codec.NewDecoder(limited), maxSize: maxSize}
}

// Decode reads the next message into v. The read budget is reset
// before every message, so the bound applies per message rather than
// per connection. An oversized message fails with ErrMessageTooLarge.
//
// The budget counts bytes pulled from the stream, not bytes of v.
// Read-ahead of a pipelined message is charged to the message being
// decoded, so a client packing several requests into one write can
// trip the limit slightly early. It can never get a message through
// that exceeds the limit on its own.
func (d *Decoder) Decode(v any) error {
	d.limited.N = d.maxSize
	err := d.decoder.Decode(v)
	if err != nil && d.limited.N <= 0 {
		return fmt.Errorf("%w (%d bytes): %w", ErrMessageTooLarge, d.maxSize, err)
	}
	return err
}
