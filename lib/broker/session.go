// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/capbroker/lib/auth"
	"github.com/bureau-foundation/capbroker/lib/capability"
	"github.com/bureau-foundation/capbroker/lib/codec"
	"github.com/bureau-foundation/capbroker/lib/netutil"
	"github.com/bureau-foundation/capbroker/lib/protocol"
	"github.com/bureau-foundation/capbroker/lib/servicetoken"
	"github.com/bureau-foundation/capbroker/lib/version"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// validTransitions lists the forward edges. Everything else is
// refused.
var validTransitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateClosed},
	StateAuthenticated: {StateActive, StateClosed},
	StateActive:        {StateClosed},
}

// ErrInvalidTransition is returned when a state change is not an edge
// of the session state machine.
var ErrInvalidTransition = errors.New("broker: invalid session state transition")

// ErrInternal is wrapped by failures that are the broker's fault
// rather than the client's.
var ErrInternal = errors.New("broker: internal error")

// writeTimeout bounds a single response write. A client that stops
// reading cannot stall the broker beyond it.
const writeTimeout = 10 * time.Second

// Session owns one client connection.
type Session struct {
	id     string
	conn   net.Conn
	broker *Broker
	logger *slog.Logger

	decoder *protocol.Decoder

	// writeMu serializes responses from the session goroutine with
	// events pushed by the broker.
	writeMu sync.Mutex
	encoder *codec.Encoder

	// mu guards state, identity and handle. Revocation and the move
	// to Closed happen together under it.
	mu              sync.Mutex
	state           State
	identity        auth.Identity
	grantOperations []string
	handle          *capability.Handle

	connectedAt time.Time
	done        chan struct{}
	doneOnce    sync.Once
}

func newSession(b *Broker, conn net.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:          id,
		conn:        conn,
		broker:      b,
		logger:      b.logger.With("session_id", id),
		decoder:     protocol.NewDecoder(conn, b.maxMessageSize),
		encoder:     codec.NewEncoder(conn),
		connectedAt: b.clock.Now(),
		done:        make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the caller identity. It is the zero value before
// authentication.
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Handle returns the session's capability handle, nil unless the
// session has been Active.
func (s *Session) Handle() *capability.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Done is closed when the session's connection has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// transitionLocked moves to next if it is an edge of the state
// machine. Caller holds s.mu.
func (s *Session) transitionLocked(next State) error {
	for _, allowed := range validTransitions[s.state] {
		if allowed == next {
			s.logger.Debug("session state", "from", s.state.String(), "to", next.String())
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.state, next)
}

// end revokes the session's handle and moves it to Closed, in that
// order, under s.mu. It reports whether this call did the closing.
//
// The order matters to observers: anything that sees StateClosed must
// also see the handle gone from the registry. Marking Closed first
// would open a window in which a closed session's envelope still
// resolves.
func (s *Session) end(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false
	}
	if s.handle != nil {
		s.broker.registry.Revoke(s.id)
	}
	previous := s.state
	if err := s.transitionLocked(StateClosed); err != nil {
		// Every state but Closed has an edge to Closed.
		panic(err)
	}
	s.logger.Info("session closed", "reason", reason, "from", previous.String(),
		"duration", s.broker.clock.Now().Sub(s.connectedAt).String())
	return true
}

// close ends the session, optionally sends a final message, and closes
// the connection. It reports whether this call did the closing.
//
// The final message goes out after the handle is revoked. A client
// that reacts to it by retrying with the old envelope is refused.
func (s *Session) close(reason string, final *protocol.Response) bool {
	ended := s.end(reason)
	if final != nil {
		if err := s.send(*final); err != nil {
			s.logger.Debug("final message not delivered", "error", err)
		}
	}
	s.conn.Close()
	s.doneOnce.Do(func() { close(s.done) })
	return ended
}

// send writes one message under the write lock.
func (s *Session) send(response protocol.Response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.encoder.Encode(response)
}

// notify pushes an event if the session is Active.
func (s *Session) notify(event, message string) bool {
	if s.State() != StateActive {
		return false
	}
	if err := s.send(protocol.Event(event, message)); err != nil {
		s.logger.Debug("event not delivered", "event", event, "error", err)
		return false
	}
	return true
}

// run drives the session from Connecting to Closed.
func (s *Session) run(ctx context.Context) {
	defer s.close("connection finished", nil)

	s.logger.Debug("connection accepted", "remote", s.conn.RemoteAddr().String())

	if !s.authenticate(ctx) {
		return
	}
	if !s.activate() {
		return
	}
	s.serve(ctx)
}

// authenticate performs Connecting → Authenticated. On failure the
// client is sent an authentication_failed response and the session is
// closed.
func (s *Session) authenticate(ctx context.Context) bool {
	reject := func(message string) {
		response := protocol.Fail(protocol.CodeAuthenticationFailed, "%s", message)
		s.close("authentication failed", &response)
	}

	// The session's own decoder is lent to the authenticator so bytes a
	// client pipelines after its hello stay buffered for serve.
	identity, err := s.broker.authenticator.Authenticate(ctx, s.conn, s.decoder)
	if err != nil {
		s.logger.Info("authentication failed", "error", err)
		reject(err.Error())
		return false
	}
	rule, permitted := s.broker.authenticator.Match(identity)
	if !permitted {
		s.logger.Info("caller not permitted by policy", "identity", identity)
		reject("caller is not permitted by policy")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateAuthenticated); err != nil {
		// Closed underneath us by shutdown.
		return false
	}
	s.identity = identity
	s.grantOperations = rule.Operations
	s.logger.Info("session authenticated", "identity", identity, "rule", rule.Name)
	return true
}

// activate performs Authenticated → Active: issues the handle and
// sends the attach reply.
func (s *Session) activate() bool {
	attach, failure := s.issue()
	if failure != nil {
		s.close("handle not issued", failure)
		return false
	}
	response, err := protocol.Success(attach)
	if err != nil {
		failure := protocol.Fail(protocol.CodeInternalError, "%v", err)
		s.close("encoding attach reply", &failure)
		return false
	}
	if err := s.send(response); err != nil {
		s.logger.Info("attach reply not delivered", "error", err)
		s.close("disconnected", nil)
		return false
	}
	return true
}

// admitToken rechecks the blacklist. It runs inside Registry.Issue,
// since authentication checked the token before the handle existed.
func (s *Session) admitToken() error {
	if s.identity.TokenID != "" && s.broker.blacklist.IsRevoked(s.identity.TokenID) {
		return fmt.Errorf("token %s: %w", s.identity.TokenID, servicetoken.ErrTokenRevoked)
	}
	return nil
}

// issue registers the handle and enters Active in one critical
// section. The returned response is non-nil on failure.
func (s *Session) issue() (protocol.Attach, *protocol.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticated {
		return protocol.Attach{}, nil
	}
	if s.broker.draining.Load() {
		failure := protocol.Fail(protocol.CodeInternalError, "broker is shutting down")
		return protocol.Attach{}, &failure
	}

	handle, ref, err := s.broker.registry.Issue(capability.Grant{
		SessionID:  s.id,
		Principal:  s.identity.Principal(),
		TokenID:    s.identity.TokenID,
		Operations: s.grantOperations,
		TokenScope: s.identity.TokenScope,
		Admit:      s.admitToken,
	})
	if errors.Is(err, capability.ErrNotAdmitted) {
		s.logger.Info("capability refused", "error", err)
		failure := protocol.Fail(protocol.CodeAuthenticationFailed, "%v", err)
		return protocol.Attach{}, &failure
	}
	if err != nil {
		s.logger.Error("issuing handle", "error", fmt.Errorf("%w: %w", ErrInternal, err))
		failure := protocol.Fail(protocol.CodeInternalError, "issuing capability: %v", err)
		return protocol.Attach{}, &failure
	}
	envelope, err := capability.EncodeEnvelope(ref)
	if err != nil {
		s.broker.registry.Revoke(s.id)
		s.logger.Error("encoding envelope", "error", fmt.Errorf("%w: %w", ErrInternal, err))
		failure := protocol.Fail(protocol.CodeInternalError, "encoding capability: %v", err)
		return protocol.Attach{}, &failure
	}
	if err := s.transitionLocked(StateActive); err != nil {
		s.broker.registry.Revoke(s.id)
		failure := protocol.Fail(protocol.CodeInternalError, "%v", err)
		return protocol.Attach{}, &failure
	}
	s.handle = handle
	s.logger.Info("capability issued", "handle_id", handle.ID, "operations", handle.Operations)

	return protocol.Attach{
		SessionID:     s.id,
		HandleID:      handle.ID,
		Envelope:      envelope,
		Operations:    handle.Operations,
		ServerVersion: version.ServerVersion,
		PatchVersion:  version.PatchVersion,
		ServerUID:     os.Getuid(),
	}, nil
}

// serve handles requests while the session is Active.
//
// Requests are handled one at a time in arrival order and answered in
// the same order; the protocol has no request IDs, so a client matches
// replies to requests by position. There is no read deadline here: an
// idle Active session is legitimate and holds only its handle and a
// goroutine. Shutdown and revocation end it by closing the connection.
func (s *Session) serve(ctx context.Context) {
	for {
		var request protocol.Request
		if err := s.decoder.Decode(&request); err != nil {
			switch {
			case errors.Is(err, protocol.ErrMessageTooLarge):
				response := protocol.Fail(protocol.CodeInvalidRequest, "%v", err)
				s.close("oversized request", &response)
			case netutil.IsClosed(err), netutil.IsTimeout(err):
				s.close("disconnected", nil)
			default:
				// A malformed or oversized message leaves the stream
				// unsynchronized, so the session cannot continue.
				s.logger.Info("reading request", "error", err)
				response := protocol.Fail(protocol.CodeInvalidRequest, "reading request: %v", err)
				s.close("unreadable request", &response)
			}
			return
		}

		switch request.Action {
		case protocol.ActionRevoke:
			response := protocol.Response{OK: true}
			s.close("revoked by client", &response)
			return

		case protocol.ActionPing:
			s.reply(protocol.Response{OK: true})

		case protocol.ActionInvoke:
			s.reply(s.invoke(ctx, &request))

		default:
			s.reply(protocol.Fail(protocol.CodeUnknownAction, "unknown action %q", request.Action))
		}

		// An operation may have ended this session, for example by
		// revoking the token it authenticated with.
		if s.State() == StateClosed {
			event := protocol.Event(protocol.EventRevoked, "capability revoked")
			s.close("revoked", &event)
			return
		}
	}
}

func (s *Session) reply(response protocol.Response) {
	if err := s.send(response); err != nil {
		s.logger.Debug("response not delivered", "error", err)
	}
}

// invoke validates the envelope and dispatches one operation. The
// caller is not re-authenticated: the registry is the only authority.
// The envelope is checked on every request rather than cached on the
// session, so a revocation from any source takes effect at the next
// request without the session being told.
func (s *Session) invoke(ctx context.Context, request *protocol.Request) protocol.Response {
	ref, err := capability.DecodeEnvelope(request.Envelope)
	if err != nil {
		return protocol.Fail(protocol.CodeProtocolMismatch, "%v", err)
	}

	handle, err := s.broker.registry.Resolve(ref)
	switch {
	case errors.Is(err, capability.ErrRevoked):
		return protocol.Fail(protocol.CodeRevoked, "capability %s has been revoked", ref.HandleID)
	case err != nil:
		return protocol.Fail(protocol.CodePermissionDenied, "%v", err)
	}
	if handle.SessionID != s.id {
		s.logger.Warn("capability presented by another session", "handle_id", handle.ID, "owner", handle.SessionID)
		return protocol.Fail(protocol.CodePermissionDenied, "capability does not belong to this session")
	}

	if request.Operation == "" {
		return protocol.Fail(protocol.CodeInvalidRequest, "missing operation")
	}
	fn, exists := s.broker.operations.Lookup(request.Operation)
	if !exists {
		return protocol.Fail(protocol.CodeUnknownOperation, "unknown operation %q", request.Operation)
	}
	if !handle.Allows(request.Operation) {
		s.logger.Info("operation denied", "operation", request.Operation, "handle_id", handle.ID)
		return protocol.Fail(protocol.CodePermissionDenied, "operation %q is not allowed for this capability", request.Operation)
	}

	result, err := fn(ctx, &Call{
		Operation: request.Operation,
		Session:   s,
		Identity:  s.Identity(),
		Handle:    handle,
		Args:      request.Args,
	})
	if err != nil {
		var protocolErr *protocol.Error
		if errors.As(err, &protocolErr) {
			return protocol.Fail(protocolErr.Code, "%s", protocolErr.Message)
		}
		s.logger.Debug("operation failed", "operation", request.Operation, "error", err)
		return protocol.Fail(protocol.CodeOperationFailed, "%v", err)
	}

	response, err := protocol.Success(result)
	if err != nil {
		return protocol.Fail(protocol.CodeInternalError, "%v", err)
	}
	return response
}
