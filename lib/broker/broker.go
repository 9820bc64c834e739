// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/capbroker/lib/auth"
	"github.com/bureau-foundation/capbroker/lib/capability"
	"github.com/bureau-foundation/capbroker/lib/clock"
	"github.com/bureau-foundation/capbroker/lib/policy"
	"github.com/bureau-foundation/capbroker/lib/protocol"
	"github.com/bureau-foundation/capbroker/lib/servicetoken"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultAuthTimeout     = auth.DefaultTimeout
	DefaultShutdownGrace   = 10 * time.Second
	DefaultCleanupInterval = time.Minute
)

// Config configures a Broker.
type Config struct {
	// Policy decides which callers are admitted and which operations
	// their handles allow. Required.
	Policy *policy.Policy

	// PublicKey verifies hello tokens and signed revocations. Nil
	// disables both.
	PublicKey ed25519.PublicKey

	// Audience is the token audience this broker accepts.
	Audience string

	// Blacklist holds revoked token IDs. New creates one if nil.
	Blacklist *servicetoken.Blacklist

	// Operations holds the embedding program's operations. New
	// creates an empty table if nil and registers the built-in
	// broker.* operations on it.
	Operations *Operations

	AuthTimeout     time.Duration
	ShutdownGrace   time.Duration
	CleanupInterval time.Duration
	MaxMessageSize  int64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Broker serves capability sessions.
type Broker struct {
	logger         *slog.Logger
	clock          clock.Clock
	listener       *Listener
	registry       *capability.Registry
	authenticator  *auth.Authenticator
	policy         *policy.Policy
	operations     *Operations
	blacklist      *servicetoken.Blacklist
	publicKey      ed25519.PublicKey
	shutdownGrace  time.Duration
	cleanup        time.Duration
	maxMessageSize int64

	startedAt time.Time
	ready     chan struct{}
	startErr  error

	// draining is set once shutdown begins. No handle is issued
	// after it is set.
	draining atomic.Bool
	serving  atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
	running  sync.WaitGroup
}

// New builds a broker from cfg.
func New(cfg Config) (*Broker, error) {
	if cfg.Policy == nil {
		return nil, errors.New("broker: Config.Policy is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Blacklist == nil {
		cfg.Blacklist = servicetoken.NewBlacklist()
	}
	if cfg.Operations == nil {
		cfg.Operations = NewOperations()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = protocol.DefaultMaxMessageSize
	}

	b := &Broker{
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		listener: NewListener(cfg.Logger),
		registry: capability.NewRegistry(cfg.Clock),
		authenticator: auth.New(auth.Config{
			Policy:    cfg.Policy,
			PublicKey: cfg.PublicKey,
			Audience:  cfg.Audience,
			Blacklist: cfg.Blacklist,
			Timeout:   cfg.AuthTimeout,
			Clock:     cfg.Clock,
			Logger:    cfg.Logger,
		}),
		policy:         cfg.Policy,
		operations:     cfg.Operations,
		blacklist:      cfg.Blacklist,
		publicKey:      cfg.PublicKey,
		shutdownGrace:  cfg.ShutdownGrace,
		cleanup:        cfg.CleanupInterval,
		maxMessageSize: cfg.MaxMessageSize,
		ready:          make(chan struct{}),
		sessions:       make(map[string]*Session),
	}
	b.registerBuiltins()
	return b, nil
}

// Registry returns the broker's capability registry.
func (b *Broker) Registry() *capability.Registry { return b.registry }

// Operations returns the operation table.
func (b *Broker) Operations() *Operations { return b.operations }

// Ready is closed once Serve has bound every endpoint or failed to.
// StartErr tells the two apart.
func (b *Broker) Ready() <-chan struct{} { return b.ready }

// StartErr returns the bind failure that ended Serve, nil if the
// endpoints were bound. Valid after Ready.
func (b *Broker) StartErr() error { return b.startErr }

// Addrs returns the bound endpoint addresses. Valid after Ready.
func (b *Broker) Addrs() []net.Addr { return b.listener.Addrs() }

// Sessions returns the sessions whose connections are still open,
// ordered by session ID.
func (b *Broker) Sessions() []*Session {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, session := range b.sessions {
		sessions = append(sessions, session)
	}
	b.mu.Unlock()
	slices.SortFunc(sessions, func(a, b *Session) int { return strings.Compare(a.id, b.id) })
	return sessions
}

// Session returns the open session with the given ID.
func (b *Broker) Session(id string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, exists := b.sessions[id]
	return session, exists
}

// Serve binds endpoints and serves sessions until ctx is cancelled,
// then shuts down gracefully. A bind failure is returned as a
// *BindError before any session starts. Serve returns nil once every
// session is closed.
func (b *Broker) Serve(ctx context.Context, endpoints ...Endpoint) error {
	if !b.serving.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := b.listener.Start(endpoints...); err != nil {
		b.startErr = err
		close(b.ready)
		return err
	}
	b.startedAt = b.clock.Now()
	close(b.ready)
	b.logger.Info("broker serving", "endpoints", len(endpoints), "operations", len(b.operations.Names()))

	// Sessions outlive ctx through the shutdown grace period; they are
	// cancelled only when force-closed. Deriving them from ctx directly
	// would cancel in-flight operations the moment shutdown begins,
	// before clients have seen the shutdown event and revoked. That
	// turns every graceful stop into an ungraceful one. WithoutCancel
	// keeps ctx's values (loggers, trace IDs) without its cancellation.
	sessionCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()

	go b.cleanupLoop(ctx)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for conn := range b.listener.All() {
			b.startSession(sessionCtx, conn)
		}
	}()

	<-ctx.Done()
	b.shutdown(acceptDone, cancelSessions)
	return nil
}

func (b *Broker) startSession(ctx context.Context, conn net.Conn) {
	session := newSession(b, conn)

	b.mu.Lock()
	b.sessions[session.id] = session
	b.mu.Unlock()

	b.running.Add(1)
	go func() {
		defer b.running.Done()
		defer func() {
			b.mu.Lock()
			delete(b.sessions, session.id)
			b.mu.Unlock()
		}()
		session.run(ctx)
	}()
}

// shutdown stops accepting, asks every session to finish, and
// force-closes whatever remains after the grace period.
func (b *Broker) shutdown(acceptDone <-chan struct{}, cancelSessions context.CancelFunc) {
	b.logger.Info("broker shutting down", "sessions", len(b.Sessions()), "grace", b.shutdownGrace.String())

	// Stop accepting before draining so the session list below is
	// final. A connection accepted after the sweep would never be told
	// to leave and would hold the shutdown until the grace period ran
	// out.
	b.listener.Stop()
	<-acceptDone
	// Sessions still authenticating check draining when they try to
	// issue, under their own lock, so none can become Active after the
	// sweep has passed them.
	b.draining.Store(true)

	for _, session := range b.Sessions() {
		switch session.State() {
		case StateActive:
			// Active clients revoke on their own when told; that is what
			// makes the shutdown graceful.
			session.notify(protocol.EventShutdown, "broker is shutting down")
		case StateClosed:
		default:
			// Not yet Active: there is no handle to hand back.
			response := protocol.Fail(protocol.CodeInternalError, "broker is shutting down")
			session.close("broker shutting down", &response)
		}
	}

	finished := make(chan struct{})
	go func() {
		b.running.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		b.logger.Info("broker shut down cleanly")
		return
	case <-b.clock.After(b.shutdownGrace):
	}

	// Whoever is left ignored the shutdown event or is stuck in an
	// operation. close revokes first, so their handles are gone before
	// their connections are.
	for _, session := range b.Sessions() {
		identity := session.Identity()
		if session.close("shutdown grace elapsed", nil) {
			b.logger.Warn("session force-closed",
				"event", "UngracefulShutdown",
				"session_id", session.id,
				"principal", identity.Principal(),
			)
		}
	}
	cancelSessions()
	<-finished
	b.logger.Info("broker shut down")
}

// cleanupLoop drops expired blacklist entries until ctx is done.
func (b *Broker) cleanupLoop(ctx context.Context) {
	ticker := b.clock.NewTicker(b.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := b.blacklist.Cleanup(b.clock.Now()); removed > 0 {
				b.logger.Debug("blacklist cleanup", "removed", removed, "remaining", b.blacklist.Len())
			}
		}
	}
}

// revokeTokens blacklists the given tokens and closes every session
// that authenticated with one of them. The calling session, if
// affected, is only ended here; its serve loop delivers the revoked
// event after replying.
func (b *Broker) revokeTokens(request *servicetoken.RevocationRequest, caller *Session) []string {
	// Blacklist first, then scan the registry. Session.issue rechecks
	// the blacklist under the registry lock, so a session attaching
	// concurrently either is found by the scan or is refused.
	request.Apply(b.blacklist)

	var sessionIDs []string
	for _, handle := range b.registry.RevokeTokens(request.TokenIDs()...) {
		sessionIDs = append(sessionIDs, handle.SessionID)
		session, exists := b.Session(handle.SessionID)
		if !exists {
			continue
		}
		if session == caller {
			session.end("token revoked")
			continue
		}
		event := protocol.Event(protocol.EventRevoked, "capability revoked")
		session.close("token revoked", &event)
	}
	b.logger.Info("tokens revoked", "tokens", len(request.Entries), "sessions", len(sessionIDs))
	return sessionIDs
}
