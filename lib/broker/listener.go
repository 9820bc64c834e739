// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// Endpoint describes one address to listen on.
type Endpoint struct {
	// Network is "unix" or "tcp".
	Network string

	// Address is a socket path for unix, host:port for tcp.
	Address string

	// Mode is applied to the socket file of a unix endpoint. Zero
	// leaves the umask-derived mode.
	Mode os.FileMode

	// TLS wraps accepted tcp connections. The handshake runs during
	// authentication.
	TLS *tls.Config
}

func (e Endpoint) String() string {
	return e.Network + ":" + e.Address
}

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("broker: listener already started")

	// ErrListenerClosed is returned by Accept after Stop.
	ErrListenerClosed = errors.New("broker: listener closed")

	// ErrAddressInUse is wrapped by a BindError when a live listener
	// already owns a unix socket path.
	ErrAddressInUse = errors.New("address in use")
)

// BindError reports an endpoint that could not be bound. It is fatal
// at startup; the process exits with ExitCode.
type BindError struct {
	Endpoint Endpoint
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("broker: binding %s: %v", e.Endpoint, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ExitCode distinguishes a bind failure from other startup errors.
func (e *BindError) ExitCode() int { return 2 }

// staleProbeTimeout bounds the dial used to tell a stale socket file
// from a live one.
const staleProbeTimeout = 500 * time.Millisecond

// Listener accepts connections on a set of endpoints.
type Listener struct {
	logger *slog.Logger

	mu        sync.Mutex
	started   bool
	listeners []net.Listener

	conns    chan net.Conn
	done     chan struct{}
	stopOnce sync.Once
	accepts  sync.WaitGroup
}

// NewListener returns a listener with no endpoints bound.
func NewListener(logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Listener{
		logger: logger,
		conns:  make(chan net.Conn),
		done:   make(chan struct{}),
	}
}

// Start binds every endpoint and begins accepting. If any endpoint
// fails, the ones already bound are released and a *BindError is
// returned; Start may then be retried.
func (l *Listener) Start(endpoints ...Endpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return ErrAlreadyStarted
	}
	select {
	case <-l.done:
		return ErrListenerClosed
	default:
	}
	if len(endpoints) == 0 {
		return errors.New("broker: no endpoints")
	}

	// All or nothing: a broker that came up on the unix socket but not
	// on its TCP port would look healthy to local checks while remote
	// clients fail, so a partial bind is released and reported.
	var bound []net.Listener
	for _, endpoint := range endpoints {
		listener, err := bind(endpoint)
		if err != nil {
			for _, previous := range bound {
				previous.Close()
			}
			return &BindError{Endpoint: endpoint, Err: err}
		}
		bound = append(bound, listener)
		l.logger.Info("listening", "endpoint", endpoint.String(), "addr", listener.Addr().String())
	}

	l.started = true
	l.listeners = bound
	for _, listener := range bound {
		l.accepts.Add(1)
		go l.acceptLoop(listener)
	}
	return nil
}

func bind(endpoint Endpoint) (net.Listener, error) {
	switch endpoint.Network {
	case "unix":
		if err := clearStaleSocket(endpoint.Address); err != nil {
			return nil, err
		}
		listener, err := net.Listen("unix", endpoint.Address)
		if err != nil {
			return nil, err
		}
		// The socket mode is the first access gate for unix clients;
		// peer credentials and the policy are the second. Clients that
		// cannot connect never reach authentication.
		if endpoint.Mode != 0 {
			if err := os.Chmod(endpoint.Address, endpoint.Mode); err != nil {
				listener.Close()
				return nil, fmt.Errorf("setting socket mode: %w", err)
			}
		}
		return listener, nil

	case "tcp":
		if endpoint.TLS != nil && len(endpoint.TLS.Certificates) == 0 && endpoint.TLS.GetCertificate == nil {
			return nil, errors.New("TLS config has no server certificate")
		}
		listener, err := net.Listen("tcp", endpoint.Address)
		if err != nil {
			return nil, err
		}
		if endpoint.TLS != nil {
			return tls.NewListener(listener, endpoint.TLS), nil
		}
		return listener, nil
	}
	return nil, fmt.Errorf("unsupported network %q", endpoint.Network)
}

// clearStaleSocket removes a socket file left behind by a process that
// no longer listens on it. A path with a live listener is in use.
//
// The file's existence says nothing about liveness: a broker killed by
// SIGKILL or OOM never unlinks its socket, and net.Listen then fails
// with EADDRINUSE forever. Only a connect attempt distinguishes the
// two. Removing the file unconditionally would silently steal the path
// from a running broker, whose clients would keep talking to it while
// new clients reach us.
func clearStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	// Never unlink a regular file or directory a misconfigured
	// socket_path happens to name.
	if info.Mode().Type() != os.ModeSocket {
		return fmt.Errorf("%s exists and is not a socket", path)
	}

	conn, err := net.DialTimeout("unix", path, staleProbeTimeout)
	if err == nil {
		conn.Close()
		return ErrAddressInUse
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

func (l *Listener) acceptLoop(listener net.Listener) {
	defer l.accepts.Done()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-l.done:
				return
			default:
			}
			// Transient failures such as EMFILE: back off rather than
			// spin.
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			l.logger.Error("accept failed", "addr", listener.Addr().String(), "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		select {
		case l.conns <- conn:
		case <-l.done:
			conn.Close()
			return
		}
	}
}

// Accept blocks until a client connects on any endpoint. After Stop it
// returns ErrListenerClosed.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, ErrListenerClosed
	default:
	}
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

// All yields accepted connections until Stop.
func (l *Listener) All() iter.Seq[net.Conn] {
	return func(yield func(net.Conn) bool) {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			if !yield(conn) {
				return
			}
		}
	}
}

// Addrs returns the bound addresses, in endpoint order.
func (l *Listener) Addrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	addrs := make([]net.Addr, len(l.listeners))
	for i, listener := range l.listeners {
		addrs[i] = listener.Addr()
	}
	return addrs
}

// Stop closes every endpoint and removes unix socket files. It is
// idempotent and leaves connections already accepted open.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		for _, listener := range l.listeners {
			// Closing a *net.UnixListener created by Listen unlinks
			// its socket file.
			listener.Close()
		}
		l.mu.Unlock()
		l.accepts.Wait()
	})
}
