// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package brokerclient is the client side of the broker protocol.
//
// Dial connects, sends the hello and returns once the broker has
// answered with an attach reply. The returned Client holds the
// capability envelope and attaches it to every Invoke. Events pushed by
// the broker (shutdown, revoked) arrive on Events.
package brokerclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/capbroker/lib/codec"
	"github.com/bureau-foundation/capbroker/lib/netutil"
	"github.com/bureau-foundation/capbroker/lib/protocol"
)

// dialTimeout bounds the connect phase when ctx has no deadline.
const dialTimeout = 5 * time.Second

// attachTimeout bounds the wait for the attach reply when ctx has no
// deadline.
const attachTimeout = 30 * time.Second

// eventBuffer is how many unread events are kept before new ones are
// dropped.
const eventBuffer = 16

// ErrClosed is returned by calls made after the connection has ended.
var ErrClosed = errors.New("brokerclient: connection closed")

// Options configures Dial.
type Options struct {
	// Token is a signed credential sent in the hello. Optional.
	Token []byte

	// Package and APIVersion are reported to the broker for logging.
	Package    string
	APIVersion int

	// TLS enables TLS on tcp connections.
	TLS *tls.Config

	// MaxMessageSize bounds responses. Zero selects the protocol
	// default.
	MaxMessageSize int64

	// RevokeOnShutdown makes the client answer a shutdown event by
	// revoking its capability.
	RevokeOnShutdown bool
}

// Client is one attached broker session. Calls are serialized; a
// Client is safe for concurrent use.
type Client struct {
	conn    net.Conn
	encoder *codec.Encoder
	decoder *protocol.Decoder
	attach  protocol.Attach

	// callMu serializes request/response round trips.
	callMu sync.Mutex

	responses chan protocol.Response
	events    chan protocol.Response
	done      chan struct{}
	readErr   error

	revokeOnShutdown bool
	closeOnce        sync.Once
}

// Dial connects to the broker at address on network ("unix" or "tcp")
// and attaches. A rejection by the broker is returned as a
// *protocol.Error.
func Dial(ctx context.Context, network, address string, opts Options) (*Client, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("brokerclient: connecting to %s: %w", address, err)
	}
	if opts.TLS != nil {
		tlsConn := tls.Client(conn, opts.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("brokerclient: TLS handshake with %s: %w", address, err)
		}
		conn = tlsConn
	}

	client, err := attach(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// attach performs the hello exchange on an established connection.
func attach(ctx context.Context, conn net.Conn, opts Options) (*Client, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(attachTimeout)
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	client := &Client{
		conn:             conn,
		encoder:          codec.NewEncoder(conn),
		decoder:          protocol.NewDecoder(conn, opts.MaxMessageSize),
		responses:        make(chan protocol.Response, 1),
		events:           make(chan protocol.Response, eventBuffer),
		done:             make(chan struct{}),
		revokeOnShutdown: opts.RevokeOnShutdown,
	}

	hello := protocol.Hello{
		Action:     protocol.ActionHello,
		Token:      opts.Token,
		Package:    opts.Package,
		APIVersion: opts.APIVersion,
	}
	if err := client.encoder.Encode(hello); err != nil {
		return nil, fmt.Errorf("brokerclient: sending hello: %w", err)
	}

	var reply protocol.Response
	if err := client.decoder.Decode(&reply); err != nil {
		return nil, fmt.Errorf("brokerclient: reading attach reply: %w", err)
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(reply.Data, &client.attach); err != nil {
		return nil, fmt.Errorf("brokerclient: decoding attach reply: %w", err)
	}

	go client.readLoop()
	return client, nil
}

// Attach returns the broker's attach reply.
func (c *Client) Attach() protocol.Attach { return c.attach }

// Envelope returns the capability envelope.
func (c *Client) Envelope() []byte { return c.attach.Envelope }

// Events delivers unsolicited broker messages. Events that arrive
// while the buffer is full are dropped.
func (c *Client) Events() <-chan protocol.Response { return c.events }

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var response protocol.Response
		if err := c.decoder.Decode(&response); err != nil {
			c.readErr = err
			return
		}
		if response.Event == "" {
			// callMu allows one outstanding request, so a full buffer
			// means nobody is waiting for this reply. Blocking here
			// would also stall event delivery and close detection.
			select {
			case c.responses <- response:
			default:
			}
			continue
		}
		select {
		case c.events <- response:
		default:
		}
		if response.Event == protocol.EventShutdown && c.revokeOnShutdown {
			go c.Revoke(context.Background())
		}
	}
}

// Do sends one request and returns the broker's response. Failed
// responses are returned as-is with a nil error; transport failures
// are errors. Cancelling ctx while waiting closes the connection,
// since the stream can no longer be matched to requests.
func (c *Client) Do(ctx context.Context, request protocol.Request) (protocol.Response, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	select {
	case <-c.done:
		return protocol.Response{}, ErrClosed
	default:
	}
	// Drop a reply no earlier caller collected.
	select {
	case <-c.responses:
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.encoder.Encode(request); err != nil {
		if netutil.IsClosed(err) {
			return protocol.Response{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return protocol.Response{}, fmt.Errorf("brokerclient: sending %s: %w", request.Action, err)
	}

	select {
	case response := <-c.responses:
		return response, nil
	case <-c.done:
		// A reply may have raced the close.
		select {
		case response := <-c.responses:
			return response, nil
		default:
		}
		return protocol.Response{}, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	case <-ctx.Done():
		c.Close()
		return protocol.Response{}, ctx.Err()
	}
}

// Invoke calls operation with args and decodes the result into
// result. args and result may be nil. A failed response is returned
// as a *protocol.Error.
func (c *Client) Invoke(ctx context.Context, operation string, args, result any) error {
	request := protocol.Request{
		Action:    protocol.ActionInvoke,
		Envelope:  c.attach.Envelope,
		Operation: operation,
	}
	if args != nil {
		data, err := codec.Marshal(args)
		if err != nil {
			return fmt.Errorf("brokerclient: encoding arguments for %s: %w", operation, err)
		}
		request.Args = data
	}

	response, err := c.Do(ctx, request)
	if err != nil {
		return err
	}
	if err := response.Err(); err != nil {
		return err
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("brokerclient: decoding result of %s: %w", operation, err)
		}
	}
	return nil
}

// Ping checks that the session is alive.
func (c *Client) Ping(ctx context.Context) error {
	response, err := c.Do(ctx, protocol.Request{Action: protocol.ActionPing})
	if err != nil {
		return err
	}
	return response.Err()
}

// Revoke gives the capability back and closes the connection.
// Revoking an already closed client returns nil.
func (c *Client) Revoke(ctx context.Context) error {
	defer c.Close()
	response, err := c.Do(ctx, protocol.Request{Action: protocol.ActionRevoke})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	return response.Err()
}

// Close closes the connection without revoking. The broker revokes
// the handle when it sees the disconnect.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}
