// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/capbroker/lib/broker"
	"github.com/bureau-foundation/capbroker/lib/brokerclient"
	"github.com/bureau-foundation/capbroker/lib/clock"
	"github.com/bureau-foundation/capbroker/lib/codec"
	"github.com/bureau-foundation/capbroker/lib/policy"
	"github.com/bureau-foundation/capbroker/lib/protocol"
	"github.com/bureau-foundation/capbroker/lib/servicetoken"
	"github.com/bureau-foundation/capbroker/lib/testutil"
)

const testAudience = "capbroker"

// recordHandler keeps every log record so tests can assert on them.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record.Clone())
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

// count returns how many records carry event=name at level.
func (h *recordHandler) count(level slog.Level, name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, record := range h.records {
		if record.Level != level {
			continue
		}
		record.Attrs(func(attr slog.Attr) bool {
			if attr.Key == "event" && attr.Value.String() == name {
				count++
				return false
			}
			return true
		})
	}
	return count
}

type testBroker struct {
	broker  *broker.Broker
	socket  string
	public  ed25519.PublicKey
	private ed25519.PrivateKey
	logs    *recordHandler
	cancel  context.CancelFunc
	served  chan error
}

type echoArgs struct {
	Message string `cbor:"message"`
}

func testOperations() *broker.Operations {
	operations := broker.NewOperations()
	operations.Handle("test.echo", func(_ context.Context, call *broker.Call) (any, error) {
		var args echoArgs
		if err := call.Decode(&args); err != nil {
			return nil, err
		}
		return args, nil
	})
	operations.Handle("test.fail", func(context.Context, *broker.Call) (any, error) {
		return nil, errors.New("device busy")
	})
	operations.Handle("test.block", func(ctx context.Context, _ *broker.Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return operations
}

func defaultRules() []policy.Rule {
	return []policy.Rule{
		{Name: "local", UIDs: []uint32{uint32(os.Getuid())}, Operations: []string{"broker.**", "test.**"}},
	}
}

// startBroker serves a broker on a fresh socket until the test ends.
// configure may adjust the config before New.
func startBroker(t *testing.T, rules []policy.Rule, configure func(*broker.Config)) *testBroker {
	t.Helper()

	public, private, err := servicetoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	trust, err := policy.New(rules)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	logs := &recordHandler{}
	config := broker.Config{
		Policy:        trust,
		PublicKey:     public,
		Audience:      testAudience,
		Operations:    testOperations(),
		AuthTimeout:   2 * time.Second,
		ShutdownGrace: 2 * time.Second,
		Logger:        slog.New(logs),
	}
	if configure != nil {
		configure(&config)
	}
	instance, err := broker.New(config)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}

	tb := &testBroker{
		broker:  instance,
		socket:  filepath.Join(testutil.SocketDir(t), "broker.sock"),
		public:  public,
		private: private,
		logs:    logs,
		served:  make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	tb.cancel = cancel
	go func() {
		tb.served <- instance.Serve(ctx, broker.Endpoint{Network: "unix", Address: tb.socket, Mode: 0o600})
	}()
	select {
	case <-instance.Ready():
		if err := instance.StartErr(); err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case err := <-tb.served:
		t.Fatalf("Serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-tb.served:
		case <-time.After(10 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return tb
}

// stop cancels Serve and returns its result.
func (tb *testBroker) stop(t *testing.T, timeout time.Duration) error {
	t.Helper()
	tb.cancel()
	err := testutil.RequireReceive(t, tb.served, timeout, "Serve did not return")
	tb.served <- err
	return err
}

func (tb *testBroker) dial(t *testing.T, opts brokerclient.Options) *brokerclient.Client {
	t.Helper()
	client, err := tb.tryDial(opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func (tb *testBroker) tryDial(opts brokerclient.Options) (*brokerclient.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return brokerclient.Dial(ctx, "unix", tb.socket, opts)
}

func (tb *testBroker) mint(t *testing.T, subject string, operations []string) (*servicetoken.Token, []byte) {
	t.Helper()
	token := servicetoken.NewToken(subject, testAudience, operations, time.Now(), time.Hour)
	data, err := servicetoken.Mint(tb.private, token)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return token, data
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var protocolErr *protocol.Error
	if !errors.As(err, &protocolErr) {
		t.Fatalf("error = %v, want *protocol.Error with code %s", err, code)
	}
	if protocolErr.Code != code {
		t.Fatalf("code = %q (%s), want %q", protocolErr.Code, protocolErr.Message, code)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAttachInvokeRevoke(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)
	ctx := testContext(t)

	client := tb.dial(t, brokerclient.Options{Package: "com.example.tool", APIVersion: 1})
	attach := client.Attach()
	if attach.SessionID == "" || attach.HandleID == "" || len(attach.Envelope) == 0 {
		t.Fatalf("incomplete attach reply: %+v", attach)
	}
	if attach.ServerVersion != 2 || attach.ServerUID != os.Getuid() {
		t.Errorf("attach versions = %d/%d uid %d", attach.ServerVersion, attach.PatchVersion, attach.ServerUID)
	}

	handle, ok := tb.broker.Registry().Lookup(attach.SessionID)
	if !ok || handle.ID != attach.HandleID {
		t.Fatalf("registry Lookup = %v, %v", handle, ok)
	}
	session, ok := tb.broker.Session(attach.SessionID)
	if !ok || session.State() != broker.StateActive {
		t.Fatalf("session = %v, %v; want Active", session, ok)
	}

	var echoed echoArgs
	if err := client.Invoke(ctx, "test.echo", echoArgs{Message: "hi"}, &echoed); err != nil {
		t.Fatalf("Invoke test.echo: %v", err)
	}
	if echoed.Message != "hi" {
		t.Errorf("echo = %q", echoed.Message)
	}

	var info broker.Info
	if err := client.Invoke(ctx, broker.OpInfo, nil, &info); err != nil {
		t.Fatalf("Invoke broker.info: %v", err)
	}
	if info.Sessions != 1 || info.Handles != 1 || info.ServerPID != os.Getpid() || info.PolicyDigest != "" {
		t.Errorf("info = %+v", info)
	}

	var whoami broker.Whoami
	if err := client.Invoke(ctx, broker.OpWhoami, nil, &whoami); err != nil {
		t.Fatalf("Invoke broker.whoami: %v", err)
	}
	if whoami.SessionID != attach.SessionID || whoami.Package != "com.example.tool" {
		t.Errorf("whoami = %+v", whoami)
	}
	if whoami.Peer == nil || whoami.Peer.UID != uint32(os.Getuid()) {
		t.Errorf("whoami peer = %+v", whoami.Peer)
	}

	if err := client.Revoke(ctx); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok := tb.broker.Registry().Lookup(attach.SessionID); ok {
		t.Error("handle still registered after revoke")
	}
	if !handle.Revoked() {
		t.Error("handle not marked revoked")
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return len(tb.broker.Sessions()) == 0 },
		"session not removed after revoke")
}

func TestPolicyDenialRejectsWithAuthenticationFailed(t *testing.T) {
	rules := []policy.Rule{{Name: "fleet", Subjects: []string{"fleet/**"}, Operations: []string{"**"}}}
	tb := startBroker(t, rules, nil)

	_, err := tb.tryDial(brokerclient.Options{})
	requireCode(t, err, protocol.CodeAuthenticationFailed)
	if tb.broker.Registry().Len() != 0 {
		t.Errorf("registry has %d handles after denial", tb.broker.Registry().Len())
	}

	// The same broker admits a caller whose token matches the rule.
	_, token := tb.mint(t, "fleet/agents/pm", nil)
	tb.dial(t, brokerclient.Options{Token: token})
}

func TestInvalidTokenRejected(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)

	_, otherPrivate, err := servicetoken.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	forged, err := servicetoken.Mint(otherPrivate, servicetoken.NewToken("fleet/x", testAudience, nil, time.Now(), time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	_, err = tb.tryDial(brokerclient.Options{Token: forged})
	requireCode(t, err, protocol.CodeAuthenticationFailed)
}

func TestAuthenticationTimeout(t *testing.T) {
	tb := startBroker(t, defaultRules(), func(c *broker.Config) { c.AuthTimeout = 100 * time.Millisecond })

	conn, err := net.Dial("unix", tb.socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Send nothing; the broker must reject rather than wait forever.
	var response protocol.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("reading rejection: %v", err)
	}
	if response.OK || response.Code != protocol.CodeAuthenticationFailed {
		t.Errorf("response = %+v, want authentication_failed", response)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return len(tb.broker.Sessions()) == 0 })
}

func TestDisconnectRevokesHandle(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)

	client := tb.dial(t, brokerclient.Options{})
	sessionID := client.Attach().SessionID
	handle, ok := tb.broker.Registry().Lookup(sessionID)
	if !ok {
		t.Fatal("handle not registered")
	}

	client.Close()

	testutil.Eventually(t, 5*time.Second, func() bool {
		_, registered := tb.broker.Registry().Lookup(sessionID)
		return !registered
	}, "handle survived disconnect")
	if !handle.Revoked() {
		t.Error("handle not marked revoked")
	}
}

func TestProtocolMismatchRejectsOnlyThatRequest(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)
	ctx := testContext(t)
	client := tb.dial(t, brokerclient.Options{})

	malformed := [][]byte{
		nil,
		{0x01, 0x02, 0x03},
		mustMarshal(t, codec.Tag{Number: 0x43415032, Content: map[uint64]any{1: "x"}}),
		mustMarshal(t, map[string]string{"handle": "x"}),
	}
	for i, envelope := range malformed {
		response, err := client.Do(ctx, protocol.Request{Action: protocol.ActionInvoke, Envelope: envelope, Operation: broker.OpInfo})
		if err != nil {
			t.Fatalf("envelope %d: Do: %v", i, err)
		}
		if response.Code != protocol.CodeProtocolMismatch {
			t.Errorf("envelope %d: code = %q, want protocol_mismatch", i, response.Code)
		}
	}

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping after mismatch: %v", err)
	}
	if err := client.Invoke(ctx, broker.OpInfo, nil, nil); err != nil {
		t.Fatalf("Invoke after mismatch: %v", err)
	}
}

func mustMarshal(t *testing.T, value any) []byte {
	t.Helper()
	data, err := codec.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestInvocationErrors(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)
	ctx := testContext(t)
	_, token := tb.mint(t, "fleet/agents/pm", []string{"test.echo", "test.fail"})
	client := tb.dial(t, brokerclient.Options{Token: token})

	requireCode(t, client.Invoke(ctx, broker.OpInfo, nil, nil), protocol.CodePermissionDenied)
	requireCode(t, client.Invoke(ctx, "test.missing", nil, nil), protocol.CodeUnknownOperation)
	requireCode(t, client.Invoke(ctx, "test.fail", nil, nil), protocol.CodeOperationFailed)
	requireCode(t, client.Invoke(ctx, "test.echo", nil, nil), protocol.CodeInvalidRequest)

	response, err := client.Do(ctx, protocol.Request{Action: "reboot"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if response.Code != protocol.CodeUnknownAction {
		t.Errorf("unknown action code = %q", response.Code)
	}

	// The session survives every failed request.
	if err := client.Invoke(ctx, "test.echo", echoArgs{Message: "still here"}, nil); err != nil {
		t.Fatalf("Invoke after errors: %v", err)
	}
}

func TestEnvelopeBoundToSession(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)
	ctx := testContext(t)

	owner := tb.dial(t, brokerclient.Options{})
	other := tb.dial(t, brokerclient.Options{})
	stolen := owner.Envelope()

	response, err := other.Do(ctx, protocol.Request{Action: protocol.ActionInvoke, Envelope: stolen, Operation: broker.OpInfo})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if response.Code != protocol.CodePermissionDenied {
		t.Errorf("foreign envelope code = %q, want permission_denied", response.Code)
	}

	if err := owner.Revoke(ctx); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	response, err = other.Do(ctx, protocol.Request{Action: protocol.ActionInvoke, Envelope: stolen, Operation: broker.OpInfo})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if response.Code != protocol.CodeRevoked {
		t.Errorf("revoked envelope code = %q, want revoked", response.Code)
	}
}

func TestRevokeTokensClosesAffectedSessions(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)
	ctx := testContext(t)

	revokedToken, revokedBytes := tb.mint(t, "fleet/agents/a", nil)
	_, keptBytes := tb.mint(t, "fleet/agents/b", nil)

	first := tb.dial(t, brokerclient.Options{Token: revokedBytes})
	second := tb.dial(t, brokerclient.Options{Token: revokedBytes})
	kept := tb.dial(t, brokerclient.Options{Token: keptBytes})
	admin := tb.dial(t, brokerclient.Options{})

	revocation, err := servicetoken.SignRevocation(tb.private, &servicetoken.RevocationRequest{
		Entries:  []servicetoken.RevocationEntry{{TokenID: revokedToken.ID, ExpiresAt: revokedToken.ExpiresAt}},
		IssuedAt: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("SignRevocation: %v", err)
	}

	var result broker.RevokeTokensResult
	if err := admin.Invoke(ctx, broker.OpRevokeTokens, broker.RevokeTokensArgs{Revocation: revocation}, &result); err != nil {
		t.Fatalf("Invoke revoke_tokens: %v", err)
	}
	if result.Tokens != 1 || len(result.Sessions) != 2 {
		t.Errorf("result = %+v, want 1 token and 2 sessions", result)
	}

	for _, client := range []*brokerclient.Client{first, second} {
		event := testutil.RequireReceive(t, client.Events(), 5*time.Second, "no revoked event")
		if event.Event != protocol.EventRevoked {
			t.Errorf("event = %q, want revoked", event.Event)
		}
		testutil.RequireClosed(t, client.Done(), 5*time.Second, "revoked session left open")
	}

	if err := kept.Ping(ctx); err != nil {
		t.Errorf("unaffected session: %v", err)
	}
	if _, err := tb.tryDial(brokerclient.Options{Token: revokedBytes}); err == nil {
		t.Error("revoked token admitted")
	} else {
		requireCode(t, err, protocol.CodeAuthenticationFailed)
	}

	// Unsigned revocations are refused.
	requireCode(t, admin.Invoke(ctx, broker.OpRevokeTokens, broker.RevokeTokensArgs{Revocation: []byte("nope")}, nil),
		protocol.CodeInvalidRequest)
}

func TestRevokeTokensOwnSession(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)
	ctx := testContext(t)

	token, tokenBytes := tb.mint(t, "fleet/agents/self", nil)
	client := tb.dial(t, brokerclient.Options{Token: tokenBytes})
	revocation, err := servicetoken.SignRevocation(tb.private, &servicetoken.RevocationRequest{
		Entries: []servicetoken.RevocationEntry{{TokenID: token.ID, ExpiresAt: token.ExpiresAt}},
	})
	if err != nil {
		t.Fatalf("SignRevocation: %v", err)
	}

	var result broker.RevokeTokensResult
	if err := client.Invoke(ctx, broker.OpRevokeTokens, broker.RevokeTokensArgs{Revocation: revocation}, &result); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(result.Sessions) != 1 || result.Sessions[0] != client.Attach().SessionID {
		t.Errorf("result = %+v", result)
	}
	event := testutil.RequireReceive(t, client.Events(), 5*time.Second)
	if event.Event != protocol.EventRevoked {
		t.Errorf("event = %q", event.Event)
	}
	testutil.RequireClosed(t, client.Done(), 5*time.Second)
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)
	const sessions = 24

	clients := make([]*brokerclient.Client, sessions)
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := tb.tryDial(brokerclient.Options{Package: fmt.Sprintf("client-%d", i)})
			if err != nil {
				errs <- err
				return
			}
			clients[i] = client
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Dial: %v", err)
	}

	seen := make(map[string]bool)
	for _, client := range clients {
		id := client.Attach().HandleID
		if seen[id] {
			t.Fatalf("handle id %s issued twice", id)
		}
		seen[id] = true
	}
	if got := tb.broker.Registry().Len(); got != sessions {
		t.Fatalf("registry Len = %d, want %d", got, sessions)
	}

	ctx := testContext(t)
	for _, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Invoke(ctx, broker.OpSessions, nil, nil); err != nil {
				t.Errorf("Invoke: %v", err)
			}
			if err := client.Revoke(ctx); err != nil {
				t.Errorf("Revoke: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := tb.broker.Registry().Len(); got != 0 {
		t.Errorf("registry Len after revokes = %d", got)
	}
}

// While sessions attach and then revoke or disconnect, no session
// observed in StateClosed may still have a live registry entry.
func TestClosedSessionsNeverHoldLiveHandles(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)
	registry := tb.broker.Registry()

	stopObserving := make(chan struct{})
	observed := make(chan error, 1)
	go func() {
		seen := make(map[string]*broker.Session)
		var violation error
		for {
			for _, session := range tb.broker.Sessions() {
				seen[session.ID()] = session
			}
			for id, session := range seen {
				if session.State() != broker.StateClosed {
					continue
				}
				if handle, live := registry.Lookup(id); live && violation == nil {
					violation = fmt.Errorf("closed session %s still holds handle %s", id, handle.ID)
				}
			}
			select {
			case <-stopObserving:
				if violation == nil && len(seen) == 0 {
					violation = errors.New("observer saw no sessions")
				}
				observed <- violation
				return
			default:
			}
		}
	}()

	const workers = 12
	const rounds = 10
	ctx := testContext(t)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := range rounds {
				client, err := tb.tryDial(brokerclient.Options{Package: fmt.Sprintf("worker-%d", i)})
				if err != nil {
					t.Errorf("Dial: %v", err)
					return
				}
				if err := client.Invoke(ctx, broker.OpWhoami, nil, nil); err != nil {
					t.Errorf("Invoke: %v", err)
				}
				if round%2 == 0 {
					if err := client.Revoke(ctx); err != nil {
						t.Errorf("Revoke: %v", err)
					}
				} else {
					client.Close()
				}
			}
		}()
	}
	wg.Wait()

	testutil.Eventually(t, 5*time.Second, func() bool {
		return registry.Len() == 0
	}, "handles remain after every client left")
	close(stopObserving)
	if err := testutil.RequireReceive(t, observed, 5*time.Second, "observer did not finish"); err != nil {
		t.Error(err)
	}
}

func TestGracefulShutdown(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)

	var clients []*brokerclient.Client
	for range 3 {
		clients = append(clients, tb.dial(t, brokerclient.Options{RevokeOnShutdown: true}))
	}

	if err := tb.stop(t, 10*time.Second); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	for i, client := range clients {
		event := testutil.RequireReceive(t, client.Events(), 5*time.Second, "client %d got no shutdown event", i)
		if event.Event != protocol.EventShutdown {
			t.Errorf("client %d event = %q", i, event.Event)
		}
		testutil.RequireClosed(t, client.Done(), 5*time.Second)
	}
	if got := tb.broker.Registry().Len(); got != 0 {
		t.Errorf("registry Len = %d after shutdown", got)
	}
	if got := tb.logs.count(slog.LevelWarn, "UngracefulShutdown"); got != 0 {
		t.Errorf("%d ungraceful shutdowns logged, want 0", got)
	}
	if _, err := os.Stat(tb.socket); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket file still present: %v", err)
	}
}

func TestUngracefulShutdownForceCloses(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tb := startBroker(t, defaultRules(), func(c *broker.Config) {
		c.Clock = fake
		c.ShutdownGrace = 30 * time.Second
	})

	// This client ignores the shutdown event.
	client := tb.dial(t, brokerclient.Options{})
	handle, _ := tb.broker.Registry().Lookup(client.Attach().SessionID)

	tb.cancel()
	testutil.RequireReceive(t, client.Events(), 5*time.Second, "no shutdown event")

	// Keep advancing until the grace timer has been registered and
	// fires.
	var err error
	testutil.Eventually(t, 5*time.Second, func() bool {
		fake.Advance(30 * time.Second)
		select {
		case err = <-tb.served:
			return true
		default:
			return false
		}
	}, "Serve did not return after grace")
	tb.served <- err
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	testutil.RequireClosed(t, client.Done(), 5*time.Second)
	if handle == nil || !handle.Revoked() {
		t.Error("straggler's handle was not revoked")
	}
	if got := tb.logs.count(slog.LevelWarn, "UngracefulShutdown"); got != 1 {
		t.Errorf("%d ungraceful shutdowns logged, want 1", got)
	}
}

func TestServeTwice(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)
	err := tb.broker.Serve(context.Background(), broker.Endpoint{Network: "unix", Address: tb.socket + "2"})
	if !errors.Is(err, broker.ErrAlreadyStarted) {
		t.Errorf("second Serve = %v, want ErrAlreadyStarted", err)
	}
}

func TestBindErrorWhenSocketInUse(t *testing.T) {
	tb := startBroker(t, defaultRules(), nil)

	trust, err := policy.New(defaultRules())
	if err != nil {
		t.Fatal(err)
	}
	second, err := broker.New(broker.Config{Policy: trust})
	if err != nil {
		t.Fatal(err)
	}
	readyWaiter := make(chan error, 1)
	go func() {
		<-second.Ready()
		readyWaiter <- second.StartErr()
	}()
	err = second.Serve(context.Background(), broker.Endpoint{Network: "unix", Address: tb.socket})

	// A caller waiting only on Ready is released by the failure.
	if startErr := testutil.RequireReceive(t, readyWaiter, 5*time.Second, "Ready not closed after a bind failure"); startErr != err {
		t.Errorf("StartErr = %v, want %v", startErr, err)
	}

	var bindErr *broker.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("Serve = %v, want *BindError", err)
	}
	if !errors.Is(err, broker.ErrAddressInUse) {
		t.Errorf("error = %v, want ErrAddressInUse", err)
	}
	if bindErr.ExitCode() != 2 {
		t.Errorf("ExitCode = %d, want 2", bindErr.ExitCode())
	}

	// The first broker is unaffected.
	tb.dial(t, brokerclient.Options{})
}

func TestBlacklistCleanup(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	blacklist := servicetoken.NewBlacklist()
	blacklist.Revoke("expired", fake.Now().Add(30*time.Second))
	blacklist.Revoke("live", fake.Now().Add(time.Hour))

	startBroker(t, defaultRules(), func(c *broker.Config) {
		c.Clock = fake
		c.Blacklist = blacklist
		c.CleanupInterval = time.Minute
	})

	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	testutil.Eventually(t, 5*time.Second, func() bool { return blacklist.Len() == 1 },
		"expired entry not cleaned up")
	if !blacklist.IsRevoked("live") {
		t.Error("live entry removed")
	}
}
