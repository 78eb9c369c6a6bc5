package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn is an in-memory message transport driven by the test.
type fakeConn struct {
	in     chan []byte // server -> client
	errs   chan error  // injected read errors
	writes chan []byte // client -> server

	mu           sync.Mutex
	writeErr     error
	closed       bool
	closedNormal bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		errs:   make(chan error, 4),
		writes: make(chan []byte, 64),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.errs:
		return nil, err
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.writes <- data
	return nil
}

func (c *fakeConn) Close(normal bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closedNormal = normal
	select {
	case c.errs <- io.ErrClosedPipe:
	default:
	}
	return nil
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() (closed, normal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closedNormal
}

// serverPush delivers a message to the client.
func (c *fakeConn) serverPush(t *testing.T, fields map[string]any) {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("failed to marshal push: %v", err)
	}
	c.in <- data
}

// nextWrite returns the next client message or fails the test.
func (c *fakeConn) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.writes:
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("client wrote invalid JSON: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client write")
		return nil
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int // dials to refuse before succeeding
	dialed   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		d.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	d.mu.Unlock()

	conn := newFakeConn()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func testOptions() Options {
	return Options{
		URL:               "ws://test",
		ConnectTimeout:    time.Second,
		SettleDelay:       time.Millisecond,
		AuthRetryDelay:    5 * time.Millisecond,
		HeartbeatInterval: time.Hour, // heartbeat tests override
		HeartbeatTimeout:  time.Hour,
		MaxSilence:        time.Hour,
		ReconnectBase:     2 * time.Millisecond,
		ReconnectCap:      10 * time.Millisecond,
		ReconnectAttempts: 5,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticToken(token string) TokenSource {
	return func() string { return token }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// handshake drives one connection to Ready and returns its conn.
func handshake(t *testing.T, m *Manager, d *fakeDialer) *fakeConn {
	t.Helper()
	conn := d.nextConn(t)

	auth := conn.nextWrite(t)
	if auth["type"] != MsgAuthenticate {
		t.Fatalf("expected authenticate first, got %v", auth["type"])
	}
	conn.serverPush(t, map[string]any{"type": MsgAuthResult, "success": true})

	waitFor(t, "ready state", func() bool { return m.State() == StateReady })
	return conn
}

func TestConnectWithoutCredential(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(testOptions(), dialer, staticToken(""), testLogger())

	m.Connect()

	if got := m.State(); got != StateIdle {
		t.Errorf("expected idle state without credential, got %s", got)
	}
	select {
	case <-dialer.dialed:
		t.Error("dial should not happen without a credential")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestConnectAuthenticateReady(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(testOptions(), dialer, staticToken("token-123"), testLogger())

	var authenticated, connected bool
	var mu sync.Mutex
	m.OnAuthenticated(func() { mu.Lock(); authenticated = true; mu.Unlock() })
	m.OnConnected(func() { mu.Lock(); connected = true; mu.Unlock() })

	m.Connect()
	conn := dialer.nextConn(t)

	auth := conn.nextWrite(t)
	if auth["type"] != MsgAuthenticate {
		t.Fatalf("expected authenticate message, got %v", auth["type"])
	}
	if auth["token"] != "token-123" {
		t.Errorf("authenticate carried wrong token: %v", auth["token"])
	}

	if m.State() != StateAwaitingAuth {
		t.Errorf("expected awaiting_auth before auth result, got %s", m.State())
	}

	conn.serverPush(t, map[string]any{"type": MsgAuthResult, "success": true})
	waitFor(t, "ready state", func() bool { return m.State() == StateReady })

	waitFor(t, "lifecycle callbacks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return authenticated && connected
	})
}

func TestSendQueuesUntilReadyAndDrainsInOrder(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(testOptions(), dialer, staticToken("tok"), testLogger())

	// Not connected at all: send never panics, returns false and queues.
	if m.Send(MsgGetAllEmails, nil) {
		t.Error("send before connect should return false")
	}

	m.Connect()
	conn := dialer.nextConn(t)
	conn.nextWrite(t) // authenticate

	// Queue while awaiting auth.
	if m.Send(MsgCheckEmails, map[string]any{"email_ids": []int64{1}}) {
		t.Error("send while awaiting auth should return false")
	}
	if m.Send(MsgGetMailRecords, map[string]any{"email_id": int64(7)}) {
		t.Error("send while awaiting auth should return false")
	}

	conn.serverPush(t, map[string]any{"type": MsgAuthResult, "success": true})
	waitFor(t, "ready state", func() bool { return m.State() == StateReady })

	// Everything queued before Ready flushes in enqueue order, the
	// pre-connect message first.
	wantOrder := []string{MsgGetAllEmails, MsgCheckEmails, MsgGetMailRecords}
	for i, want := range wantOrder {
		if got := conn.nextWrite(t)["type"]; got != want {
			t.Errorf("flush position %d: got %v, want %s", i, got, want)
		}
	}

	// Ready sends transmit immediately and report true.
	if !m.Send(MsgHeartbeat, nil) {
		t.Error("send while ready should return true")
	}
	if msg := conn.nextWrite(t); msg["type"] != MsgHeartbeat {
		t.Errorf("expected heartbeat, got %v", msg["type"])
	}

	// No duplicates of the drained messages.
	select {
	case data := <-conn.writes:
		t.Errorf("unexpected extra write: %s", data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBackoffSequence(t *testing.T) {
	m := NewManager(Options{
		ReconnectBase: time.Second,
		ReconnectCap:  30 * time.Second,
	}, newFakeDialer(), staticToken("tok"), testLogger())

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, expected := range want {
		if got := m.backoff(attempt); got != expected {
			t.Errorf("backoff(%d) = %s, want %s", attempt, got, expected)
		}
	}
}

func TestReconnectExhaustionEntersFailed(t *testing.T) {
	dialer := newFakeDialer()
	dialer.setFailures(-1) // refuse forever
	m := NewManager(testOptions(), dialer, staticToken("tok"), testLogger())

	var mu sync.Mutex
	var syntheticErrors []string
	m.Subscribe(MsgError, func(raw json.RawMessage) {
		var notice Notice
		if err := json.Unmarshal(raw, &notice); err != nil {
			t.Errorf("bad synthetic error payload: %v", err)
			return
		}
		mu.Lock()
		syntheticErrors = append(syntheticErrors, notice.Message)
		mu.Unlock()
	})

	m.Connect()
	waitFor(t, "failed state", func() bool { return m.State() == StateFailed })

	// Exactly one synthetic error, and no further automatic retries.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(syntheticErrors) != 1 {
		t.Errorf("expected exactly 1 synthetic error event, got %d", len(syntheticErrors))
	}
	mu.Unlock()
	if m.State() != StateFailed {
		t.Errorf("expected state to remain failed, got %s", m.State())
	}

	// Explicit connect leaves Failed.
	dialer.setFailures(0)
	m.Connect()
	handshake(t, m, dialer)
}

func TestAbnormalCloseReconnectsAndAttemptCounterResets(t *testing.T) {
	opts := testOptions()
	opts.ReconnectAttempts = 2
	dialer := newFakeDialer()
	m := NewManager(opts, dialer, staticToken("tok"), testLogger())

	m.Connect()
	conn := handshake(t, m, dialer)

	// Two full drop/recover cycles. If the attempt counter did not reset
	// on Ready, the second cycle would exceed the 2-attempt limit and
	// land in Failed instead of recovering.
	for cycle := 0; cycle < 2; cycle++ {
		conn.errs <- errors.New("connection reset")
		conn = handshake(t, m, dialer)
	}

	if m.State() != StateReady {
		t.Errorf("expected ready after recover cycles, got %s", m.State())
	}
}

func TestNormalCloseGoesIdle(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(testOptions(), dialer, staticToken("tok"), testLogger())

	m.Connect()
	conn := handshake(t, m, dialer)

	conn.errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
	waitFor(t, "idle state", func() bool { return m.State() == StateIdle })

	select {
	case <-dialer.dialed:
		t.Error("normal close must not trigger reconnection")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectResetsToIdle(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(testOptions(), dialer, staticToken("tok"), testLogger())

	var mu sync.Mutex
	disconnects := 0
	m.OnDisconnected(func() { mu.Lock(); disconnects++; mu.Unlock() })

	m.Connect()
	conn := handshake(t, m, dialer)
	m.Send(MsgGetAllEmails, nil)
	conn.nextWrite(t)

	m.Disconnect()

	if m.State() != StateIdle {
		t.Errorf("expected idle after disconnect, got %s", m.State())
	}
	if closed, normal := conn.isClosed(); !closed || !normal {
		t.Errorf("expected normal transport close, got closed=%v normal=%v", closed, normal)
	}
	mu.Lock()
	if disconnects == 0 {
		t.Error("expected disconnect listeners to fire")
	}
	mu.Unlock()
}

func TestDispatchFanOutAndUnsubscribe(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(testOptions(), dialer, staticToken("tok"), testLogger())

	var mu sync.Mutex
	calls := map[string]int{}
	record := func(name string) Handler {
		return func(json.RawMessage) {
			mu.Lock()
			calls[name]++
			mu.Unlock()
		}
	}

	m.Subscribe(MsgEmailsList, func(json.RawMessage) {
		mu.Lock()
		calls["panicking"]++
		mu.Unlock()
		panic("listener bug")
	})
	m.Subscribe(MsgEmailsList, record("second"))
	removeThird := m.Subscribe(MsgEmailsList, record("third"))

	m.Connect()
	conn := handshake(t, m, dialer)

	conn.serverPush(t, map[string]any{"type": MsgEmailsList, "data": []any{}})
	waitFor(t, "all listeners", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["panicking"] == 1 && calls["second"] == 1 && calls["third"] == 1
	})

	removeThird()
	conn.serverPush(t, map[string]any{"type": MsgEmailsList, "data": []any{}})
	waitFor(t, "remaining listeners", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["second"] == 2
	})

	mu.Lock()
	if calls["third"] != 1 {
		t.Errorf("unsubscribed listener was called %d times, want 1", calls["third"])
	}
	mu.Unlock()
}

func TestReservedTypesNotForwarded(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(testOptions(), dialer, staticToken("tok"), testLogger())

	var mu sync.Mutex
	forwarded := 0
	for _, msgType := range []string{MsgAuthResult, MsgConnectionEstablished, MsgHeartbeatResponse} {
		m.Subscribe(msgType, func(json.RawMessage) {
			mu.Lock()
			forwarded++
			mu.Unlock()
		})
	}

	m.Connect()
	conn := handshake(t, m, dialer)
	conn.serverPush(t, map[string]any{"type": MsgConnectionEstablished})
	conn.serverPush(t, map[string]any{"type": MsgHeartbeatResponse})

	// Deliver one normal message to prove the pushes above were consumed.
	seen := make(chan struct{})
	m.Subscribe(MsgEmailsImported, func(json.RawMessage) { close(seen) })
	conn.serverPush(t, map[string]any{"type": MsgEmailsImported})
	<-seen

	mu.Lock()
	if forwarded != 0 {
		t.Errorf("reserved types were forwarded %d times", forwarded)
	}
	mu.Unlock()
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.HeartbeatTimeout = 20 * time.Millisecond
	dialer := newFakeDialer()
	m := NewManager(opts, dialer, staticToken("tok"), testLogger())

	m.Connect()
	conn := handshake(t, m, dialer)

	// Answer a few pings: connection must stay up.
	for i := 0; i < 3; i++ {
		msg := conn.nextWrite(t)
		if msg["type"] != MsgHeartbeat {
			t.Fatalf("expected heartbeat, got %v", msg["type"])
		}
		conn.serverPush(t, map[string]any{"type": MsgHeartbeatResponse})
	}
	if m.State() != StateReady {
		t.Fatalf("expected ready while heartbeats are answered, got %s", m.State())
	}

	// Stop answering: the pong deadline recycles the connection.
	newConn := dialer.nextConn(t)
	if newConn == conn {
		t.Fatal("expected a fresh connection after heartbeat timeout")
	}
}

func TestMaxSilenceWatchdogForcesReconnect(t *testing.T) {
	opts := testOptions()
	opts.MaxSilence = 50 * time.Millisecond
	dialer := newFakeDialer()
	m := NewManager(opts, dialer, staticToken("tok"), testLogger())

	m.Connect()
	handshake(t, m, dialer)

	// No inbound traffic at all: the watchdog must recycle.
	dialer.nextConn(t)
}

func TestTransmitFailureTriggersReconnect(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(testOptions(), dialer, staticToken("tok"), testLogger())

	m.Connect()
	conn := handshake(t, m, dialer)

	conn.setWriteErr(errors.New("broken pipe"))
	if m.Send(MsgGetAllEmails, nil) {
		t.Error("send over a broken transport should return false")
	}

	// A fresh connection is dialed and recovers.
	handshake(t, m, dialer)
}

func TestAuthFailureRetriesOnce(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(testOptions(), dialer, staticToken("tok"), testLogger())

	m.Connect()
	conn := dialer.nextConn(t)
	conn.nextWrite(t) // first authenticate

	conn.serverPush(t, map[string]any{"type": MsgAuthResult, "success": false, "error": "not yet"})

	retry := conn.nextWrite(t)
	if retry["type"] != MsgAuthenticate {
		t.Fatalf("expected authenticate retry, got %v", retry["type"])
	}

	conn.serverPush(t, map[string]any{"type": MsgAuthResult, "success": true})
	waitFor(t, "ready after retry", func() bool { return m.State() == StateReady })
}

func TestAuthFailureWithoutCredentialGoesIdle(t *testing.T) {
	dialer := newFakeDialer()
	var mu sync.Mutex
	token := "tok"
	tokens := func() string {
		mu.Lock()
		defer mu.Unlock()
		return token
	}

	m := NewManager(testOptions(), dialer, tokens, testLogger())
	m.Connect()
	conn := dialer.nextConn(t)
	conn.nextWrite(t)

	mu.Lock()
	token = ""
	mu.Unlock()
	conn.serverPush(t, map[string]any{"type": MsgAuthResult, "success": false, "error": "invalid token"})

	waitFor(t, "idle state", func() bool { return m.State() == StateIdle })
	if closed, _ := conn.isClosed(); !closed {
		t.Error("expected transport closed after credential loss")
	}
}

func TestEncodeMessageFlattensFields(t *testing.T) {
	data, err := encodeMessage(MsgCheckEmails, map[string]any{"email_ids": []int64{3, 9}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var msg struct {
		Type     string  `json:"type"`
		EmailIDs []int64 `json:"email_ids"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if msg.Type != MsgCheckEmails {
		t.Errorf("expected type %q, got %q", MsgCheckEmails, msg.Type)
	}
	if len(msg.EmailIDs) != 2 || msg.EmailIDs[0] != 3 || msg.EmailIDs[1] != 9 {
		t.Errorf("fields not flattened into envelope: %+v", msg)
	}
}

func TestPeekType(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{name: "valid", payload: `{"type":"emails_list","data":[]}`, want: "emails_list"},
		{name: "missing type", payload: `{"data":[]}`, wantErr: true},
		{name: "not json", payload: `<html></html>`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := peekType([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("peekType = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateIdle:         "idle",
		StateConnecting:   "connecting",
		StateAwaitingAuth: "awaiting_auth",
		StateReady:        "ready",
		StateReconnecting: "reconnecting",
		StateFailed:       "failed",
		State(42):         "unknown",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
