package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/zeroornull/FireMail/pkg/models"
)

// TokenSource supplies the current bearer credential, or "" when logged out.
type TokenSource func() string

// Handler receives the raw bytes of every inbound message of a subscribed
// type. The envelope fields live at the top level, so handlers decode the
// whole message.
type Handler func(msg json.RawMessage)

// Options tune the connection lifecycle. Zero values fall back to the
// protocol defaults.
type Options struct {
	URL               string
	ConnectTimeout    time.Duration
	SettleDelay       time.Duration // wait after transport open before authenticating
	AuthRetryDelay    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // max wait for a heartbeat response
	MaxSilence        time.Duration // independent watchdog on any inbound traffic
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectAttempts int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if o.AuthRetryDelay == 0 {
		o.AuthRetryDelay = time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 10 * time.Second
	}
	if o.MaxSilence == 0 {
		o.MaxSilence = 30 * time.Second
	}
	if o.ReconnectBase == 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectCap == 0 {
		o.ReconnectCap = 30 * time.Second
	}
	if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = 5
	}
	return o
}

type handlerEntry struct {
	id int
	fn Handler
}

type callback struct {
	id int
	fn func()
}

type pendingMessage struct {
	msgType string
	fields  map[string]any
}

// Manager owns the one persistent event channel connection and drives the
// connect, authenticate, ready, reconnect lifecycle. It is the only
// component allowed to write to the transport.
type Manager struct {
	opts   Options
	dialer Dialer
	tokens TokenSource
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	conn           Conn
	generation     int // bumped on every connection change; stale goroutines check it
	attempts       int
	failedNotified bool
	authRetried    bool
	authScheduled  bool
	pending        []pendingMessage

	settleTimer    *time.Timer
	authTimer      *time.Timer
	pongTimer      *time.Timer
	silenceTimer   *time.Timer
	reconnectTimer *time.Timer
	stopHeartbeat  chan struct{}

	nextID           int
	handlers         map[string][]handlerEntry
	connectedFns     []callback
	disconnectedFns  []callback
	authenticatedFns []callback
}

// NewManager creates a connection manager. Nothing happens until Connect.
func NewManager(opts Options, dialer Dialer, tokens TokenSource, logger *slog.Logger) *Manager {
	return &Manager{
		opts:     opts.withDefaults(),
		dialer:   dialer,
		tokens:   tokens,
		logger:   logger.With("component", "realtime"),
		handlers: make(map[string][]handlerEntry),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether the channel is authenticated and accepting sends.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// Connect starts the connection lifecycle. It is a no-op without a
// credential and while a connection attempt is already in progress.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateConnecting, StateAwaitingAuth, StateReady, StateReconnecting:
		m.logger.Debug("connect ignored", "state", m.state.String())
		return
	}
	if m.tokens() == "" {
		m.logger.Warn("connect skipped: no credential available")
		return
	}

	m.attempts = 0
	m.failedNotified = false
	m.startDialLocked()
}

// Disconnect force-closes the transport with the normal close code, clears
// all timers and pending messages, and resets to Idle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked(true)
	m.pending = nil
	m.attempts = 0
	m.failedNotified = false
	m.state = StateIdle
	m.mu.Unlock()

	m.notifyDisconnected()
	m.logger.Info("event channel closed")
}

// Send transmits a typed message when the channel is ready. Otherwise the
// message is queued for delivery after authentication and false is returned;
// delivery is fire-and-forget either way. A transmit failure drops the
// connection and starts reconnection.
func (m *Manager) Send(msgType string, fields map[string]any) bool {
	m.mu.Lock()

	if m.state == StateReady {
		if err := m.writeLocked(msgType, fields); err != nil {
			m.logger.Error("transmit failed", "type", msgType, "error", err)
			m.dropConnectionLocked()
			m.mu.Unlock()
			m.notifyDisconnected()
			return false
		}
		m.mu.Unlock()
		return true
	}

	if msgType == MsgAuthenticate {
		m.mu.Unlock()
		return false
	}

	m.pending = append(m.pending, pendingMessage{msgType: msgType, fields: fields})
	m.logger.Debug("message queued until authenticated", "type", msgType, "queued", len(m.pending))

	// Nudge authentication once in case the auth message was lost.
	if m.state == StateAwaitingAuth && !m.authScheduled {
		m.authScheduled = true
		gen := m.generation
		m.authTimer = time.AfterFunc(m.opts.AuthRetryDelay, func() { m.sendAuthenticate(gen) })
	}
	m.mu.Unlock()
	return false
}

// Subscribe registers a handler for one message type and returns its
// unregistration handle. Reserved protocol types are never dispatched.
func (m *Manager) Subscribe(msgType string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.handlers[msgType] = append(m.handlers[msgType], handlerEntry{id: id, fn: h})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.handlers[msgType]
		for i, e := range entries {
			if e.id == id {
				m.handlers[msgType] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// OnConnected registers a hook invoked after every successful authentication.
// If the channel is already ready the hook fires immediately.
func (m *Manager) OnConnected(fn func()) func() {
	m.mu.Lock()
	ready := m.state == StateReady
	remove := m.addCallbackLocked(&m.connectedFns, fn)
	m.mu.Unlock()

	if ready {
		m.safeCall(fn)
	}
	return remove
}

// OnDisconnected registers a hook invoked whenever the transport drops.
func (m *Manager) OnDisconnected(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCallbackLocked(&m.disconnectedFns, fn)
}

// OnAuthenticated registers a hook invoked on every auth success.
func (m *Manager) OnAuthenticated(fn func()) func() {
	m.mu.Lock()
	ready := m.state == StateReady
	remove := m.addCallbackLocked(&m.authenticatedFns, fn)
	m.mu.Unlock()

	if ready {
		m.safeCall(fn)
	}
	return remove
}

func (m *Manager) addCallbackLocked(list *[]callback, fn func()) func() {
	m.nextID++
	id := m.nextID
	*list = append(*list, callback{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, c := range *list {
			if c.id == id {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

// Typed send helpers mirroring the outbound wire vocabulary.

// RequestAccounts asks for a full account list snapshot.
func (m *Manager) RequestAccounts() bool {
	return m.Send(MsgGetAllEmails, nil)
}

// CheckEmails starts asynchronous checks for the given accounts.
func (m *Manager) CheckEmails(ids []int64) bool {
	return m.Send(MsgCheckEmails, map[string]any{"email_ids": ids})
}

// DeleteEmails deletes the given accounts.
func (m *Manager) DeleteEmails(ids []int64) bool {
	return m.Send(MsgDeleteEmails, map[string]any{"email_ids": ids})
}

// AddEmail registers a new monitored account.
func (m *Manager) AddEmail(account models.EmailAccount) bool {
	return m.Send(MsgAddEmail, map[string]any{
		"email":         account.Email,
		"password":      account.Password,
		"client_id":     account.ClientID,
		"refresh_token": account.RefreshToken,
		"mail_type":     account.MailType,
	})
}

// RequestMailRecords asks for the records of one account.
func (m *Manager) RequestMailRecords(emailID int64) bool {
	return m.Send(MsgGetMailRecords, map[string]any{"email_id": emailID})
}

// ImportEmails bulk-imports accounts from line-oriented data.
func (m *Manager) ImportEmails(data, mailType string) bool {
	if mailType == "" {
		mailType = models.MailTypeDefault
	}
	return m.Send(MsgImportEmails, map[string]any{"data": data, "mail_type": mailType})
}

// --- connection lifecycle ---

func (m *Manager) startDialLocked() {
	m.state = StateConnecting
	m.generation++
	gen := m.generation
	go m.dial(gen)
}

func (m *Manager) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()

	m.logger.Info("opening event channel", "url", m.opts.URL)
	conn, err := m.dialer.Dial(ctx, m.opts.URL)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		if conn != nil {
			conn.Close(true)
		}
		return
	}
	if err != nil {
		m.logger.Error("failed to open event channel", "error", err)
		m.scheduleReconnectLocked()
		return
	}

	m.conn = conn
	m.state = StateAwaitingAuth
	m.authRetried = false
	m.authScheduled = false
	m.armSilenceWatchdogLocked(gen)

	// Short settle delay before authenticating so the server side has the
	// session fully registered.
	m.settleTimer = time.AfterFunc(m.opts.SettleDelay, func() { m.sendAuthenticate(gen) })

	go m.readLoop(gen, conn)
}

func (m *Manager) sendAuthenticate(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation || m.conn == nil || m.state != StateAwaitingAuth {
		return
	}

	token := m.tokens()
	if token == "" {
		m.logger.Warn("credential gone, closing event channel")
		m.teardownLocked(true)
		m.state = StateIdle
		return
	}

	if err := m.writeLocked(MsgAuthenticate, map[string]any{"token": token}); err != nil {
		m.logger.Error("failed to send authenticate", "error", err)
		m.dropConnectionLocked()
	}
}

func (m *Manager) readLoop(gen int, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(gen, err)
			return
		}
		m.handleMessage(gen, data)
	}
}

func (m *Manager) handleReadError(gen int, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}

	m.logger.Warn("event channel closed by peer", "error", err)
	m.clearTimersLocked()
	if m.conn != nil {
		m.conn.Close(false)
		m.conn = nil
	}
	m.generation++

	if isNormalClose(err) {
		m.state = StateIdle
	} else {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	m.notifyDisconnected()
}

func (m *Manager) handleMessage(gen int, data []byte) {
	msgType, err := peekType(data)
	if err != nil {
		m.logger.Error("discarding malformed message", "error", err)
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if m.silenceTimer != nil {
		m.silenceTimer.Reset(m.opts.MaxSilence)
	}
	m.mu.Unlock()

	switch msgType {
	case MsgHeartbeatResponse:
		m.handleHeartbeatResponse(gen)
	case MsgAuthResult:
		m.handleAuthResult(gen, data)
	case MsgConnectionEstablished:
		m.logger.Debug("server confirmed connection")
	default:
		m.dispatch(msgType, data)
	}
}

func (m *Manager) handleAuthResult(gen int, data []byte) {
	var result AuthResult
	if err := json.Unmarshal(data, &result); err != nil {
		m.logger.Error("failed to decode auth result", "error", err)
		return
	}

	if !result.Success {
		m.logger.Warn("authentication rejected", "error", result.Error)
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation {
			return
		}
		if m.tokens() == "" {
			m.teardownLocked(true)
			m.state = StateIdle
			return
		}
		if m.authRetried {
			// One retry only; the silence watchdog recycles the
			// connection if the server keeps refusing.
			return
		}
		m.authRetried = true
		m.authTimer = time.AfterFunc(m.opts.AuthRetryDelay, func() { m.sendAuthenticate(gen) })
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}

	m.state = StateReady
	m.attempts = 0
	m.failedNotified = false
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	m.authScheduled = false
	m.stopHeartbeat = make(chan struct{})
	go m.heartbeatLoop(gen, m.stopHeartbeat)

	// Flush messages queued before authentication, in enqueue order.
	drained := m.pending
	m.pending = nil
	for i, p := range drained {
		if err := m.writeLocked(p.msgType, p.fields); err != nil {
			m.logger.Error("failed to flush queued message", "type", p.msgType, "error", err)
			m.pending = drained[i+1:]
			m.dropConnectionLocked()
			m.mu.Unlock()
			m.notifyDisconnected()
			return
		}
	}
	m.logger.Info("event channel ready", "flushed", len(drained))
	m.mu.Unlock()

	m.notifyAuthenticated()
	m.notifyConnected()
}

func (m *Manager) heartbeatLoop(gen int, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if gen != m.generation || m.state != StateReady {
			m.mu.Unlock()
			return
		}
		if err := m.writeLocked(MsgHeartbeat, nil); err != nil {
			m.logger.Error("failed to send heartbeat", "error", err)
			m.dropConnectionLocked()
			m.mu.Unlock()
			m.notifyDisconnected()
			return
		}
		if m.pongTimer == nil {
			m.pongTimer = time.AfterFunc(m.opts.HeartbeatTimeout, func() {
				m.forceReconnect(gen, "heartbeat timeout")
			})
		}
		m.mu.Unlock()
	}
}

func (m *Manager) handleHeartbeatResponse(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
}

func (m *Manager) armSilenceWatchdogLocked(gen int) {
	m.silenceTimer = time.AfterFunc(m.opts.MaxSilence, func() {
		m.forceReconnect(gen, "no traffic within max silence window")
	})
}

func (m *Manager) forceReconnect(gen int, reason string) {
	m.mu.Lock()
	if gen != m.generation || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("recycling event channel", "reason", reason)
	m.dropConnectionLocked()
	m.mu.Unlock()

	m.notifyDisconnected()
}

// dropConnectionLocked abandons the live connection and schedules a
// reconnect attempt.
func (m *Manager) dropConnectionLocked() {
	m.clearTimersLocked()
	if m.conn != nil {
		m.conn.Close(false)
		m.conn = nil
	}
	m.generation++
	m.scheduleReconnectLocked()
}

// teardownLocked closes the connection without scheduling anything.
func (m *Manager) teardownLocked(normal bool) {
	m.clearTimersLocked()
	if m.conn != nil {
		m.conn.Close(normal)
		m.conn = nil
	}
	m.generation++
}

func (m *Manager) clearTimersLocked() {
	for _, t := range []**time.Timer{&m.settleTimer, &m.authTimer, &m.pongTimer, &m.silenceTimer, &m.reconnectTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
}

func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.opts.ReconnectAttempts {
		m.state = StateFailed
		if !m.failedNotified {
			m.failedNotified = true
			m.logger.Error("reconnect attempts exhausted", "attempts", m.attempts)
			go m.dispatchSyntheticError("unable to reach the realtime server, giving up until reconnected explicitly")
		}
		return
	}

	delay := m.backoff(m.attempts)
	m.attempts++
	m.state = StateReconnecting
	m.logger.Info("reconnect scheduled",
		"attempt", m.attempts,
		"max", m.opts.ReconnectAttempts,
		"delay", delay,
	)
	m.reconnectTimer = time.AfterFunc(delay, m.redial)
}

func (m *Manager) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return m.opts.ReconnectCap
	}
	delay := m.opts.ReconnectBase << uint(attempt)
	if delay <= 0 || delay > m.opts.ReconnectCap {
		return m.opts.ReconnectCap
	}
	return delay
}

func (m *Manager) redial() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateReconnecting {
		return
	}
	if m.tokens() == "" {
		m.logger.Warn("credential gone, abandoning reconnect")
		m.state = StateIdle
		return
	}
	m.startDialLocked()
}

func (m *Manager) writeLocked(msgType string, fields map[string]any) error {
	data, err := encodeMessage(msgType, fields)
	if err != nil {
		return err
	}
	return m.conn.WriteMessage(data)
}

// --- fan-out ---

func (m *Manager) dispatch(msgType string, raw []byte) {
	m.mu.Lock()
	entries := make([]handlerEntry, len(m.handlers[msgType]))
	copy(entries, m.handlers[msgType])
	m.mu.Unlock()

	for _, e := range entries {
		m.safeDispatch(msgType, e.fn, raw)
	}
}

func (m *Manager) safeDispatch(msgType string, fn Handler, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener panicked", "type", msgType, "panic", r)
		}
	}()
	fn(raw)
}

func (m *Manager) dispatchSyntheticError(message string) {
	data, err := encodeMessage(MsgError, map[string]any{"message": message})
	if err != nil {
		return
	}
	m.dispatch(MsgError, data)
}

func (m *Manager) notifyConnected() {
	for _, fn := range m.snapshotCallbacks(&m.connectedFns) {
		m.safeCall(fn)
	}
}

func (m *Manager) notifyDisconnected() {
	for _, fn := range m.snapshotCallbacks(&m.disconnectedFns) {
		m.safeCall(fn)
	}
}

func (m *Manager) notifyAuthenticated() {
	for _, fn := range m.snapshotCallbacks(&m.authenticatedFns) {
		m.safeCall(fn)
	}
}

func (m *Manager) snapshotCallbacks(list *[]callback) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	fns := make([]func(), len(*list))
	for i, c := range *list {
		fns[i] = c.fn
	}
	return fns
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("lifecycle callback panicked", "panic", r)
		}
	}()
	fn()
}
