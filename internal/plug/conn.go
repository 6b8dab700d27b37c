package plug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"govee-plugctl/internal/ble"
	"govee-plugctl/internal/profile"
	"govee-plugctl/internal/protocol"
)

var (
	ErrUnreachable     = errors.New("plug: device unreachable")
	ErrSubscribeFailed = errors.New("plug: notification subscribe failed")
	ErrAuthFailed      = errors.New("plug: device rejected auth token")
	ErrBusy            = errors.New("plug: command already in flight")
	ErrNotConnected    = errors.New("plug: not connected")
	ErrStaleHandle     = errors.New("plug: stale connection handle")
	ErrConnectionLost  = errors.New("plug: connection lost")
	ErrClosed          = errors.New("plug: plug closed")
)

// ConnState is the connection manager's lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handle identifies one transport session. A new handle is issued on
// every successful (re)connect; a write through an old handle fails
// with ErrStaleHandle, so callers can never reach a dead session.
type Handle struct {
	gen uint64
}

// connManager owns the lifecycle of a single BLE connection to one
// device: connect, subscribe, authenticate, write frames, and
// reconnect with backoff on link loss.
type connManager struct {
	adapter ble.Adapter
	addr    string
	prof    *profile.Profile
	token   []byte

	connectTimeout time.Duration
	reconnectMax   int // backoff ceiling in seconds

	// notify receives every raw notification payload, in arrival order.
	// onDown is invoked when the link drops so the orchestrator can fail
	// its pending request. Both are set once, before Connect.
	notify func(data []byte)
	onDown func(err error)

	// connectMu serializes establish attempts (initial connect vs
	// reconnect loop).
	connectMu sync.Mutex

	mu       sync.Mutex
	state    ConnState
	gen      uint64
	conn     ble.Connection
	sendChar ble.Characteristic
	inflight bool
	authCh   chan struct{} // non-nil while awaiting the auth ack

	reconnecting atomic.Bool
	closed       atomic.Bool
}

func newConnManager(adapter ble.Adapter, addr string, prof *profile.Profile, token []byte, connectTimeout time.Duration, reconnectMax int) *connManager {
	return &connManager{
		adapter:        adapter,
		addr:           addr,
		prof:           prof,
		token:          token,
		connectTimeout: connectTimeout,
		reconnectMax:   reconnectMax,
	}
}

// State returns the current lifecycle state.
func (m *connManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle returns the current session handle, if connected.
func (m *connManager) Handle() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return Handle{}, false
	}
	return Handle{gen: m.gen}, true
}

// Connect ensures an authenticated session exists. No-op when already
// connected.
func (m *connManager) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.establish(ctx)
}

// establish opens the transport session, subscribes to notifications,
// and runs the auth handshake. On success the manager is Connected with
// a fresh handle generation.
func (m *connManager) establish(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateDisconnected {
		m.state = StateConnecting
	}
	authCh := make(chan struct{})
	m.authCh = authCh
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.authCh = nil
		m.mu.Unlock()
		return err
	}

	if err := m.adapter.Enable(); err != nil {
		return fail(fmt.Errorf("plug: enable adapter: %w", err))
	}

	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	conn, err := m.adapter.Connect(cctx, m.addr)
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %v", ErrUnreachable, m.addr, err))
	}

	sendChar, err := conn.DiscoverCharacteristic(m.prof.ServiceUUID, m.prof.SendCharUUID)
	if err != nil {
		conn.Disconnect()
		return fail(fmt.Errorf("plug: discover send characteristic: %w", err))
	}
	recvChar, err := conn.DiscoverCharacteristic(m.prof.ServiceUUID, m.prof.RecvCharUUID)
	if err != nil {
		conn.Disconnect()
		return fail(fmt.Errorf("plug: discover recv characteristic: %w", err))
	}

	// Notifications are forwarded in arrival order; the dispatch path
	// must stay fast and non-blocking.
	if err := recvChar.Subscribe(m.handleNotification); err != nil {
		conn.Disconnect()
		return fail(fmt.Errorf("%w: %v", ErrSubscribeFailed, err))
	}

	// Authenticate before exposing the session. The device answers the
	// token frame with an auth ack notification.
	authFrame, err := protocol.EncodeAuth(m.prof.Layout, m.token)
	if err != nil {
		conn.Disconnect()
		return fail(err)
	}
	if err := sendChar.Write(authFrame[:]); err != nil {
		conn.Disconnect()
		return fail(fmt.Errorf("plug: write auth frame: %w", err))
	}

	select {
	case <-authCh:
	case <-cctx.Done():
		conn.Disconnect()
		return fail(fmt.Errorf("%w: no auth ack: %v", ErrAuthFailed, cctx.Err()))
	}

	conn.OnDisconnect(m.handleDisconnect)

	m.mu.Lock()
	m.gen++
	m.conn = conn
	m.sendChar = sendChar
	m.inflight = false
	m.state = StateConnected
	m.authCh = nil
	m.mu.Unlock()

	slog.Info("[plug] connected", "addr", m.addr, "model", m.prof.Model)
	return nil
}

// handleNotification forwards a raw notification to the registered
// decode-and-dispatch callback.
func (m *connManager) handleNotification(data []byte) {
	if m.notify != nil {
		m.notify(data)
	}
}

// noteAuthAccepted signals a pending auth handshake. Called by the
// dispatcher when it decodes the auth ack.
func (m *connManager) noteAuthAccepted() {
	m.mu.Lock()
	ch := m.authCh
	m.authCh = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Send writes a frame to the command characteristic. Enforces
// single-in-flight discipline: a second Send while one is outstanding
// fails immediately with ErrBusy rather than queuing silently.
func (m *connManager) Send(h Handle, frame protocol.Frame) error {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if h.gen != m.gen {
		m.mu.Unlock()
		return ErrStaleHandle
	}
	if m.inflight {
		m.mu.Unlock()
		return ErrBusy
	}
	m.inflight = true
	sendChar := m.sendChar
	m.mu.Unlock()

	if err := sendChar.Write(frame[:]); err != nil {
		m.sendDone()
		return fmt.Errorf("plug: write frame: %w", err)
	}
	return nil
}

// sendDone releases the single-in-flight slot. The orchestrator calls
// it when the pending request resolves, times out, or is cancelled.
func (m *connManager) sendDone() {
	m.mu.Lock()
	m.inflight = false
	m.mu.Unlock()
}

// handleDisconnect runs on transport-reported link loss. It invalidates
// the handle, fails the pending request, and starts the reconnect loop.
func (m *connManager) handleDisconnect() {
	if m.closed.Load() {
		return
	}

	m.mu.Lock()
	if m.state != StateConnected {
		// Drop events for sessions we already tore down.
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.conn = nil
	m.sendChar = nil
	m.inflight = false
	m.gen++ // stale handles must not be writable
	m.mu.Unlock()

	slog.Warn("[plug] disconnected, reconnecting...", "addr", m.addr)

	if m.onDown != nil {
		m.onDown(ErrConnectionLost)
	}

	// Only one reconnect goroutine at a time.
	if m.reconnecting.CompareAndSwap(false, true) {
		go m.reconnectLoop()
	}
}

// reconnectLoop attempts to re-establish the session with exponential
// backoff until it succeeds or the plug is closed.
func (m *connManager) reconnectLoop() {
	defer m.reconnecting.Store(false)

	for attempt := 0; ; attempt++ {
		if m.closed.Load() {
			return
		}
		// First attempt is immediate; subsequent attempts back off.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, m.reconnectMax)
			slog.Info("[plug] reconnect backoff", "addr", m.addr, "attempt", attempt+1, "delay", delay)
			time.Sleep(delay)
			if m.closed.Load() {
				return
			}
		}

		if err := m.establish(context.Background()); err != nil {
			slog.Warn("[plug] reconnect failed", "addr", m.addr, "attempt", attempt+1, "error", err)
			continue
		}

		slog.Info("[plug] reconnected", "addr", m.addr)
		return
	}
}

// Close tears the session down for good. Any running reconnect loop
// exits on its next closed check.
func (m *connManager) Close() error {
	m.closed.Store(true)

	m.mu.Lock()
	m.state = StateDisconnecting
	conn := m.conn
	m.conn = nil
	m.sendChar = nil
	m.inflight = false
	m.gen++
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}

// backoffDelay returns the reconnection delay for attempt n, doubling
// from one second and capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt > 30 {
		// 1<<attempt would overflow; it is far past the cap anyway.
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
