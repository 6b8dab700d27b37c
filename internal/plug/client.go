// Package plug implements the control layer for Govee BLE smart plugs:
// a connection manager with reconnect and single-in-flight discipline,
// a locally cached device state, and a command orchestrator with
// acknowledgement, timeout, and retry semantics. One Plug drives one
// physical device; devices are fully independent.
package plug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"govee-plugctl/internal/ble"
	"govee-plugctl/internal/profile"
	"govee-plugctl/internal/protocol"
)

// ErrTimeout marks an attempt that saw no confirmation in time.
var ErrTimeout = errors.New("plug: command timed out")

// CommandError is the terminal failure of an Execute call: the error
// kind that caused termination and how many transport attempts were
// made. Attempts is zero when the command was rejected before any
// transport involvement.
type CommandError struct {
	Attempts int
	Err      error
}

func (e *CommandError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("plug: command rejected: %v", e.Err)
	}
	return fmt.Sprintf("plug: command failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Options configures a Plug's timing and retry behavior.
type Options struct {
	ConnectTimeout time.Duration // per connect attempt
	CommandTimeout time.Duration // per command attempt, not per Execute
	MaxRetries     int           // retries after the first attempt
	RetryDelay     time.Duration // base delay between attempts, doubled each retry
	ReconnectMax   int           // reconnect backoff ceiling in seconds
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 2 * time.Second,
		MaxRetries:     2,
		RetryDelay:     200 * time.Millisecond,
		ReconnectMax:   30,
	}
}

// pendingRequest correlates the single in-flight command with the
// Execute call awaiting its confirmation.
type pendingRequest struct {
	cmd  protocol.Command
	done chan error // buffered; closed never, written at most once
}

// Plug is the command orchestrator for one device. Safe for concurrent
// use; commands are serialized because the link is single-in-flight.
type Plug struct {
	addr  string
	prof  *profile.Profile
	conn  *connManager
	cache *stateCache
	opts  Options

	// execMu serializes Execute callers; at most one pending request
	// exists per device.
	execMu sync.Mutex

	mu      sync.Mutex
	pending *pendingRequest
}

// NewPlug creates the orchestrator for one paired device. The token is
// the hex auth key obtained by pairing. Unknown models and malformed
// tokens are configuration errors, rejected here rather than at
// command time.
func NewPlug(adapter ble.Adapter, addr string, model profile.Model, tokenHex string, opts Options) (*Plug, error) {
	prof, err := profile.Lookup(model)
	if err != nil {
		return nil, err
	}
	token, err := protocol.ParseToken(tokenHex)
	if err != nil {
		return nil, fmt.Errorf("plug: %s: %w", addr, err)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}

	p := &Plug{
		addr:  addr,
		prof:  prof,
		cache: newStateCache(prof.OutletCount),
		opts:  opts,
	}
	p.conn = newConnManager(adapter, addr, prof, token, opts.ConnectTimeout, opts.ReconnectMax)
	p.conn.notify = p.dispatch
	p.conn.onDown = p.failPending
	return p, nil
}

// Address returns the device's transport address.
func (p *Plug) Address() string { return p.addr }

// Profile returns the device's model profile.
func (p *Plug) Profile() *profile.Profile { return p.prof }

// State returns a snapshot of the last-known device state.
func (p *Plug) State() DeviceState { return p.cache.snapshot() }

// ConnState returns the connection manager's lifecycle state.
func (p *Plug) ConnState() ConnState { return p.conn.State() }

// OnStateChanged registers a push callback for state updates. The
// callback runs on the notification path and must not block.
func (p *Plug) OnStateChanged(fn func(DeviceState)) { p.cache.subscribe(fn) }

// Connect eagerly establishes the connection. Execute connects on
// demand, so this is optional.
func (p *Plug) Connect(ctx context.Context) error { return p.conn.Connect(ctx) }

// Close disconnects and stops any reconnect loop.
func (p *Plug) Close() error {
	p.failPending(ErrClosed)
	return p.conn.Close()
}

// TurnOn asserts outlet on.
func (p *Plug) TurnOn(ctx context.Context, outlet int) error {
	return p.Execute(ctx, protocol.SetPower{Outlet: outlet, On: true})
}

// TurnOff asserts outlet off.
func (p *Plug) TurnOff(ctx context.Context, outlet int) error {
	return p.Execute(ctx, protocol.SetPower{Outlet: outlet, On: false})
}

// Refresh queries the device for its current outlet states.
func (p *Plug) Refresh(ctx context.Context) error {
	return p.Execute(ctx, protocol.QueryState{})
}

// ReadEnergy queries instantaneous power draw (metering models only).
func (p *Plug) ReadEnergy(ctx context.Context) (float64, error) {
	if err := p.Execute(ctx, protocol.QueryEnergy{}); err != nil {
		return 0, err
	}
	return p.cache.snapshot().Watts, nil
}

// Execute runs a command with the plug's default timeout and retry
// policy.
func (p *Plug) Execute(ctx context.Context, cmd protocol.Command) error {
	return p.ExecuteWith(ctx, cmd, p.opts.CommandTimeout, p.opts.MaxRetries)
}

// ExecuteWith runs a command with an explicit per-attempt timeout and
// retry bound. It validates against the device profile, ensures a
// connection, sends the frame, and resolves once the state change or
// reading is confirmed. Transport failures and timeouts are retried up
// to maxRetries times with backoff; the terminal failure reports the
// last error and the attempt count.
func (p *Plug) ExecuteWith(ctx context.Context, cmd protocol.Command, timeout time.Duration, maxRetries int) error {
	// Configuration errors fail fast, with no transport involvement.
	if !p.prof.Supports(cmd.Kind()) {
		return &CommandError{Err: fmt.Errorf("%w: %s for %s", protocol.ErrUnsupportedCommand, cmd.Kind(), p.prof.Model)}
	}
	if sp, ok := cmd.(protocol.SetPower); ok && !p.prof.ValidOutlet(sp.Outlet) {
		return &CommandError{Err: fmt.Errorf("%w: outlet %d on %s", protocol.ErrInvalidOutlet, sp.Outlet, p.prof.Model)}
	}
	frame, err := protocol.Encode(p.prof.Layout, cmd)
	if err != nil {
		return &CommandError{Err: err}
	}

	p.execMu.Lock()
	defer p.execMu.Unlock()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.opts.RetryDelay << uint(attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attempts++
		err := p.attempt(ctx, cmd, frame, timeout)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Caller cancelled; abort locally. A late confirmation on
			// the radio is ignored because the pending request is gone.
			return ctx.Err()
		}
		lastErr = err
		slog.Warn("[plug] attempt failed", "addr", p.addr, "command", cmd.Kind(), "attempt", attempts, "error", err)
	}

	return &CommandError{Attempts: attempts, Err: lastErr}
}

// attempt performs one connect-send-await cycle.
func (p *Plug) attempt(ctx context.Context, cmd protocol.Command, frame protocol.Frame, timeout time.Duration) error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.conn.Connect(actx); err != nil {
		return err
	}
	h, ok := p.conn.Handle()
	if !ok {
		return ErrNotConnected
	}

	// Register the pending request before writing so a fast ack cannot
	// race past correlation.
	req := &pendingRequest{cmd: cmd, done: make(chan error, 1)}
	p.mu.Lock()
	p.pending = req
	p.mu.Unlock()

	clear := func() {
		p.mu.Lock()
		if p.pending == req {
			p.pending = nil
		}
		p.mu.Unlock()
	}

	if err := p.conn.Send(h, frame); err != nil {
		clear()
		return err
	}

	select {
	case err := <-req.done:
		clear()
		p.conn.sendDone()
		return err
	case <-actx.Done():
		clear()
		p.conn.sendDone()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTimeout
	}
}

// dispatch is the decode-and-dispatch callback registered with the
// connection manager. It runs on the notification delivery path:
// decode, cache update, and correlation only, nothing blocking.
func (p *Plug) dispatch(data []byte) {
	ev, err := protocol.Decode(p.prof.Layout, data)
	if err != nil {
		// Checksum and length failures discard the frame, never fatal.
		slog.Warn("[plug] dropping bad frame", "addr", p.addr, "error", err)
		return
	}

	switch e := ev.(type) {
	case protocol.AuthAccepted:
		p.conn.noteAuthAccepted()
		return
	case protocol.AuthKey:
		// Pairing runs over its own connection; stray key frames here
		// are ignored.
		return
	case protocol.Unrecognized:
		slog.Debug("[plug] unrecognized frame", "addr", p.addr, "op", fmt.Sprintf("0x%02x", e.Op), "sub", fmt.Sprintf("0x%02x", e.Sub))
		return
	}

	p.handleEvent(ev)
}

// handleEvent applies a state-bearing event to the cache and resolves
// the pending request when the event confirms it.
func (p *Plug) handleEvent(ev protocol.Event) {
	p.cache.apply(ev)

	p.mu.Lock()
	req := p.pending
	p.mu.Unlock()
	if req == nil || !confirms(req.cmd, ev) {
		return
	}
	select {
	case req.done <- nil:
	default:
	}
}

// HandleAdvertisement feeds a passively observed advertisement into the
// state cache. The plugs broadcast their packed state byte in
// manufacturer data, so state stays roughly current without a
// connection.
func (p *Plug) HandleAdvertisement(d ble.Device) {
	states := p.prof.DecodeAdvertisement(d.ManufacturerData)
	if states == nil {
		return
	}
	p.handleEvent(protocol.StateReport{Outlets: states})
}

// failPending fails the in-flight request, if any. Called by the
// connection manager on link loss and by Close.
func (p *Plug) failPending(err error) {
	p.mu.Lock()
	req := p.pending
	p.pending = nil
	p.mu.Unlock()
	if req == nil {
		return
	}
	select {
	case req.done <- err:
	default:
	}
}

// confirms reports whether an event is the confirmation for a command:
// a set resolves once the reported state reflects the requested change,
// a query resolves on receipt of the corresponding reading.
func confirms(cmd protocol.Command, ev protocol.Event) bool {
	switch c := cmd.(type) {
	case protocol.SetPower:
		switch e := ev.(type) {
		case protocol.PowerState:
			return e.Outlet == c.Outlet && e.On == c.On
		case protocol.StateReport:
			return c.Outlet < len(e.Outlets) && e.Outlets[c.Outlet] == c.On
		}
	case protocol.QueryState:
		_, ok := ev.(protocol.StateReport)
		return ok
	case protocol.QueryEnergy:
		_, ok := ev.(protocol.EnergyReading)
		return ok
	}
	return false
}
