package plug

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"govee-plugctl/internal/ble"
	"govee-plugctl/internal/profile"
	"govee-plugctl/internal/protocol"
)

// mockCharacteristic records writes and allows subscribing. onWrite,
// when set, runs after each recorded write (outside the lock) so tests
// can emulate device behavior.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	onWrite  func([]byte)
	writeErr error
}

func (c *mockCharacteristic) Write(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	c.mu.Lock()
	c.writes = append(c.writes, cp)
	hook := c.onWrite
	err := c.writeErr
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SimulateNotification delivers a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// mockConnection simulates a BLE connection with the plug's two
// characteristics.
type mockConnection struct {
	mu           sync.Mutex
	sendChar     *mockCharacteristic
	recvChar     *mockCharacteristic
	prof         *profile.Profile
	disconnectCb func()
	disconnected bool
}

func newMockConnection(prof *profile.Profile) *mockConnection {
	return &mockConnection{
		prof:     prof,
		sendChar: &mockCharacteristic{},
		recvChar: &mockCharacteristic{},
	}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	switch charUUID {
	case c.prof.SendCharUUID:
		return c.sendChar, nil
	case c.prof.RecvCharUUID:
		return c.recvChar, nil
	default:
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the BLE adapter. Each Connect creates a fresh
// connection and passes it to onConnect so tests can attach a device
// simulator.
type mockAdapter struct {
	mu           sync.Mutex
	prof         *profile.Profile
	devices      []ble.Device
	conns        []*mockConnection
	connectErr   error
	connectCalls int
	onConnect    func(*mockConnection)
}

func newMockAdapter(prof *profile.Profile) *mockAdapter {
	return &mockAdapter{prof: prof}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(_ context.Context) ([]ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.devices, nil
}

func (a *mockAdapter) Watch(ctx context.Context, fn func(ble.Device)) error {
	a.mu.Lock()
	devices := a.devices
	a.mu.Unlock()
	for _, d := range devices {
		fn(d)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (ble.Connection, error) {
	a.mu.Lock()
	a.connectCalls++
	err := a.connectErr
	hook := a.onConnect
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	conn := newMockConnection(a.prof)
	if hook != nil {
		hook(conn)
	}
	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()
	return conn, nil
}

// latestConnection returns the most recently created connection.
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectCalls
}

// mkFrame builds a valid XOR-checksummed frame from leading bytes.
func mkFrame(b ...byte) []byte {
	f := make([]byte, protocol.FrameSize)
	copy(f, b)
	var c byte
	for _, v := range f[:protocol.FrameSize-1] {
		c ^= v
	}
	f[protocol.FrameSize-1] = c
	return f
}

// plugSim emulates a plug behind a mock connection: it acks auth,
// applies and echoes power commands, and answers queries.
type plugSim struct {
	prof *profile.Profile

	mu          sync.Mutex
	stateByte   byte
	deciwatts   uint16
	muteAuth    bool // swallow auth frames
	mutePower   bool // swallow power frames (no ack)
	powerWrites int
	// onPowerWrite, when set, runs for each power write with its 1-based
	// ordinal; returning false swallows the write.
	onPowerWrite func(conn *mockConnection, n int) bool
}

func newPlugSim(prof *profile.Profile) *plugSim {
	return &plugSim{prof: prof}
}

// attach wires the sim to a connection. Use as the adapter's onConnect
// hook so reconnects get simulated too.
func (s *plugSim) attach(conn *mockConnection) {
	conn.sendChar.onWrite = func(data []byte) {
		s.handle(conn, data)
	}
}

func (s *plugSim) handle(conn *mockConnection, data []byte) {
	if len(data) != protocol.FrameSize {
		return
	}
	l := s.prof.Layout

	switch {
	case data[0] == 0x33 && data[1] == 0xB2: // auth
		s.mu.Lock()
		mute := s.muteAuth
		s.mu.Unlock()
		if !mute {
			conn.recvChar.SimulateNotification(mkFrame(0x33, 0xB2))
		}

	case data[0] == 0x33 && data[1] == 0x01: // set power
		s.mu.Lock()
		s.powerWrites++
		n := s.powerWrites
		hook := s.onPowerWrite
		mute := s.mutePower
		s.mu.Unlock()
		if hook != nil && !hook(conn, n) {
			return
		}
		if mute {
			return
		}
		b := data[2]
		s.mu.Lock()
		for i, v := range l.PowerOn {
			if v == b {
				s.stateByte |= l.StatusBits[i]
			}
		}
		for i, v := range l.PowerOff {
			if v == b {
				s.stateByte &^= l.StatusBits[i]
			}
		}
		s.mu.Unlock()
		conn.recvChar.SimulateNotification(mkFrame(0x33, 0x01, b))

	case data[0] == 0xAA && data[1] == 0x01: // query state
		s.mu.Lock()
		b := s.stateByte
		s.mu.Unlock()
		conn.recvChar.SimulateNotification(mkFrame(0xAA, 0x01, b))

	case l.EnergySubOp != 0 && data[0] == 0xAA && data[1] == l.EnergySubOp: // query energy
		s.mu.Lock()
		dw := s.deciwatts
		s.mu.Unlock()
		var payload [2]byte
		binary.BigEndian.PutUint16(payload[:], dw)
		conn.recvChar.SimulateNotification(mkFrame(0xAA, l.EnergySubOp, payload[0], payload[1]))
	}
}

// powerWriteCount reports how many power frames the sim has seen.
func (s *plugSim) powerWriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerWrites
}

const (
	testAddr  = "AA:BB:CC:DD:EE:FF"
	testToken = "000102030405060708090a0b0c0d0e0f"
)

// mkTestDevice builds an advertisement whose packed state byte is b.
func mkTestDevice(b byte) ble.Device {
	return ble.Device{
		Name:             "ihoment_H5082_TEST",
		MAC:              testAddr,
		RSSI:             -50,
		ManufacturerData: []byte{0xDE, 0xAD, b},
	}
}

func mustProfile(t *testing.T, model profile.Model) *profile.Profile {
	t.Helper()
	prof, err := profile.Lookup(model)
	if err != nil {
		t.Fatalf("Lookup(%s) error = %v", model, err)
	}
	return prof
}

// newTestPlug builds a plug over a simulated device. Returns the plug,
// the adapter, and the sim for test control.
func newTestPlug(t *testing.T, model profile.Model) (*Plug, *mockAdapter, *plugSim) {
	t.Helper()
	prof := mustProfile(t, model)
	adapter := newMockAdapter(prof)
	sim := newPlugSim(prof)
	adapter.onConnect = sim.attach

	p, err := NewPlug(adapter, testAddr, model, testToken, testOptions())
	if err != nil {
		t.Fatalf("NewPlug() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, adapter, sim
}

// testOptions keeps test timing tight.
func testOptions() Options {
	return Options{
		ConnectTimeout: 500 * time.Millisecond,
		CommandTimeout: 500 * time.Millisecond,
		MaxRetries:     2,
		RetryDelay:     5 * time.Millisecond,
		ReconnectMax:   1,
	}
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ ble.Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ ble.Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ ble.Characteristic = (*mockCharacteristic)(nil)
}
