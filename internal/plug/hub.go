package plug

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"govee-plugctl/internal/ble"
	"govee-plugctl/internal/profile"
	"govee-plugctl/internal/protocol"
)

// ErrUnknownDevice is returned for addresses the hub has no plug for.
var ErrUnknownDevice = errors.New("plug: unknown device")

// Hub drives multiple plugs concurrently, one connection manager per
// device, keyed by transport address.
type Hub struct {
	adapter ble.Adapter
	opts    Options

	mu    sync.Mutex
	plugs map[string]*Plug
}

// NewHub creates an empty hub. opts apply to every added plug.
func NewHub(adapter ble.Adapter, opts Options) *Hub {
	return &Hub{
		adapter: adapter,
		opts:    opts,
		plugs:   make(map[string]*Plug),
	}
}

// Add registers a paired device and returns its plug.
func (h *Hub) Add(addr string, model profile.Model, tokenHex string) (*Plug, error) {
	p, err := NewPlug(h.adapter, addr, model, tokenHex, h.opts)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.plugs[addr]; ok {
		return nil, fmt.Errorf("plug: device %s already added", addr)
	}
	h.plugs[addr] = p
	return p, nil
}

// Get returns the plug for an address.
func (h *Hub) Get(addr string) (*Plug, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.plugs[addr]
	return p, ok
}

// Execute runs a command against the device at addr.
func (h *Hub) Execute(ctx context.Context, addr string, cmd protocol.Command) error {
	p, ok := h.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	return p.Execute(ctx, cmd)
}

// State returns the last-known state of the device at addr.
func (h *Hub) State(addr string) (DeviceState, error) {
	p, ok := h.Get(addr)
	if !ok {
		return DeviceState{}, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	return p.State(), nil
}

// OnStateChanged registers a push callback for the device at addr.
func (h *Hub) OnStateChanged(addr string, fn func(DeviceState)) error {
	p, ok := h.Get(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	p.OnStateChanged(fn)
	return nil
}

// Watch streams advertisements until ctx is done, feeding each one to
// the matching plug's passive state decode.
func (h *Hub) Watch(ctx context.Context) error {
	if err := h.adapter.Enable(); err != nil {
		return fmt.Errorf("plug: enable adapter: %w", err)
	}
	return h.adapter.Watch(ctx, func(d ble.Device) {
		if p, ok := h.Get(d.MAC); ok {
			p.HandleAdvertisement(d)
		}
	})
}

// Close closes every plug. The first error wins.
func (h *Hub) Close() error {
	h.mu.Lock()
	plugs := make([]*Plug, 0, len(h.plugs))
	for _, p := range h.plugs {
		plugs = append(plugs, p)
	}
	h.mu.Unlock()

	var first error
	for _, p := range plugs {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
