package plug

import (
	"sync"
	"time"

	"govee-plugctl/internal/protocol"
)

// OutletState is one outlet's last-known power state. Known is false
// until the first report from the device.
type OutletState struct {
	Known bool
	On    bool
}

// DeviceState is the last locally-known device state. Callers must
// tolerate staleness between a physical change and its notification.
type DeviceState struct {
	Outlets   []OutletState
	Watts     float64
	HasEnergy bool // Watts has been reported at least once
	Seq       uint64
	UpdatedAt time.Time
}

// stateCache owns the DeviceState. It is mutated only through apply;
// everyone else gets snapshots.
type stateCache struct {
	mu   sync.Mutex
	st   DeviceState
	subs []func(DeviceState)
}

func newStateCache(outlets int) *stateCache {
	return &stateCache{
		st: DeviceState{Outlets: make([]OutletState, outlets)},
	}
}

// apply folds a decoded event into the state, bumping the sequence
// marker, and notifies subscribers. Idempotent on the state fields:
// re-applying the same event only advances the marker. Events the cache
// does not track are ignored.
func (c *stateCache) apply(ev protocol.Event) {
	c.mu.Lock()
	switch e := ev.(type) {
	case protocol.PowerState:
		if e.Outlet < 0 || e.Outlet >= len(c.st.Outlets) {
			c.mu.Unlock()
			return
		}
		c.st.Outlets[e.Outlet] = OutletState{Known: true, On: e.On}
	case protocol.StateReport:
		for i := range c.st.Outlets {
			if i < len(e.Outlets) {
				c.st.Outlets[i] = OutletState{Known: true, On: e.Outlets[i]}
			}
		}
	case protocol.EnergyReading:
		c.st.Watts = e.Watts
		c.st.HasEnergy = true
	default:
		c.mu.Unlock()
		return
	}
	c.st.Seq++
	c.st.UpdatedAt = time.Now()
	st := c.copyLocked()
	subs := c.subs
	c.mu.Unlock()

	// Callbacks run outside the lock and must not block; they are on
	// the notification delivery path.
	for _, fn := range subs {
		fn(st)
	}
}

// snapshot returns a non-blocking copy of the current state.
func (c *stateCache) snapshot() DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLocked()
}

func (c *stateCache) copyLocked() DeviceState {
	st := c.st
	st.Outlets = append([]OutletState(nil), c.st.Outlets...)
	return st
}

// subscribe registers a push callback for state changes.
func (c *stateCache) subscribe(fn func(DeviceState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}
