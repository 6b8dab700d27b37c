// Package ble provides the BLE transport layer for communicating with
// Govee smart plugs. It defines narrow interfaces over the radio stack
// (adapter, connection, characteristic) so the protocol and connection
// management layers can be tested against mocks, plus an implementation
// backed by tinygo-org/bluetooth.
package ble

import "context"

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents an observed BLE peripheral. ManufacturerData is the
// payload of the first manufacturer-specific advertisement field, which
// Govee plugs use to broadcast outlet state.
type Device struct {
	Name             string
	MAC              string
	RSSI             int
	ManufacturerData []byte
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers advertising BLE peripherals until ctx is cancelled,
	// reporting each named peripheral once.
	Scan(ctx context.Context) ([]Device, error)
	// Watch streams advertisements until ctx is cancelled, invoking fn for
	// every advertisement received, including repeats from the same
	// peripheral. Used for passive state updates.
	Watch(ctx context.Context, fn func(Device)) error
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
