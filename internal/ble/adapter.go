// Package ble provides the Bluetooth Low Energy transport that lets a
// hardware-wallet SDK written around USB-HID framing talk to a device over a
// GATT link. It owns the connection lifecycle, reassembles notification
// chunks into protocol frames and hands them to a single waiting receiver.
package ble

import "context"

// Default GATT UUIDs of the wallet's serial service.
const (
	ServiceUUID = "00000001-0000-1000-8000-00805f9b34fb"
	WriteUUID   = "00000002-0000-1000-8000-00805f9b34fb"
	NotifyUUID  = "00000003-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data without waiting for a write response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	ID   string // platform-assigned identifier (MAC, or CoreBluetooth UUID on macOS)
	Name string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the peer drops the link.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given id.
	Connect(ctx context.Context, id string) (Connection, error)
}

// The interfaces below are optional platform capabilities. The transport
// checks for them with type assertions and skips the step when absent.

// ConnectedLister is implemented by adapters that can report peripherals the
// OS already holds a connection to.
type ConnectedLister interface {
	ConnectedDevices(ctx context.Context, serviceUUID string) ([]Device, error)
}

// Bonder is implemented by adapters that expose OS-level pairing.
type Bonder interface {
	IsBonded(ctx context.Context, id string) (bool, error)
	// CreateBond starts pairing and blocks until it completes or ctx expires.
	CreateBond(ctx context.Context, id string) error
}

// PriorityRequester is implemented by connections that accept a
// low-latency connection priority hint.
type PriorityRequester interface {
	RequestHighPriority() error
}

// MTUer is implemented by characteristics that know the negotiated write size.
type MTUer interface {
	// MTU returns the usable payload bytes per write.
	MTU() (int, error)
}
