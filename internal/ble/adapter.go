// Package ble provides the BLE client for Solem sprinkler controllers. It
// resolves the controller by address, connects with a bounded attempt
// budget, writes command frames followed by the commit frame, and always
// releases the connection afterwards.
package ble

import (
	"context"

	"tinygo.org/x/bluetooth"
)

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`

	// addr is the platform address seen during scanning, when the device
	// came from a tinygo scan.
	addr    bluetooth.Address
	hasAddr bool
}

// Connection represents one live GATT session to a peripheral.
type Connection interface {
	// Address returns the peer address the session was opened to.
	Address() string
	// IsConnected reports whether the session is still up.
	IsConnected() bool
	// Write sends data to the characteristic without waiting for a response.
	Write(ctx context.Context, charUUID string, data []byte) error
	// Disconnect terminates the session.
	Disconnect() error
}

// TopologyReader is implemented by connections that expose the already
// discovered service topology.
type TopologyReader interface {
	Services(ctx context.Context) ([]Service, error)
}

// ServiceDiscoverer is implemented by connections that can walk the remote
// GATT database on demand.
type ServiceDiscoverer interface {
	DiscoverServices(ctx context.Context) ([]Service, error)
}

// Service is one remote GATT service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Characteristic is one remote GATT characteristic.
type Characteristic struct {
	UUID        string   `json:"uuid"`
	Properties  []string `json:"properties"`
	Descriptors []string `json:"descriptors"`
}

// Adapter abstracts the platform BLE stack for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Discover scans until ctx is done and returns every device seen.
	Discover(ctx context.Context) ([]Device, error)
	// FindByAddress scans until the device with the given address is seen.
	// It returns nil and no error when ctx ends without a match.
	FindByAddress(ctx context.Context, address string) (*Device, error)
	// Connect opens a session to dev, trying at most maxAttempts times.
	Connect(ctx context.Context, dev Device, maxAttempts int) (Connection, error)
}
