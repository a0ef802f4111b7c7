//go:build linux

package ble

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

func platformAdapter(id string) *bluetooth.Adapter {
	return bluetooth.NewAdapter(id)
}

// platformServices reads the topology BlueZ already resolved for the device,
// including characteristic flags and descriptors.
func platformServices(ctx context.Context, adapterID, address string) ([]Service, error) {
	// SystemBus returns a shared connection; it must not be closed.
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: system bus: %w", err)
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("ble: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("ble: parse managed objects: %w", err)
	}
	return topologyFromObjects(objects, adapterID, address), nil
}
