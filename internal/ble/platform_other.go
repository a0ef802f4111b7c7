//go:build !linux

package ble

import (
	"context"

	"tinygo.org/x/bluetooth"
)

func platformAdapter(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}

// platformServices has no cached topology source outside BlueZ; callers fall
// back to on-demand discovery.
func platformServices(context.Context, string, string) ([]Service, error) {
	return nil, ErrServicesUnavailable
}
