package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultResolveTimeout bounds each of the two resolution steps.
const DefaultResolveTimeout = 5 * time.Second

// Resolve locates a connectable device for address. It tries a direct
// address lookup first and falls back to a full discovery scan matched
// case-insensitively. There is no retry at this layer.
func Resolve(ctx context.Context, adapter Adapter, address string, timeout time.Duration) (Device, error) {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}

	dev, err := findByAddress(ctx, adapter, address, timeout)
	if err != nil {
		return Device{}, err
	}
	if dev != nil {
		return *dev, nil
	}

	slog.Debug("[BLE] direct lookup missed, scanning", "address", address)
	devices, err := discover(ctx, adapter, timeout)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if strings.EqualFold(d.Address, address) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, address)
}

func findByAddress(ctx context.Context, adapter Adapter, address string, timeout time.Duration) (*Device, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dev, err := adapter.FindByAddress(stepCtx, address)
	switch {
	case dev != nil:
		return dev, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil && stepCtx.Err() == nil:
		return nil, fmt.Errorf("ble: find %s: %w", address, err)
	}
	return nil, nil
}

// discover runs one bounded scan. Expiry of the step timeout just ends the
// scan; cancellation of ctx is reported.
func discover(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	devices, err := adapter.Discover(stepCtx)
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil && stepCtx.Err() == nil:
		return nil, fmt.Errorf("ble: discover: %w", err)
	}
	return devices, nil
}

// ScanForDevices reports every device seen during a discovery scan of the
// given duration.
func ScanForDevices(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return discover(ctx, adapter, timeout)
}
