package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"tinygo.org/x/bluetooth"
)

// connectRetryDelay is the pause between connector attempts.
const connectRetryDelay = 250 * time.Millisecond

// TinyGoAdapter wraps tinygo-org/bluetooth. On Linux it drives BlueZ over
// D-Bus; on macOS device addresses are CoreBluetooth UUIDs rather than MAC
// addresses, and the Address fields carry that UUID string.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	id      string // BlueZ adapter id, e.g. "hci0"

	enableMu sync.Mutex
	enabled  bool

	// scanMu serializes scans; the stack runs one at a time.
	scanMu sync.Mutex

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by upper-case address
}

// NewTinyGoAdapter creates an adapter for the given BlueZ adapter id.
// The id is ignored on platforms with a single default adapter.
func NewTinyGoAdapter(id string) *TinyGoAdapter {
	if id == "" {
		id = "hci0"
	}
	return &TinyGoAdapter{
		adapter:     platformAdapter(id),
		id:          id,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	a.enableMu.Lock()
	defer a.enableMu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler fires with connected=false when a
	// peripheral drops; mark the matching session as down.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[key]
		a.mu.Unlock()
		if ok {
			conn.connected.Store(false)
			slog.Warn("[BLE] peripheral disconnected", "address", conn.address)
		}
	})
	a.enabled = true
	return nil
}

// scan runs one scan until ctx is done or onResult returns true.
func (a *TinyGoAdapter) scan(ctx context.Context, onResult func(bluetooth.ScanResult) bool) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	if ctx.Err() != nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	// adapter.Scan blocks until StopScan() or error.
	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if onResult(result) {
			_ = adapter.StopScan()
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", wrapPlatformError(err))
	}
	return nil
}

func (a *TinyGoAdapter) Discover(ctx context.Context) ([]Device, error) {
	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	err := a.scan(ctx, func(result bluetooth.ScanResult) bool {
		dev := deviceFromScan(result)
		mu.Lock()
		defer mu.Unlock()
		if !seen[dev.Address] {
			seen[dev.Address] = true
			devices = append(devices, dev)
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

func (a *TinyGoAdapter) FindByAddress(ctx context.Context, address string) (*Device, error) {
	var found *Device
	err := a.scan(ctx, func(result bluetooth.ScanResult) bool {
		if found != nil || !strings.EqualFold(result.Address.String(), address) {
			return found != nil
		}
		dev := deviceFromScan(result)
		found = &dev
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func deviceFromScan(result bluetooth.ScanResult) Device {
	return Device{
		Name:    result.LocalName(),
		Address: result.Address.String(),
		RSSI:    int(result.RSSI),
		addr:    result.Address,
		hasAddr: true,
	}
}

// Connect opens a session to dev, retrying up to maxAttempts times.
func (a *TinyGoAdapter) Connect(ctx context.Context, dev Device, maxAttempts int) (Connection, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	addr := dev.addr
	if !dev.hasAddr {
		addr.Set(dev.Address)
	}

	var device bluetooth.Device
	attempt := 0
	op := func() error {
		attempt++
		d, err := a.connectOnce(ctx, addr)
		if err != nil {
			slog.Warn("[BLE] connect attempt failed", "address", dev.Address, "attempt", attempt, "max", maxAttempts, "error", err)
			return wrapPlatformError(err)
		}
		device = d
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(connectRetryDelay), uint64(maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", dev.Address, err)
	}

	conn := &tinygoConnection{
		adapter: a,
		device:  device,
		address: dev.Address,
		chars:   make(map[string]bluetooth.DeviceCharacteristic),
	}
	conn.connected.Store(true)

	// Track this connection so the adapter-level disconnect handler
	// can find it.
	a.mu.Lock()
	a.connections[strings.ToUpper(dev.Address)] = conn
	a.mu.Unlock()

	return conn, nil
}

// connectOnce wraps the blocking stack connect so it respects ctx. A
// connect that completes after ctx is done is torn down.
func (a *TinyGoAdapter) connectOnce(ctx context.Context, addr bluetooth.Address) (bluetooth.Device, error) {
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return bluetooth.Device{}, ctx.Err()
	case r := <-ch:
		return r.device, r.err
	}
}

func (a *TinyGoAdapter) forget(address string) {
	a.mu.Lock()
	delete(a.connections, strings.ToUpper(address))
	a.mu.Unlock()
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinygoConnection struct {
	adapter   *TinyGoAdapter
	device    bluetooth.Device
	address   string
	connected atomic.Bool

	mu    sync.Mutex
	chars map[string]bluetooth.DeviceCharacteristic // keyed by lower-case UUID

	disconnectOnce sync.Once
	disconnectErr  error
}

var (
	_ Connection        = (*tinygoConnection)(nil)
	_ TopologyReader    = (*tinygoConnection)(nil)
	_ ServiceDiscoverer = (*tinygoConnection)(nil)
)

func (c *tinygoConnection) Address() string { return c.address }

func (c *tinygoConnection) IsConnected() bool { return c.connected.Load() }

func (c *tinygoConnection) Write(ctx context.Context, charUUID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}
	if _, err := char.WriteWithoutResponse(data); err != nil {
		return wrapPlatformError(err)
	}
	return nil
}

// characteristic finds charUUID in any service and caches it.
func (c *tinygoConnection) characteristic(charUUID string) (bluetooth.DeviceCharacteristic, error) {
	key := strings.ToLower(charUUID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if char, ok := c.chars[key]; ok {
		return char, nil
	}

	uuid, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: discover services: %w", err)
	}
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{uuid})
		if err != nil || len(chars) == 0 {
			continue
		}
		c.chars[key] = chars[0]
		return chars[0], nil
	}
	return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not found", charUUID)
}

// DiscoverServices walks the remote GATT database. The portable stack
// exposes UUIDs only, so properties and descriptors are left empty.
func (c *tinygoConnection) DiscoverServices(ctx context.Context) ([]Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	services := make([]Service, 0, len(svcs))
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("characteristics of %s: %w", svc.UUID().String(), err)
		}
		s := Service{UUID: svc.UUID().String()}
		for _, ch := range chars {
			s.Characteristics = append(s.Characteristics, Characteristic{UUID: ch.UUID().String()})
		}
		services = append(services, s)
	}
	return services, nil
}

func (c *tinygoConnection) Services(ctx context.Context) ([]Service, error) {
	return platformServices(ctx, c.adapter.id, c.address)
}

// Disconnect terminates the session. Later calls return the first result.
func (c *tinygoConnection) Disconnect() error {
	c.disconnectOnce.Do(func() {
		c.connected.Store(false)
		c.adapter.forget(c.address)
		c.disconnectErr = c.device.Disconnect()
	})
	return c.disconnectErr
}
