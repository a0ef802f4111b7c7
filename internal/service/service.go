// Package service exposes the controller operations as named calls taking a
// loosely typed payload, the shape home-automation hosts and the MQTT bridge
// deliver.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/chaz8081/solem-toolkit/internal/ble"
)

// Service names.
const (
	ListCharacteristics            = "list_characteristics"
	TurnOn                         = "turn_on"
	TurnOffPermanent               = "turn_off_permanent"
	TurnOffXDays                   = "turn_off_x_days"
	SprinkleStationXForYMinutes    = "sprinkle_station_x_for_y_minutes"
	SprinkleAllStationsForYMinutes = "sprinkle_all_stations_for_y_minutes"
	RunProgramX                    = "run_program_x"
	StopManualSprinkle             = "stop_manual_sprinkle"
)

const (
	// DefaultBluetoothTimeout is the connect timeout in seconds when a call names none.
	DefaultBluetoothTimeout = 15
	// MinBluetoothTimeout is the floor applied to caller-supplied timeouts.
	MinBluetoothTimeout = 5
)

// ErrUnknownService is returned by Call for unregistered names.
var ErrUnknownService = errors.New("unknown service")

// Data is the payload of one call, keyed by field name.
type Data map[string]any

// Error is the host-facing failure of a call. Its message is the message of
// the underlying error, unchanged.
type Error struct {
	Service string
	CallID  string
	Err     error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Result describes a completed call.
type Result struct {
	CallID  string
	Service string
	// Topology is set by list_characteristics.
	Topology ble.Topology
}

type handler func(ctx context.Context, ctl *ble.Controller, data Data) (ble.Topology, error)

// Registry dispatches calls to one BLE client. All calls share the client,
// so connection sequences are serialized across devices.
type Registry struct {
	client   *ble.Client
	handlers map[string]handler
}

// NewRegistry registers every service against client.
func NewRegistry(client *ble.Client) *Registry {
	r := &Registry{client: client}
	r.handlers = map[string]handler{
		ListCharacteristics:            listCharacteristics,
		TurnOn:                         command(func(ctx context.Context, ctl *ble.Controller) error { return ctl.TurnOn(ctx) }),
		TurnOffPermanent:               command(func(ctx context.Context, ctl *ble.Controller) error { return ctl.TurnOffPermanent(ctx) }),
		StopManualSprinkle:             command(func(ctx context.Context, ctl *ble.Controller) error { return ctl.StopManualSprinkle(ctx) }),
		TurnOffXDays:                   turnOffXDays,
		SprinkleStationXForYMinutes:    sprinkleStation,
		SprinkleAllStationsForYMinutes: sprinkleAll,
		RunProgramX:                    runProgram,
	}
	return r
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Call runs the named service. Every failure, including payload
// validation, is returned as *Error.
func (r *Registry) Call(ctx context.Context, name string, data Data) (Result, error) {
	res := Result{CallID: uuid.NewString(), Service: name}
	fail := func(err error) (Result, error) {
		slog.Warn("[SERVICE] call failed", "service", name, "call_id", res.CallID, "error", err)
		return res, &Error{Service: name, CallID: res.CallID, Err: err}
	}

	h, ok := r.handlers[name]
	if !ok {
		return fail(fmt.Errorf("%w: %s", ErrUnknownService, name))
	}
	address, err := deviceMAC(data)
	if err != nil {
		return fail(err)
	}
	timeout, err := bluetoothTimeout(data)
	if err != nil {
		return fail(err)
	}

	slog.Info("[SERVICE] call", "service", name, "call_id", res.CallID, "device_mac", address, "timeout", timeout)
	start := time.Now()
	topo, err := h(ctx, r.client.Controller(address, timeout), data)
	if err != nil {
		return fail(err)
	}
	res.Topology = topo
	slog.Info("[SERVICE] call done", "service", name, "call_id", res.CallID, "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func command(fn func(context.Context, *ble.Controller) error) handler {
	return func(ctx context.Context, ctl *ble.Controller, _ Data) (ble.Topology, error) {
		return nil, fn(ctx, ctl)
	}
}

func listCharacteristics(ctx context.Context, ctl *ble.Controller, _ Data) (ble.Topology, error) {
	topo, err := ctl.ListCharacteristics(ctx)
	if err != nil {
		return nil, err
	}
	uuids := make([]string, 0, len(topo))
	for svc := range topo {
		uuids = append(uuids, svc)
	}
	sort.Strings(uuids)
	for _, svc := range uuids {
		slog.Info("[SERVICE] service", "uuid", svc)
		for _, ch := range topo[svc] {
			slog.Info("[SERVICE]   characteristic", "uuid", ch.UUID, "properties", ch.Properties)
		}
	}
	return topo, nil
}

func turnOffXDays(ctx context.Context, ctl *ble.Controller, data Data) (ble.Topology, error) {
	days, err := intField(data, "days", 1)
	if err != nil {
		return nil, err
	}
	return nil, ctl.TurnOffDays(ctx, days)
}

func sprinkleStation(ctx context.Context, ctl *ble.Controller, data Data) (ble.Topology, error) {
	station, err := intField(data, "station", 1)
	if err != nil {
		return nil, err
	}
	minutes, err := intField(data, "minutes", 1)
	if err != nil {
		return nil, err
	}
	return nil, ctl.SprinkleStation(ctx, station, minutes)
}

func sprinkleAll(ctx context.Context, ctl *ble.Controller, data Data) (ble.Topology, error) {
	minutes, err := intField(data, "minutes", 1)
	if err != nil {
		return nil, err
	}
	return nil, ctl.SprinkleAll(ctx, minutes)
}

func runProgram(ctx context.Context, ctl *ble.Controller, data Data) (ble.Topology, error) {
	program, err := intField(data, "program", 1)
	if err != nil {
		return nil, err
	}
	return nil, ctl.RunProgram(ctx, program)
}

func deviceMAC(data Data) (string, error) {
	v, ok := data["device_mac"]
	if !ok || v == nil {
		return "", errors.New("device_mac is required")
	}
	mac := strings.TrimSpace(cast.ToString(v))
	if mac == "" {
		return "", errors.New("device_mac is required")
	}
	return mac, nil
}

// maxBluetoothTimeout is the largest whole-second timeout a time.Duration holds.
const maxBluetoothTimeout = math.MaxInt64 / int64(time.Second)

// bluetoothTimeout reads bluetooth_timeout in seconds, floored at
// MinBluetoothTimeout.
func bluetoothTimeout(data Data) (time.Duration, error) {
	secs, err := intField(data, "bluetooth_timeout", DefaultBluetoothTimeout)
	if err != nil {
		return 0, errors.New("Invalid bluetooth_timeout")
	}
	s := min(max(MinBluetoothTimeout, int64(secs)), maxBluetoothTimeout)
	return time.Duration(s) * time.Second, nil
}

// intField reads an integer field. Absent fields take def. Numbers are
// truncated toward zero; strings must hold a base-10 integer. Values past
// the int range saturate so later clamping picks the nearer bound.
func intField(data Data, key string, def int) (int, error) {
	v, ok := data[key]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("invalid %s: missing value", key)
	case string:
		// Atoi returns the saturated value on ErrRange.
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("invalid %s: %q is not an integer", key, x)
		}
		return n, nil
	case float32:
		return floatToInt(key, float64(x))
	case float64:
		return floatToInt(key, x)
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatToInt(key string, f float64) (int, error) {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0, fmt.Errorf("invalid %s: %v is not a finite number", key, f)
	case f >= math.MaxInt:
		return math.MaxInt, nil
	case f <= math.MinInt:
		return math.MinInt, nil
	}
	return int(f), nil
}
