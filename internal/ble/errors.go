package ble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"
)

// ErrOutOfSlots is wrapped by adapters when the radio has no free
// connection capacity or the device is busy.
var ErrOutOfSlots = errors.New("ble: out of connection slots")

// ErrDeviceNotFound is returned by the resolver when neither the direct
// lookup nor the scan found the address.
var ErrDeviceNotFound = errors.New("ble: device not found")

// ErrServicesUnavailable is returned when a connection exposes no way to
// read its service topology.
var ErrServicesUnavailable = errors.New("ble: services not available")

// Kind classifies a BLE failure.
type Kind int

const (
	KindUnexpected Kind = iota
	KindDeviceNotFound
	KindOutOfSlots
	KindTimeout
	KindNotConnected
	KindWriteFailed
	KindServicesUnavailable
)

var kindMessages = map[Kind]string{
	KindUnexpected:          "unexpected connection error",
	KindDeviceNotFound:      "device not found",
	KindOutOfSlots:          "adapter out of slots or device busy/unreachable",
	KindTimeout:             "timeout connecting to device",
	KindNotConnected:        "device not connected",
	KindWriteFailed:         "write to device failed",
	KindServicesUnavailable: "services not available on this platform/client",
}

func (k Kind) String() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type returned by Client operations.
type Error struct {
	Kind    Kind
	Op      string // "connect", "write", "topology"
	Address string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ble: %s %s: %s", e.Op, e.Address, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsConnectionError reports whether the failure belongs to the connection
// family (everything except resolution and topology failures).
func (e *Error) IsConnectionError() bool {
	switch e.Kind {
	case KindDeviceNotFound, KindServicesUnavailable:
		return false
	}
	return true
}

// KindOf returns the Kind of err, or KindUnexpected if err is not an *Error.
func KindOf(err error) Kind {
	var bleErr *Error
	if errors.As(err, &bleErr) {
		return bleErr.Kind
	}
	return KindUnexpected
}

// classify maps a transport error onto the failure taxonomy.
func classify(err error) Kind {
	var (
		bleErr  *Error
		errno   syscall.Errno
		sysErr  *os.SyscallError
		pathErr *os.PathError
		dbusErr dbus.Error
		dbusPtr *dbus.Error
	)
	switch {
	case errors.As(err, &bleErr):
		return bleErr.Kind
	case errors.Is(err, ErrOutOfSlots):
		return KindOutOfSlots
	case errors.Is(err, ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, ErrServicesUnavailable):
		return KindServicesUnavailable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.As(err, &dbusErr), errors.As(err, &dbusPtr):
		return KindTimeout
	case errors.As(err, &errno), errors.As(err, &sysErr), errors.As(err, &pathErr):
		return KindTimeout
	default:
		return KindUnexpected
	}
}

func newError(op, address string, err error) *Error {
	return &Error{Kind: classify(err), Op: op, Address: address, Err: err}
}

// busyDBusErrors are BlueZ error names meaning the controller cannot take
// another connection right now.
var busyDBusErrors = map[string]bool{
	"org.bluez.Error.InProgress": true,
	"org.bluez.Error.NotReady":   true,
}

var busyMessages = []string{
	"connection slots",
	"device busy",
}

// wrapPlatformError tags radio exhaustion reported by the platform stack
// with ErrOutOfSlots. Other errors are returned unchanged.
func wrapPlatformError(err error) error {
	if err == nil || errors.Is(err, ErrOutOfSlots) {
		return err
	}
	var (
		dbusErr dbus.Error
		dbusPtr *dbus.Error
	)
	switch {
	case errors.As(err, &dbusErr) && busyDBusErrors[dbusErr.Name],
		errors.As(err, &dbusPtr) && dbusPtr != nil && busyDBusErrors[dbusPtr.Name]:
		return fmt.Errorf("%w: %w", ErrOutOfSlots, err)
	}
	msg := strings.ToLower(err.Error())
	for _, m := range busyMessages {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %w", ErrOutOfSlots, err)
		}
	}
	return err
}
