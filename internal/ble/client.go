package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/chaz8081/solem-toolkit/internal/ble/protocol"
)

// DefaultConnectTimeout is the connect budget used when callers pass none.
const DefaultConnectTimeout = 15 * time.Second

// ClientOptions configures the BLE client behavior.
type ClientOptions struct {
	ResolveTimeout     time.Duration // bound for each resolution step (default 5s)
	ConnectAttempts    int           // connector attempt budget (default 3)
	WriteAttempts      int           // tries per characteristic write (default 3)
	WriteBackoff       time.Duration // delay before the first write retry (default 400ms)
	WriteBackoffMax    time.Duration // cap on write retry delay (default 2s)
	CharacteristicUUID string        // command characteristic (default protocol.CharacteristicUUID)

	// OnState, if set, observes every state transition.
	OnState func(address string, state State)
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ResolveTimeout:     DefaultResolveTimeout,
		ConnectAttempts:    3,
		WriteAttempts:      3,
		WriteBackoff:       400 * time.Millisecond,
		WriteBackoffMax:    2 * time.Second,
		CharacteristicUUID: protocol.CharacteristicUUID,
	}
}

// Client talks to Solem controllers through one BLE adapter. Only one
// resolve+connect sequence runs at a time per Client; concurrent callers
// queue. Safe for concurrent use.
type Client struct {
	adapter Adapter
	opts    ClientOptions

	// connSem is a single-holder lock around resolve+connect.
	connSem *semaphore.Weighted
}

// NewClient creates a BLE client on the given adapter.
func NewClient(adapter Adapter, opts ClientOptions) *Client {
	def := DefaultClientOptions()
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = def.ResolveTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.WriteAttempts <= 0 {
		opts.WriteAttempts = def.WriteAttempts
	}
	if opts.WriteBackoff <= 0 {
		opts.WriteBackoff = def.WriteBackoff
	}
	if opts.WriteBackoffMax <= 0 {
		opts.WriteBackoffMax = def.WriteBackoffMax
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = def.CharacteristicUUID
	}
	return &Client{
		adapter: adapter,
		opts:    opts,
		connSem: semaphore.NewWeighted(1),
	}
}

// Connect resolves address and opens a connection within timeout. The
// returned connection is connected; the caller owns it and must release it
// through WriteAndCommit, WriteRaw or Disconnect.
func (c *Client) Connect(ctx context.Context, address string, timeout time.Duration) (Connection, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	if err := c.connSem.Acquire(ctx, 1); err != nil {
		return nil, c.fail(newError("connect", address, err))
	}
	defer c.connSem.Release(1)

	if err := c.adapter.Enable(); err != nil {
		return nil, c.fail(newError("connect", address, fmt.Errorf("enable adapter: %w", err)))
	}

	c.setState(address, StateResolving)
	dev, err := Resolve(ctx, c.adapter, address, c.opts.ResolveTimeout)
	if err != nil {
		return nil, c.fail(newError("connect", address, err))
	}

	c.setState(address, StateConnecting)
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := c.adapter.Connect(connectCtx, dev, c.opts.ConnectAttempts)
	if err != nil {
		return nil, c.fail(newError("connect", address, err))
	}
	if !conn.IsConnected() {
		_ = conn.Disconnect()
		return nil, c.fail(&Error{Kind: KindNotConnected, Op: "connect", Address: address})
	}

	c.setState(address, StateConnected)
	slog.Debug("[BLE] connected", "address", address, "name", dev.Name)
	return conn, nil
}

// WriteAndCommit writes frame, then the commit frame, to a connection
// returned by Connect. The connection is always released before returning.
func (c *Client) WriteAndCommit(ctx context.Context, conn Connection, frame []byte) error {
	defer c.release(conn)

	c.setState(conn.Address(), StateWriting)
	if err := c.write(ctx, conn, frame); err != nil {
		return c.fail(err)
	}
	c.setState(conn.Address(), StateCommittingFrame)
	if err := c.write(ctx, conn, protocol.CommitFrame()); err != nil {
		return c.fail(err)
	}
	return nil
}

// WriteRaw writes frame without a commit frame and releases the connection.
func (c *Client) WriteRaw(ctx context.Context, conn Connection, frame []byte) error {
	defer c.release(conn)

	c.setState(conn.Address(), StateWriting)
	if err := c.write(ctx, conn, frame); err != nil {
		return c.fail(err)
	}
	return nil
}

// Topology maps service UUIDs to their characteristics.
type Topology map[string][]Characteristic

// ListTopology connects to address and reads the remote service topology.
func (c *Client) ListTopology(ctx context.Context, address string, timeout time.Duration) (Topology, error) {
	conn, err := c.Connect(ctx, address, timeout)
	if err != nil {
		return nil, err
	}
	defer c.release(conn)

	if !conn.IsConnected() {
		return nil, c.fail(&Error{Kind: KindNotConnected, Op: "topology", Address: address})
	}
	services, err := readServices(ctx, conn)
	if err != nil {
		return nil, c.fail(newError("topology", address, err))
	}

	topo := make(Topology, len(services))
	for _, svc := range services {
		chars := make([]Characteristic, 0, len(svc.Characteristics))
		for _, ch := range svc.Characteristics {
			if ch.Properties == nil {
				ch.Properties = []string{}
			}
			if ch.Descriptors == nil {
				ch.Descriptors = []string{}
			}
			chars = append(chars, ch)
		}
		topo[svc.UUID] = chars
	}
	return topo, nil
}

// readServices prefers the topology the connection already holds and falls
// back to on-demand discovery.
func readServices(ctx context.Context, conn Connection) ([]Service, error) {
	if r, ok := conn.(TopologyReader); ok {
		services, err := r.Services(ctx)
		if err == nil && services != nil {
			return services, nil
		}
		slog.Debug("[BLE] cached topology unavailable, discovering", "address", conn.Address(), "error", err)
	}
	if d, ok := conn.(ServiceDiscoverer); ok {
		services, err := d.DiscoverServices(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover services: %w", err)
		}
		return services, nil
	}
	return nil, ErrServicesUnavailable
}

// write sends one frame, retrying with exponential backoff. A dropped
// connection fails at once.
func (c *Client) write(ctx context.Context, conn Connection, data []byte) *Error {
	address := conn.Address()
	attempt := 0
	op := func() error {
		attempt++
		if !conn.IsConnected() {
			return backoff.Permanent(&Error{Kind: KindNotConnected, Op: "write", Address: address})
		}
		if err := conn.Write(ctx, c.opts.CharacteristicUUID, data); err != nil {
			slog.Warn("[BLE] write failed", "address", address, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	err := backoff.Retry(op, c.writeBackOff(ctx))
	if err == nil {
		return nil
	}
	var bleErr *Error
	if errors.As(err, &bleErr) {
		return bleErr
	}
	if ctx.Err() != nil {
		return newError("write", address, err)
	}
	return &Error{Kind: KindWriteFailed, Op: "write", Address: address, Err: err}
}

func (c *Client) writeBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.WriteBackoff
	b.MaxInterval = c.opts.WriteBackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.WriteAttempts-1)), ctx)
}

// release disconnects exactly once. Disconnect errors are logged and dropped
// so they never replace the operation's result.
func (c *Client) release(conn Connection) {
	address := conn.Address()
	c.setState(address, StateDisconnecting)
	if err := conn.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect failed", "address", address, "error", err)
	}
	c.setState(address, StateIdle)
}

func (c *Client) fail(err *Error) *Error {
	slog.Debug("[BLE] operation failed", "address", err.Address, "op", err.Op, "kind", err.Kind.String(), "error", err.Err)
	c.setState(err.Address, StateFailed)
	return err
}

func (c *Client) setState(address string, s State) {
	slog.Debug("[BLE] state", "address", address, "state", s.String())
	if c.opts.OnState != nil {
		c.opts.OnState(address, s)
	}
}

// Controller issues commands to one controller through a Client.
type Controller struct {
	client  *Client
	address string
	timeout time.Duration
}

// Controller returns a Controller for the device at address. timeout bounds
// each connection attempt sequence.
func (c *Client) Controller(address string, timeout time.Duration) *Controller {
	return &Controller{client: c, address: address, timeout: timeout}
}

// Address returns the controller's device address.
func (ctl *Controller) Address() string { return ctl.address }

// Send encodes cmd and runs one connect → write → commit → disconnect cycle.
func (ctl *Controller) Send(ctx context.Context, cmd protocol.Command) error {
	frame, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("ble: encode %s: %w", cmd.Action, err)
	}
	conn, err := ctl.client.Connect(ctx, ctl.address, ctl.timeout)
	if err != nil {
		return err
	}
	if err := ctl.client.WriteAndCommit(ctx, conn, frame); err != nil {
		return err
	}
	slog.Info("[BLE] command sent", "address", ctl.address, "action", cmd.Action.String())
	return nil
}

// TurnOn enables watering.
func (ctl *Controller) TurnOn(ctx context.Context) error {
	return ctl.Send(ctx, protocol.TurnOn())
}

// TurnOffPermanent disables watering until turned on again.
func (ctl *Controller) TurnOffPermanent(ctx context.Context) error {
	return ctl.Send(ctx, protocol.TurnOffPermanent())
}

// TurnOffDays disables watering for days (clamped to 0..365).
func (ctl *Controller) TurnOffDays(ctx context.Context, days int) error {
	return ctl.Send(ctx, protocol.TurnOffDays(days))
}

// SprinkleStation waters one station (1..16) for minutes (1..240).
func (ctl *Controller) SprinkleStation(ctx context.Context, station, minutes int) error {
	return ctl.Send(ctx, protocol.SprinkleStation(station, minutes))
}

// SprinkleAll waters all stations for minutes (1..240) each.
func (ctl *Controller) SprinkleAll(ctx context.Context, minutes int) error {
	return ctl.Send(ctx, protocol.SprinkleAll(minutes))
}

// RunProgram starts stored program 1..3.
func (ctl *Controller) RunProgram(ctx context.Context, program int) error {
	return ctl.Send(ctx, protocol.RunProgram(program))
}

// StopManualSprinkle stops any running manual watering.
func (ctl *Controller) StopManualSprinkle(ctx context.Context) error {
	return ctl.Send(ctx, protocol.StopManualSprinkle())
}

// ListCharacteristics reads the remote service topology.
func (ctl *Controller) ListCharacteristics(ctx context.Context) (Topology, error) {
	return ctl.client.ListTopology(ctx, ctl.address, ctl.timeout)
}
