// Package mqtt bridges service calls onto an MQTT broker. A call arrives on
// <prefix>/<service>/call with a JSON object payload; its outcome is
// published on <prefix>/<service>/result.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/chaz8081/solem-toolkit/internal/config"
	"github.com/chaz8081/solem-toolkit/internal/service"
)

const (
	subscribeTimeout  = 5 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // ms
)

// Caller runs named service calls. *service.Registry implements it.
type Caller interface {
	Call(ctx context.Context, name string, data service.Data) (service.Result, error)
}

// client is the part of mqtt.Client the bridge uses.
type client interface {
	Connect() mqtt.Token
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Result is the JSON document published for every call.
type Result struct {
	CallID  string `json:"call_id"`
	Service string `json:"service"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Bridge subscribes to call topics and dispatches them to a Caller.
type Bridge struct {
	client  client
	cfg     config.MQTTConfig
	caller  Caller
	limiter *rate.Limiter

	// ctx is the Run context; calls derive from it.
	ctx        context.Context
	subscribed atomic.Bool

	// mu orders inflight.Add against the shutdown Wait; once stopping is
	// set, late deliveries are dropped.
	mu       sync.Mutex
	stopping bool
	inflight sync.WaitGroup
}

// NewBridge creates a bridge backed by a paho client for cfg.Broker.
func NewBridge(cfg config.MQTTConfig, caller Caller) *Bridge {
	b := newBridge(nil, cfg, caller)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Session settings
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// A clean session drops subscriptions, so restore ours after a reconnect.
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		slog.Info("[MQTT] connected", "broker", cfg.Broker)
		if b.subscribed.Load() {
			if err := b.subscribe(); err != nil {
				slog.Error("[MQTT] resubscribe failed", "error", err)
			}
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("[MQTT] connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)
	return b
}

func newBridge(c client, cfg config.MQTTConfig, caller Caller) *Bridge {
	perMinute := max(cfg.CallsPerMinute, 1)
	return &Bridge{
		client:  c,
		cfg:     cfg,
		caller:  caller,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), max(perMinute/10, 1)),
		ctx:     context.Background(),
	}
}

// Run connects, serves calls until ctx is done, then waits for in-flight
// calls and disconnects.
func (b *Bridge) Run(ctx context.Context) error {
	b.ctx = ctx
	if err := b.connect(ctx); err != nil {
		return err
	}
	defer b.client.Disconnect(disconnectQuiesce)

	if err := b.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.subscribed.Store(true)

	<-ctx.Done()

	b.subscribed.Store(false)
	if b.client.IsConnected() {
		b.client.Unsubscribe(b.callTopic()).WaitTimeout(2 * time.Second)
	}
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()
	b.inflight.Wait()
	slog.Info("[MQTT] bridge stopped")
	return nil
}

// connect waits for the initial connection in a ctx-aware loop.
func (b *Bridge) connect(ctx context.Context) error {
	token := b.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			b.client.Disconnect(0)
			return ctx.Err()
		default:
		}
	}
}

func (b *Bridge) subscribe() error {
	topic := b.callTopic()
	token := b.client.Subscribe(topic, b.cfg.QoS, b.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	slog.Info("[MQTT] subscribed", "topic", topic, "qos", b.cfg.QoS)
	return nil
}

func (b *Bridge) callTopic() string {
	return b.cfg.TopicPrefix + "/+/call"
}

func (b *Bridge) resultTopic(name string) string {
	return b.cfg.TopicPrefix + "/" + name + "/result"
}

// serviceFromTopic extracts <service> from <prefix>/<service>/call.
func (b *Bridge) serviceFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/call")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// onMessage runs on the paho router; the call itself runs in its own
// goroutine so the router never blocks on BLE.
func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	name, ok := b.serviceFromTopic(msg.Topic())
	if !ok {
		slog.Debug("[MQTT] ignoring topic", "topic", msg.Topic())
		return
	}
	payload := append([]byte(nil), msg.Payload()...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		slog.Warn("[MQTT] dropping call during shutdown", "service", name)
		return
	}
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.publish(name, b.handle(b.ctx, name, payload))
	}()
}

func (b *Bridge) handle(ctx context.Context, name string, payload []byte) Result {
	data := service.Data{}
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			slog.Warn("[MQTT] bad call payload", "service", name, "error", err)
			return Result{CallID: uuid.NewString(), Service: name, Error: fmt.Sprintf("invalid payload: %v", err)}
		}
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return Result{CallID: uuid.NewString(), Service: name, Error: fmt.Sprintf("call dropped: %v", err)}
	}

	res, err := b.caller.Call(ctx, name, data)
	out := Result{CallID: res.CallID, Service: name, OK: err == nil}
	if out.CallID == "" {
		out.CallID = uuid.NewString()
	}
	if err != nil {
		out.Error = err.Error()
		if errors.Is(err, service.ErrUnknownService) {
			slog.Warn("[MQTT] unknown service", "service", name)
		}
		return out
	}
	if res.Topology != nil {
		out.Result = res.Topology
	}
	return out
}

func (b *Bridge) publish(name string, res Result) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("[MQTT] marshal result", "service", name, "error", err)
		return
	}
	topic := b.resultTopic(name)
	token := b.client.Publish(topic, b.cfg.QoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		slog.Error("[MQTT] publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("[MQTT] publish failed", "topic", topic, "error", err)
		return
	}
	slog.Debug("[MQTT] published result", "topic", topic, "call_id", res.CallID, "ok", res.OK)
}
