package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/solem-toolkit/internal/ble"
	"github.com/chaz8081/solem-toolkit/internal/config"
	"github.com/chaz8081/solem-toolkit/internal/service"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	handler      mqtt.MessageHandler
	subscribed   []string
	unsubscribed []string
	disconnected bool
	published    chan published
}

func newFakeClient() *fakeClient {
	return &fakeClient{published: make(chan published, 8)}
}

func (c *fakeClient) Connect() mqtt.Token { return &fakeToken{err: c.connectErr} }

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	c.handler = cb
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return &fakeToken{}
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.published <- published{topic: topic, qos: qos, payload: payload.([]byte)}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) messageHandler() mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type call struct {
	name string
	data service.Data
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []call
	res   service.Result
	err   error
}

func (c *fakeCaller) Call(_ context.Context, name string, data service.Data) (service.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{name, data})
	res := c.res
	res.Service = name
	return res, c.err
}

func (c *fakeCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func testConfig() config.MQTTConfig {
	cfg := config.Default().MQTT
	cfg.CallsPerMinute = 6000
	return cfg
}

func TestServiceFromTopic(t *testing.T) {
	b := newBridge(newFakeClient(), testConfig(), &fakeCaller{})
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"solem/turn_on/call", "turn_on", true},
		{"solem/run_program_x/call", "run_program_x", true},
		{"solem/turn_on/result", "", false},
		{"other/turn_on/call", "", false},
		{"solem//call", "", false},
		{"solem/a/b/call", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := b.serviceFromTopic(tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleSuccess(t *testing.T) {
	caller := &fakeCaller{res: service.Result{CallID: "call-1"}}
	b := newBridge(newFakeClient(), testConfig(), caller)

	res := b.handle(context.Background(), "sprinkle_station_x_for_y_minutes",
		[]byte(`{"device_mac":"AA:BB:CC:DD:EE:FF","station":3,"minutes":"15"}`))

	assert.True(t, res.OK)
	assert.Equal(t, "call-1", res.CallID)
	assert.Empty(t, res.Error)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", caller.calls[0].data["device_mac"])
	assert.Equal(t, float64(3), caller.calls[0].data["station"])
	assert.Equal(t, "15", caller.calls[0].data["minutes"])
}

func TestHandleEmptyPayload(t *testing.T) {
	caller := &fakeCaller{err: errors.New("device_mac is required")}
	b := newBridge(newFakeClient(), testConfig(), caller)

	res := b.handle(context.Background(), "turn_on", nil)

	assert.False(t, res.OK)
	assert.Equal(t, "device_mac is required", res.Error)
	assert.NotEmpty(t, res.CallID)
	require.Len(t, caller.calls, 1)
	assert.Empty(t, caller.calls[0].data)
}

func TestHandleBadJSON(t *testing.T) {
	caller := &fakeCaller{}
	b := newBridge(newFakeClient(), testConfig(), caller)

	res := b.handle(context.Background(), "turn_on", []byte(`{"device_mac":`))

	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "invalid payload")
	assert.NotEmpty(t, res.CallID)
	assert.Zero(t, caller.callCount())
}

func TestHandleTopologyResult(t *testing.T) {
	topo := ble.Topology{"svc": {{UUID: "char", Properties: []string{"write"}, Descriptors: []string{}}}}
	caller := &fakeCaller{res: service.Result{CallID: "c", Topology: topo}}
	b := newBridge(newFakeClient(), testConfig(), caller)

	res := b.handle(context.Background(), "list_characteristics", []byte(`{"device_mac":"x"}`))
	require.True(t, res.OK)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"call_id":"c","service":"list_characteristics","ok":true,"result":{"svc":[{"uuid":"char","properties":["write"],"descriptors":[]}]}}`,
		string(data))
}

func TestHandleCanceledWhileThrottled(t *testing.T) {
	caller := &fakeCaller{}
	cfg := testConfig()
	cfg.CallsPerMinute = 1
	b := newBridge(newFakeClient(), cfg, caller)

	// Spend the only token, then the next call must wait a minute.
	b.limiter.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := b.handle(ctx, "turn_on", []byte(`{}`))
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "call dropped")
	assert.Zero(t, caller.callCount())
}

func TestRunServesCalls(t *testing.T) {
	fc := newFakeClient()
	caller := &fakeCaller{res: service.Result{CallID: "call-7"}}
	b := newBridge(fc, testConfig(), caller)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return fc.messageHandler() != nil }, time.Second, 5*time.Millisecond)
	fc.messageHandler()(nil, &fakeMessage{topic: "solem/turn_on/call", payload: []byte(`{"device_mac":"AA:BB:CC:DD:EE:FF"}`)})

	select {
	case pub := <-fc.published:
		assert.Equal(t, "solem/turn_on/result", pub.topic)
		assert.Equal(t, byte(1), pub.qos)
		var res Result
		require.NoError(t, json.Unmarshal(pub.payload, &res))
		assert.True(t, res.OK)
		assert.Equal(t, "call-7", res.CallID)
		assert.Equal(t, "turn_on", res.Service)
	case <-time.After(time.Second):
		t.Fatal("no result published")
	}

	// Topics outside the call pattern are ignored.
	fc.messageHandler()(nil, &fakeMessage{topic: "solem/turn_on/result", payload: []byte(`{}`)})

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Deliveries racing the shutdown are dropped, not dispatched.
	fc.messageHandler()(nil, &fakeMessage{topic: "solem/turn_on/call", payload: []byte(`{"device_mac":"AA:BB:CC:DD:EE:FF"}`)})

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, []string{"solem/+/call"}, fc.subscribed)
	assert.Equal(t, []string{"solem/+/call"}, fc.unsubscribed)
	assert.True(t, fc.disconnected)
	assert.Equal(t, 1, caller.callCount())
	assert.Empty(t, fc.published)
}

func TestRunConnectError(t *testing.T) {
	fc := newFakeClient()
	fc.connectErr = errors.New("connection refused")
	b := newBridge(fc, testConfig(), &fakeCaller{})

	err := b.Run(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestOnMessageAfterStopIsDropped(t *testing.T) {
	fc := newFakeClient()
	caller := &fakeCaller{}
	b := newBridge(fc, testConfig(), caller)
	b.stopping = true

	b.onMessage(nil, &fakeMessage{topic: "solem/turn_on/call", payload: []byte(`{}`)})
	b.inflight.Wait()

	assert.Zero(t, caller.callCount())
	assert.Empty(t, fc.published)
}
