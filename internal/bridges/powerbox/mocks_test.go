package powerbox

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MichelMoriniaux/BigPowerBox/internal/audit"
	"github.com/MichelMoriniaux/BigPowerBox/internal/device"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/influxdb"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/mqtt"
)

const testDeviceID = "observatory"

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]mqtt.MessageHandler
	connected bool
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return mqtt.ErrNotConnected
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// deliver feeds a message through the subscribed wildcard handler.
func (m *MockMQTTClient) deliver(t *testing.T, topic string, payload string) error {
	t.Helper()
	m.mu.Lock()
	h := m.handlers[mqtt.Topics{}.DeviceCommands(testDeviceID)]
	m.mu.Unlock()
	if h == nil {
		t.Fatal("no command subscription")
	}
	return h(topic, []byte(payload))
}

// topic returns the publishes whose topic starts with prefix.
func (m *MockMQTTClient) topic(prefix string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if strings.HasPrefix(p.Topic, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) reset() {
	m.mu.Lock()
	m.published = nil
	m.mu.Unlock()
}

// mockDevice implements Device and delivers events synchronously.
type mockDevice struct {
	mu          sync.Mutex
	state       device.State
	features    []device.Feature
	listeners   []device.Listener
	connectErr  error
	writeErr    error
	connects    int
	disconnects int
	switches    map[int]bool
	values      map[int]float64
	names       map[int]string
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		features: []device.Feature{
			{Index: 0, Kind: device.KindSwitch, Name: "Mount", Writable: true, Max: 1},
			{Index: 1, Kind: device.KindPWM, Name: "Dew", Writable: true, Max: 255},
			{Index: 2, Kind: device.KindInputVoltage, Name: "Input Voltage", Value: 12.4, Max: 15, Unit: "V"},
			{Index: 3, Kind: device.KindPWMMode, Name: "Dew Mode", Writable: true, Max: 3, RelatedPort: 2},
		},
		switches: make(map[int]bool),
		values:   make(map[int]float64),
		names:    make(map[int]string),
	}
}

func (d *mockDevice) State() device.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *mockDevice) SerialPort() string { return "/dev/ttyUSB0" }

func (d *mockDevice) Subscribe(l device.Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *mockDevice) emit(ev device.Event) {
	d.mu.Lock()
	listeners := append([]device.Listener(nil), d.listeners...)
	d.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (d *mockDevice) Connect(context.Context) error {
	d.mu.Lock()
	if d.connectErr != nil {
		d.mu.Unlock()
		return d.connectErr
	}
	d.connects++
	d.state = device.StateReady
	features := append([]device.Feature(nil), d.features...)
	d.mu.Unlock()

	d.emit(device.Event{
		Type:     device.EventConnected,
		Info:     device.DeviceInfo{Name: "BigPowerBox", HardwareRevision: "2", PortCount: 2, FeatureCount: len(features)},
		Features: features,
		At:       time.Now(),
	})
	return nil
}

func (d *mockDevice) Disconnect() error {
	d.mu.Lock()
	d.disconnects++
	d.state = device.StateDisconnected
	d.mu.Unlock()
	d.emit(device.Event{Type: device.EventDisconnected, At: time.Now()})
	return nil
}

func (d *mockDevice) SetSwitch(_ context.Context, id int, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.switches[id] = on
	return nil
}

func (d *mockDevice) SetValue(_ context.Context, id int, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.values[id] = v
	return nil
}

func (d *mockDevice) SetName(_ context.Context, id int, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.names[id] = name
	return nil
}

func (d *mockDevice) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

type mockTelemetry struct {
	mu          sync.Mutex
	sensors     []influxdb.Sample
	outputs     []influxdb.Sample
	connections []bool
}

func (m *mockTelemetry) WriteConnection(_, _ string, connected bool) {
	m.mu.Lock()
	m.connections = append(m.connections, connected)
	m.mu.Unlock()
}

func (m *mockTelemetry) WriteSensor(_ string, s influxdb.Sample) {
	m.mu.Lock()
	m.sensors = append(m.sensors, s)
	m.mu.Unlock()
}

func (m *mockTelemetry) WriteOutput(_ string, s influxdb.Sample) {
	m.mu.Lock()
	m.outputs = append(m.outputs, s)
	m.mu.Unlock()
}

type mockAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *mockAudit) Create(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, *e)
	m.mu.Unlock()
	return nil
}

func (m *mockAudit) all() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...)
}

type testBridge struct {
	*Bridge
	mqtt      *MockMQTTClient
	device    *mockDevice
	telemetry *mockTelemetry
	audit     *mockAudit
}

func newTestBridge(t *testing.T, publishUnchanged bool) *testBridge {
	t.Helper()
	tb := &testBridge{
		mqtt:      NewMockMQTTClient(),
		device:    newMockDevice(),
		telemetry: &mockTelemetry{},
		audit:     &mockAudit{},
	}
	b, err := NewBridge(Options{
		DeviceID:          testDeviceID,
		Version:           "test",
		Device:            tb.device,
		MQTT:              tb.mqtt,
		Telemetry:         tb.telemetry,
		Audit:             tb.audit,
		HealthInterval:    time.Hour,
		ReconnectInterval: time.Hour,
		PublishUnchanged:  publishUnchanged,
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	tb.Bridge = b
	return tb
}

func startTestBridge(t *testing.T, publishUnchanged bool) *testBridge {
	t.Helper()
	tb := newTestBridge(t, publishUnchanged)
	if err := tb.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(tb.Stop)
	return tb
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", payload, err)
	}
	return v
}
