package powerbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MichelMoriniaux/BigPowerBox/internal/audit"
	"github.com/MichelMoriniaux/BigPowerBox/internal/device"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/influxdb"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/mqtt"
)

const (
	// commandTimeout covers one write plus its follow-up status read.
	commandTimeout = 15 * time.Second

	// connectTimeout covers the ping retries, settle delay and model build.
	connectTimeout = 30 * time.Second

	auditTimeout = 5 * time.Second

	defaultReconnectInterval = 30 * time.Second

	commandQoS byte = 1
	stateQoS   byte = 1
)

// Logger is the logging interface the bridge writes to.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Device is the subset of *device.Controller the bridge drives.
type Device interface {
	DeviceMonitor
	Subscribe(l device.Listener)
	Connect(ctx context.Context) error
	Disconnect() error
	SetSwitch(ctx context.Context, id int, on bool) error
	SetValue(ctx context.Context, id int, value float64) error
	SetName(ctx context.Context, id int, name string) error
}

// TelemetrySink receives feature readings after each refresh and a mark
// for every serial connect and disconnect. *influxdb.Client satisfies it.
type TelemetrySink interface {
	WriteSensor(deviceID string, s influxdb.Sample)
	WriteOutput(deviceID string, s influxdb.Sample)
	WriteConnection(deviceID, serialPort string, connected bool)
}

// AuditRecorder stores executed commands. *audit.SQLiteRepository
// satisfies it.
type AuditRecorder interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// Options configures a Bridge.
type Options struct {
	// DeviceID names the box in every topic. Required.
	DeviceID string
	Version  string

	Device Device     // required
	MQTT   MQTTClient // required

	Telemetry TelemetrySink // optional
	Audit     AuditRecorder // optional
	Logger    Logger        // optional

	HealthInterval time.Duration

	// ReconnectInterval is how often the bridge retries Connect while it
	// holds no controller reference. Defaults to 30 seconds.
	ReconnectInterval time.Duration

	// PublishUnchanged republishes every feature after each refresh.
	PublishUnchanged bool

	// Passive bridges never take a controller reference. They mirror
	// connections opened through the API.
	Passive bool
}

// Bridge translates between a power box controller and MQTT.
//
// Thread Safety: all methods are safe for concurrent use.
type Bridge struct {
	deviceID          string
	device            Device
	mqtt              MQTTClient
	telemetry         TelemetrySink
	audit             AuditRecorder
	health            *HealthReporter
	publishUnchanged  bool
	passive           bool
	reconnectInterval time.Duration

	// stateCache holds the last published state per feature.
	stateCache   map[int]device.Feature
	stateCacheMu sync.Mutex

	// held is true while the bridge owns a controller reference.
	held      atomic.Bool
	connectMu sync.Mutex

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	statesPublished  atomic.Uint64
	refreshes        atomic.Uint64

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Call Start to begin bridging.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.DeviceID == "" {
		return nil, errors.New("powerbox: device ID is required")
	}
	if opts.Device == nil {
		return nil, errors.New("powerbox: device is required")
	}
	if opts.MQTT == nil {
		return nil, errors.New("powerbox: MQTT client is required")
	}

	reconnect := opts.ReconnectInterval
	if reconnect <= 0 {
		reconnect = defaultReconnectInterval
	}

	b := &Bridge{
		deviceID:          opts.DeviceID,
		device:            opts.Device,
		mqtt:              opts.MQTT,
		telemetry:         opts.Telemetry,
		audit:             opts.Audit,
		publishUnchanged:  opts.PublishUnchanged,
		passive:           opts.Passive,
		reconnectInterval: reconnect,
		stateCache:        make(map[int]device.Feature),
		done:              make(chan struct{}),
		logger:            opts.Logger,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		DeviceID:  opts.DeviceID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTT,
		Device:    opts.Device,
		Stats:     b.Stats,
	})
	b.health.SetLogger(opts.Logger)
	return b, nil
}

// Start subscribes to commands, takes a controller reference and begins
// health reporting. A failed connect is retried in the background.
func (b *Bridge) Start(ctx context.Context) error {
	var err error
	b.startOnce.Do(func() {
		b.ctx, b.ctxCancel = context.WithCancel(ctx)

		if perr := b.health.PublishStarting(); perr != nil {
			b.logWarn("failed to publish starting health", "error", perr)
		}

		b.device.Subscribe(b.handleEvent)

		topic := mqtt.Topics{}.DeviceCommands(b.deviceID)
		if serr := b.mqtt.Subscribe(topic, commandQoS, b.handleMQTTMessage); serr != nil {
			err = fmt.Errorf("subscribing to %s: %w", topic, serr)
			return
		}

		b.ensureConnected()
		b.health.Start(b.ctx)

		b.wg.Add(1)
		go b.superviseLoop()

		b.logInfo("powerbox bridge started", "device_id", b.deviceID)
	})
	return err
}

// Stop publishes a final health status and releases the controller
// reference. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		if b.ctxCancel != nil {
			b.ctxCancel()
		}
		b.wg.Wait()

		if err := b.mqtt.Unsubscribe(mqtt.Topics{}.DeviceCommands(b.deviceID)); err != nil {
			b.logWarn("unsubscribing from commands", "error", err)
		}
		b.health.Stop()

		if b.held.Swap(false) {
			if err := b.device.Disconnect(); err != nil {
				b.logWarn("disconnecting device", "error", err)
			}
		}
		b.logInfo("powerbox bridge stopped", "device_id", b.deviceID)
	})
}

// Stats returns bridge counters since start.
func (b *Bridge) Stats() BridgeStatistics {
	return BridgeStatistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatesPublished:  b.statesPublished.Load(),
		Refreshes:        b.refreshes.Load(),
	}
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

// ensureConnected takes a controller reference unless one is held.
func (b *Bridge) ensureConnected() {
	b.connectMu.Lock()
	defer b.connectMu.Unlock()
	if b.passive || b.held.Load() || b.stopped() {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, connectTimeout)
	defer cancel()
	if err := b.device.Connect(ctx); err != nil {
		b.logWarn("device connect failed, will retry",
			"serial_port", b.device.SerialPort(),
			"retry_in", b.reconnectInterval.String(),
			"error", err,
		)
		return
	}
	b.held.Store(true)
}

func (b *Bridge) superviseLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.done:
			return
		case <-ticker.C:
			b.ensureConnected()
		}
	}
}

func (b *Bridge) stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// handleEvent is the controller listener.
func (b *Bridge) handleEvent(ev device.Event) {
	if b.stopped() {
		return
	}

	switch ev.Type {
	case device.EventConnected:
		b.clearStateCache()
		b.health.SetFeatureCount(len(ev.Features))
		b.publishInfo(ev)
		b.publishStates(ev.Features, ev.At, true)
		b.writeConnection(true)
		b.writeTelemetry(ev.Features)
		b.publishHealth()

	case device.EventRefreshed:
		b.refreshes.Add(1)
		b.publishStates(ev.Features, ev.At, b.publishUnchanged)
		b.writeTelemetry(ev.Features)

	case device.EventChanged:
		b.publishStates(ev.Features, ev.At, false)

	case device.EventDisconnected:
		// The last reference was dropped, possibly by another client.
		b.held.Store(false)
		b.clearStateCache()
		b.health.SetFeatureCount(0)
		b.writeConnection(false)
		b.publishHealth()
	}
}

func (b *Bridge) publishInfo(ev device.Event) {
	payload, err := json.Marshal(NewInfoMessage(b.deviceID, ev))
	if err != nil {
		b.logError("marshalling info message", err)
		return
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.Info(b.deviceID), payload, stateQoS, true); err != nil {
		b.logWarn("failed to publish device info", "error", err)
	}
}

// publishStates publishes retained state for each feature that differs
// from the last published value, or for all of them when force is set.
func (b *Bridge) publishStates(features []device.Feature, at time.Time, force bool) {
	if at.IsZero() {
		at = time.Now()
	}
	for _, f := range features {
		if !force && b.stateUnchanged(f) {
			continue
		}

		payload, err := json.Marshal(NewStateMessage(b.deviceID, f, at))
		if err != nil {
			b.logError("marshalling state message", err)
			continue
		}
		topic := mqtt.Topics{}.State(b.deviceID, f.Index)
		if err := b.mqtt.Publish(topic, payload, stateQoS, true); err != nil {
			b.logDebug("state publish failed", "topic", topic, "error", err)
			continue
		}

		b.stateCacheMu.Lock()
		b.stateCache[f.Index] = f
		b.stateCacheMu.Unlock()
		b.statesPublished.Add(1)
	}
}

func (b *Bridge) stateUnchanged(f device.Feature) bool {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()
	prev, ok := b.stateCache[f.Index]
	return ok && prev == f
}

func (b *Bridge) clearStateCache() {
	b.stateCacheMu.Lock()
	clear(b.stateCache)
	b.stateCacheMu.Unlock()
}

func (b *Bridge) publishHealth() {
	if err := b.health.PublishNow(); err != nil {
		b.logDebug("health publish failed", "error", err)
	}
}

// handleMQTTMessage receives messages on the device command wildcard.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	kind, deviceID, featureID, err := mqtt.ParseFeatureTopic(topic)
	if err != nil {
		return err
	}
	if kind != "command" {
		return nil
	}
	if deviceID != b.deviceID {
		return fmt.Errorf("%w: %s", ErrWrongDevice, deviceID)
	}

	b.commandsReceived.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.fail(featureID, cmd, fmt.Errorf("%w: %w", ErrInvalidCommand, err))
		return nil
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if err := cmd.Validate(); err != nil {
		b.fail(featureID, cmd, err)
		return nil
	}

	err = b.executeCommand(featureID, cmd)
	b.recordAudit(featureID, cmd, err)
	if err != nil {
		b.fail(featureID, cmd, err)
		return nil
	}

	b.publishAck(featureID, cmd, nil)
	b.logDebug("command executed", "feature_id", featureID, "command", cmd.Command, "command_id", cmd.ID)
	return nil
}

func (b *Bridge) executeCommand(featureID int, cmd CommandMessage) error {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch cmd.Command {
	case CommandOn:
		return b.device.SetSwitch(ctx, featureID, true)
	case CommandOff:
		return b.device.SetSwitch(ctx, featureID, false)
	case CommandSetValue:
		return b.device.SetValue(ctx, featureID, *cmd.Value)
	case CommandSetName:
		return b.device.SetName(ctx, featureID, cmd.Name)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Command)
	}
}

func (b *Bridge) fail(featureID int, cmd CommandMessage, err error) {
	b.commandsFailed.Add(1)
	b.logWarn("command failed",
		"feature_id", featureID,
		"command", cmd.Command,
		"command_id", cmd.ID,
		"error", err,
	)
	b.publishAck(featureID, cmd, err)
}

func (b *Bridge) publishAck(featureID int, cmd CommandMessage, cmdErr error) {
	payload, err := json.Marshal(NewAckMessage(b.deviceID, featureID, cmd, cmdErr))
	if err != nil {
		b.logError("marshalling ack", err)
		return
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.Ack(b.deviceID, featureID), payload, commandQoS, false); err != nil {
		b.logWarn("failed to publish ack", "command_id", cmd.ID, "error", err)
	}
}

func (b *Bridge) recordAudit(featureID int, cmd CommandMessage, cmdErr error) {
	if b.audit == nil {
		return
	}

	entry := &audit.Entry{
		FeatureID: audit.Feature(featureID),
		Source:    audit.SourceMQTT,
		Details:   map[string]any{"command_id": cmd.ID},
	}
	switch cmd.Command {
	case CommandOn, CommandOff:
		entry.Action = audit.ActionSwitch
		entry.Details["state"] = cmd.Command == CommandOn
	case CommandSetValue:
		entry.Action = audit.ActionSetValue
		entry.Details["value"] = *cmd.Value
	case CommandSetName:
		entry.Action = audit.ActionSetName
		entry.Details["name"] = cmd.Name
	}
	if cmd.Source != "" {
		entry.Details["origin"] = cmd.Source
	}
	if cmdErr != nil {
		entry.Details["error"] = cmdErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := b.audit.Create(ctx, entry); err != nil {
		b.logWarn("failed to record audit entry", "error", err)
	}
}

func (b *Bridge) writeConnection(connected bool) {
	if b.telemetry != nil {
		b.telemetry.WriteConnection(b.deviceID, b.device.SerialPort(), connected)
	}
}

// writeTelemetry forwards sensor and output readings. Settings are skipped.
func (b *Bridge) writeTelemetry(features []device.Feature) {
	if b.telemetry == nil {
		return
	}
	for _, f := range features {
		s := influxdb.Sample{
			FeatureID: f.Index,
			Name:      f.Name,
			Kind:      string(f.Kind),
			Unit:      f.Unit,
			Value:     f.Value,
			State:     f.State,
		}
		switch {
		case f.Kind.IsSensor():
			b.telemetry.WriteSensor(b.deviceID, s)
		case f.Kind.IsPort():
			b.telemetry.WriteOutput(b.deviceID, s)
		}
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if l := b.getLogger(); l != nil {
		l.Error(msg, "error", err)
	}
}
