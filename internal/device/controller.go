package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default controller settings.
const (
	DefaultBaud              = 9600
	DefaultSerialPort        = "/dev/ttyUSB0"
	DefaultPollInterval      = 2000 * time.Millisecond
	DefaultSettleDelay       = 1 * time.Second
	DefaultShortTimeout      = 1 * time.Second
	DefaultNormalTimeout     = 10 * time.Second
	DefaultPingAttempts      = 4
	DefaultDriverDescription = "BigPowerBox"
)

// State is the connection state of a Controller.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateHandshaking
	StateInitializing
	StateReady
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Options configures a Controller.
type Options struct {
	// Ports opens and enumerates serial ports. Required.
	Ports SerialPorts

	// Settings persists the serial port, port names and trace flag.
	// Optional; without it nothing is persisted.
	Settings SettingsStore

	// Logger receives controller logs. Optional.
	Logger Logger

	// DefaultPort is used when no port was saved in Settings.
	DefaultPort string

	Baud         int
	PollInterval time.Duration

	// SettleDelay is waited after opening the port. Zero selects the
	// default; a negative value disables it.
	SettleDelay time.Duration

	ShortTimeout      time.Duration
	NormalTimeout     time.Duration
	PingAttempts      int
	DriverDescription string
}

func (o *Options) applyDefaults() {
	if o.DefaultPort == "" {
		o.DefaultPort = DefaultSerialPort
	}
	if o.Baud <= 0 {
		o.Baud = DefaultBaud
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	switch {
	case o.SettleDelay == 0:
		o.SettleDelay = DefaultSettleDelay
	case o.SettleDelay < 0:
		o.SettleDelay = 0
	}
	if o.ShortTimeout <= 0 {
		o.ShortTimeout = DefaultShortTimeout
	}
	if o.NormalTimeout <= 0 {
		o.NormalTimeout = DefaultNormalTimeout
	}
	if o.PingAttempts <= 0 {
		o.PingAttempts = DefaultPingAttempts
	}
	if o.DriverDescription == "" {
		o.DriverDescription = DefaultDriverDescription
	}
}

// EventType identifies a controller event.
type EventType string

// Controller events.
const (
	EventConnected    EventType = "connected"
	EventRefreshed    EventType = "refreshed"
	EventChanged      EventType = "changed"
	EventDisconnected EventType = "disconnected"
)

// Event is delivered to listeners after the controller lock is released.
//
// For EventConnected and EventRefreshed, Features holds the full model.
// For EventChanged it holds only the features a write touched.
type Event struct {
	Type     EventType
	Info     DeviceInfo
	Features []Feature
	At       time.Time
}

// Listener receives controller events. It must not block for long.
type Listener func(Event)

// Controller owns the serial link and the feature model of one board.
//
// A single mutex guards the transport, the model and the connection state,
// so at most one command/reply exchange is ever in flight.
type Controller struct {
	opts Options

	mu        sync.Mutex
	transport Transport
	state     State
	refCount  int
	portName  string
	trace     bool
	info      DeviceInfo
	sig       Signature
	features  []Feature

	wake chan struct{}

	listenersMu sync.RWMutex
	listeners   []Listener

	loggerMu sync.RWMutex
	logger   Logger

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a disconnected Controller.
func New(opts Options) (*Controller, error) {
	if opts.Ports == nil {
		return nil, errors.New("device: serial ports provider is required")
	}
	opts.applyDefaults()

	return &Controller{
		opts:   opts,
		state:  StateDisconnected,
		wake:   make(chan struct{}, 1),
		logger: opts.Logger,
	}, nil
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// Subscribe registers a listener for controller events.
func (c *Controller) Subscribe(l Listener) {
	if l == nil {
		return
	}
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenersMu.Unlock()
}

func (c *Controller) notify(events ...Event) {
	c.listenersMu.RLock()
	listeners := slices.Clone(c.listeners)
	c.listenersMu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}

// Connect registers a logical client. The first client opens the serial
// link, performs the handshake and builds the feature model; later clients
// only bump the reference count.
func (c *Controller) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateReady {
		c.refCount++
		c.mu.Unlock()
		return nil
	}

	if err := c.openLocked(ctx); err != nil {
		_ = c.closeTransportLocked()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logError("connect failed", err)
		return err
	}

	c.state = StateReady
	c.refCount++
	ev := Event{Type: EventConnected, Info: c.info, Features: cloneFeatures(c.features), At: time.Now()}
	port := c.portName
	c.mu.Unlock()

	c.signalWorker()
	c.logInfo("connected", "port", port, "device", ev.Info.Name, "signature", ev.Info.Signature.String(),
		"features", len(ev.Features))
	c.notify(ev)
	return nil
}

// openLocked runs the handshake and initialisation sequence. On error the
// caller closes whatever transport was opened.
func (c *Controller) openLocked(ctx context.Context) error {
	c.state = StateHandshaking
	c.trace = c.loadTrace(ctx)

	port := c.resolvePort(ctx)
	if err := c.validatePort(port); err != nil {
		return err
	}
	c.portName = port

	t, err := c.opts.Ports.Open(port, c.opts.Baud)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrTransport, port, err)
	}
	c.transport = t

	if err := sleepCtx(ctx, c.opts.SettleDelay); err != nil {
		return err
	}
	if err := t.ClearBuffers(); err != nil {
		return fmt.Errorf("%w: clearing buffers: %w", ErrTransport, err)
	}
	if err := t.SetReadTimeout(c.opts.ShortTimeout); err != nil {
		return fmt.Errorf("%w: setting timeout: %w", ErrTransport, err)
	}

	if !c.pingLocked() {
		return fmt.Errorf("%w: no ping reply from %s after %d attempts", ErrNotConnected, port, c.opts.PingAttempts)
	}

	if err := t.SetReadTimeout(c.opts.NormalTimeout); err != nil {
		return fmt.Errorf("%w: setting timeout: %w", ErrTransport, err)
	}

	c.state = StateInitializing
	return c.initializeLocked()
}

func (c *Controller) pingLocked() bool {
	for attempt := 1; attempt <= c.opts.PingAttempts; attempt++ {
		reply, err := c.exchangeLocked(PingCommand())
		if err == nil && reply == pingReply {
			return true
		}
		c.logDebug("ping attempt failed", "attempt", attempt, "reply", reply, "error", err)
	}
	return false
}

// initializeLocked builds the model from scratch: describe, status, port
// names and the PWM mode/offset pass.
func (c *Controller) initializeLocked() error {
	if err := c.describeLocked(); err != nil {
		return err
	}
	if _, err := c.statusLocked(); err != nil {
		return err
	}
	if err := c.queryNamesLocked(); err != nil {
		return err
	}
	return c.queryPWMLocked()
}

func (c *Controller) describeLocked() error {
	reply, err := c.exchangeLocked(DescribeCommand())
	if err != nil {
		return err
	}
	info, sig, err := parseDescribe(reply)
	if err != nil {
		return err
	}
	info.DisplayName = displayName(c.opts.DriverDescription, info.Name, info.HardwareRevision)

	c.info = info
	c.sig = sig
	c.features = BuildFeatures(sig)
	return nil
}

// statusLocked polls the status line and commits it to the model. It
// reports whether any feature changed.
func (c *Controller) statusLocked() (bool, error) {
	reply, err := c.exchangeLocked(StatusCommand())
	if err != nil {
		return false, err
	}
	staged, err := decodeStatus(reply, c.sig, c.features)
	if err != nil {
		return false, err
	}
	changed := !slices.Equal(staged, c.features)
	c.features = staged
	return changed, nil
}

// Disconnect releases one logical client. The last release closes the link
// and suspends the poller.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	if c.refCount == 0 {
		c.mu.Unlock()
		return nil
	}
	c.refCount--
	if c.refCount > 0 {
		c.mu.Unlock()
		return nil
	}

	err := c.closeTransportLocked()
	c.state = StateDisconnected
	ev := Event{Type: EventDisconnected, Info: c.info, At: time.Now()}
	c.mu.Unlock()

	c.logInfo("disconnected", "port", c.SerialPort())
	c.notify(ev)
	if err != nil {
		return fmt.Errorf("%w: closing port: %w", ErrTransport, err)
	}
	return nil
}

func (c *Controller) closeTransportLocked() error {
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.transport = nil
	return err
}

// exchangeLocked writes one framed command and reads the reply up to the
// terminator. The returned reply has its framing stripped.
//
// Input already waiting when a command is written is the late reply to an
// earlier, timed-out exchange and is dropped before the write.
func (c *Controller) exchangeLocked(cmd string) (string, error) {
	if c.transport == nil {
		return "", ErrNotConnected
	}

	if err := c.transport.ClearBuffers(); err != nil {
		return "", fmt.Errorf("%w: clearing stale input before %q: %w", ErrTransport, cmd, err)
	}
	if _, err := c.transport.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("%w: writing %q: %w", ErrTransport, cmd, err)
	}
	raw, err := c.transport.ReadUntil(terminator)
	if err != nil {
		//nolint:errcheck // the read error is the one reported
		c.transport.ClearBuffers()
		return "", fmt.Errorf("%w: reading reply to %q: %w", ErrTransport, cmd, err)
	}

	reply := Strip(string(raw))
	if c.trace {
		c.logDebug("exchange", "command", cmd, "reply", reply)
	}
	return reply, nil
}

// CommandString sends a raw command and returns the stripped reply. The body
// is framed unless it already starts with '>'.
func (c *Controller) CommandString(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("%w: empty command", ErrValidation)
	}
	if !strings.HasPrefix(command, startOfCommand) {
		command = Frame(command)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return "", ErrNotConnected
	}
	return c.exchangeLocked(command)
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RefCount returns the number of logical clients.
func (c *Controller) RefCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refCount
}

// IsConnected reports whether the controller is Ready.
func (c *Controller) IsConnected() bool {
	return c.State() == StateReady
}

// Info returns what the board reported at the last describe.
func (c *Controller) Info() (DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return DeviceInfo{}, ErrNotConnected
	}
	return c.info, nil
}

// StatusLine renders the current model as the status line the board would
// send.
func (c *Controller) StatusLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return "", ErrNotConnected
	}
	return EncodeStatus(c.features, c.sig), nil
}

// SerialPort returns the port in use, or the one the next Connect will try.
func (c *Controller) SerialPort() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.portName != "" {
		return c.portName
	}
	return c.opts.DefaultPort
}

// ListPorts enumerates the serial ports present on the host.
func (c *Controller) ListPorts() ([]string, error) {
	ports, err := c.opts.Ports.List()
	if err != nil {
		return nil, fmt.Errorf("%w: listing ports: %w", ErrTransport, err)
	}
	return ports, nil
}

// SetSerialPort selects and persists the serial port. The controller must be
// disconnected.
func (c *Controller) SetSerialPort(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: serial port name is empty", ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return fmt.Errorf("%w: cannot change serial port while connected", ErrValidation)
	}
	if err := c.validatePort(name); err != nil {
		return err
	}
	c.portName = name

	if c.opts.Settings != nil {
		if err := c.opts.Settings.Set(ctx, SettingSerialPort, name); err != nil {
			return fmt.Errorf("saving serial port: %w", err)
		}
	}
	return nil
}

// SetTrace turns wire tracing on or off and persists the choice.
func (c *Controller) SetTrace(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	c.trace = enabled
	c.mu.Unlock()

	if c.opts.Settings == nil {
		return nil
	}
	return c.opts.Settings.Set(ctx, SettingTraceEnabled, strconv.FormatBool(enabled))
}

// Trace reports whether wire tracing is on.
func (c *Controller) Trace() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trace
}

func (c *Controller) validatePort(name string) error {
	ports, err := c.opts.Ports.List()
	if err != nil {
		return fmt.Errorf("%w: listing ports: %w", ErrTransport, err)
	}
	if !slices.Contains(ports, name) {
		return fmt.Errorf("%w: serial port %q not found", ErrValidation, name)
	}
	return nil
}

// resolvePort picks the saved port, then the last explicit choice, then the
// configured default.
func (c *Controller) resolvePort(ctx context.Context) string {
	if c.opts.Settings != nil {
		v, ok, err := c.opts.Settings.Get(ctx, SettingSerialPort)
		switch {
		case err != nil:
			c.logError("reading saved serial port", err)
		case ok && v != "":
			return v
		}
	}
	if c.portName != "" {
		return c.portName
	}
	return c.opts.DefaultPort
}

func (c *Controller) loadTrace(ctx context.Context) bool {
	if c.opts.Settings == nil {
		return c.trace
	}
	v, ok, err := c.opts.Settings.Get(ctx, SettingTraceEnabled)
	if err != nil || !ok {
		return c.trace
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return c.trace
	}
	return enabled
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// logInfo logs an info message if logger is set.
func (c *Controller) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (c *Controller) logWarn(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (c *Controller) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (c *Controller) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
