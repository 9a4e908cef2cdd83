package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewRequiresPorts(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New() without Ports should fail")
	}
}

func TestConnectBuildsModel(t *testing.T) {
	c, board := connectTestController(t, "sspaf")

	if !c.IsConnected() {
		t.Fatalf("State() = %s, want ready", c.State())
	}
	n, err := c.MaxSwitch()
	if err != nil {
		t.Fatalf("MaxSwitch() error = %v", err)
	}
	if want := 2*4 + 2 + 2 + 3; n != want {
		t.Errorf("MaxSwitch() = %d, want %d", n, want)
	}

	info, err := c.Info()
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.DisplayName != "BigPowerBox - BigPowerBox - rev. 1.2" {
		t.Errorf("DisplayName = %q", info.DisplayName)
	}

	// handshake: settle, short timeout for ping, normal timeout afterwards
	board.mu.Lock()
	timeouts := append([]time.Duration(nil), board.timeouts...)
	board.mu.Unlock()
	if len(timeouts) != 2 || timeouts[0] != DefaultShortTimeout || timeouts[1] != DefaultNormalTimeout {
		t.Errorf("timeouts = %v", timeouts)
	}

	name, _ := c.GetName(2)
	if name != "Out3" {
		t.Errorf("GetName(2) = %q, want Out3", name)
	}
	name, _ = c.GetName(6)
	if name != "Out3 Current (A)" {
		t.Errorf("GetName(6) = %q, want %q", name, "Out3 Current (A)")
	}
	name, _ = c.GetName(10)
	if name != "Out3 Mode" {
		t.Errorf("GetName(10) = %q, want Out3 Mode", name)
	}
	name, _ = c.GetName(11)
	if name != "Out3 Temperature Offset" {
		t.Errorf("GetName(11) = %q", name)
	}

	if got := board.count(">N:"); got != 4 {
		t.Errorf("name queries = %d, want 4", got)
	}
	if board.count(">G:02#") != 1 || board.count(">H:02#") != 1 {
		t.Error("PWM pass did not query mode and offset at zero-based port 2")
	}
}

func TestConnectRefCount(t *testing.T) {
	board := newFakeBoard(t, "ssss")
	c := newTestController(t, board, nil)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if c.RefCount() != 2 {
		t.Errorf("RefCount() = %d, want 2", c.RefCount())
	}
	if board.count(">P#") != 1 {
		t.Errorf("second Connect() re-ran the handshake")
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("connection dropped while a client is still registered")
	}
	if board.closeCount() != 0 {
		t.Fatalf("transport closed %d times, want 0", board.closeCount())
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", c.State())
	}
	if board.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", board.closeCount())
	}

	// redundant disconnect is a no-op
	if err := c.Disconnect(); err != nil {
		t.Fatalf("extra Disconnect() error = %v", err)
	}
	if board.closeCount() != 1 || c.RefCount() != 0 {
		t.Errorf("extra Disconnect() closed=%d refcount=%d", board.closeCount(), c.RefCount())
	}
}

func TestConnectHandshakeFailure(t *testing.T) {
	board := newFakeBoard(t, "ssss")
	board.pingReply = "PERR"
	c := newTestController(t, board, nil)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Connect() error = %v, want ErrNotConnected", err)
	}
	if got := board.count(">P#"); got != DefaultPingAttempts {
		t.Errorf("ping attempts = %d, want %d", got, DefaultPingAttempts)
	}
	if board.isOpen() || board.closeCount() != 1 {
		t.Errorf("transport open=%t closed=%d, want closed once", board.isOpen(), board.closeCount())
	}
	if c.State() != StateDisconnected || c.RefCount() != 0 {
		t.Errorf("State() = %s refcount = %d", c.State(), c.RefCount())
	}
	if _, err := c.MaxSwitch(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("MaxSwitch() error = %v, want ErrNotConnected", err)
	}
}

func TestConnectPingNearMiss(t *testing.T) {
	board := newFakeBoard(t, "ssss")
	board.pingReply = "POK!"
	c := newTestController(t, board, nil)

	if err := c.Connect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Connect() error = %v, want ErrNotConnected", err)
	}
}

func TestConnectUnknownPort(t *testing.T) {
	board := newFakeBoard(t, "ssss")
	board.ports = []string{"/dev/ttyS9"}
	c := newTestController(t, board, nil)

	if err := c.Connect(context.Background()); !errors.Is(err, ErrValidation) {
		t.Fatalf("Connect() error = %v, want ErrValidation", err)
	}
	if board.opens != 0 {
		t.Errorf("Open() called %d times for a missing port", board.opens)
	}
}

func TestConnectOpenFailure(t *testing.T) {
	board := newFakeBoard(t, "ssss")
	board.openErr = errors.New("permission denied")
	c := newTestController(t, board, nil)

	if err := c.Connect(context.Background()); !errors.Is(err, ErrTransport) {
		t.Fatalf("Connect() error = %v, want ErrTransport", err)
	}
}

func TestConnectBadStatusClosesTransport(t *testing.T) {
	board := newFakeBoard(t, "ssss")
	board.statusReply = "S:1:0"
	c := newTestController(t, board, nil)

	if err := c.Connect(context.Background()); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Connect() error = %v, want ErrProtocol", err)
	}
	if board.isOpen() {
		t.Error("transport left open after failed initialisation")
	}
}

func TestConnectUsesSavedPort(t *testing.T) {
	board := newFakeBoard(t, "ss")
	settings := newMemSettings()
	settings.values[SettingSerialPort] = "/dev/ttyACM0"
	c := newTestController(t, board, settings)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.SerialPort() != "/dev/ttyACM0" {
		t.Errorf("SerialPort() = %q, want /dev/ttyACM0", c.SerialPort())
	}
}

func TestSetSerialPort(t *testing.T) {
	board := newFakeBoard(t, "ss")
	settings := newMemSettings()
	c := newTestController(t, board, settings)
	ctx := context.Background()

	if err := c.SetSerialPort(ctx, "/dev/nope"); !errors.Is(err, ErrValidation) {
		t.Errorf("SetSerialPort(missing) error = %v, want ErrValidation", err)
	}
	if err := c.SetSerialPort(ctx, "/dev/ttyACM0"); err != nil {
		t.Fatalf("SetSerialPort() error = %v", err)
	}
	if settings.values[SettingSerialPort] != "/dev/ttyACM0" {
		t.Errorf("saved port = %q", settings.values[SettingSerialPort])
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.SetSerialPort(ctx, "/dev/ttyUSB0"); !errors.Is(err, ErrValidation) {
		t.Errorf("SetSerialPort() while connected error = %v, want ErrValidation", err)
	}
}

func TestCommandString(t *testing.T) {
	c, board := connectTestController(t, "ss")
	ctx := context.Background()

	reply, err := c.CommandString(ctx, "P")
	if err != nil {
		t.Fatalf("CommandString() error = %v", err)
	}
	if reply != "POK" {
		t.Errorf("CommandString(P) = %q, want POK", reply)
	}
	if board.lastCommand() != ">P#" {
		t.Errorf("last command = %q, want >P#", board.lastCommand())
	}

	if _, err := c.CommandString(ctx, ">N:01#"); err != nil {
		t.Fatalf("CommandString(framed) error = %v", err)
	}
	if board.lastCommand() != ">N:01#" {
		t.Errorf("framed command was re-framed: %q", board.lastCommand())
	}

	if _, err := c.CommandString(ctx, "  "); !errors.Is(err, ErrValidation) {
		t.Errorf("CommandString(blank) error = %v, want ErrValidation", err)
	}
}

func TestTraceSetting(t *testing.T) {
	board := newFakeBoard(t, "ss")
	settings := newMemSettings()
	c := newTestController(t, board, settings)

	if err := c.SetTrace(context.Background(), true); err != nil {
		t.Fatalf("SetTrace() error = %v", err)
	}
	if settings.values[SettingTraceEnabled] != "true" {
		t.Errorf("trace setting = %q, want true", settings.values[SettingTraceEnabled])
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestListenersReceiveEvents(t *testing.T) {
	board := newFakeBoard(t, "ss")
	c := newTestController(t, board, nil)
	rec := &eventRecorder{}
	c.Subscribe(rec.record)

	// listeners run without the controller lock held
	c.Subscribe(func(Event) { _ = c.RefCount() })

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.SetSwitch(ctx, 0, true); err != nil {
		t.Fatalf("SetSwitch() error = %v", err)
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	want := []EventType{EventConnected, EventChanged, EventRefreshed, EventDisconnected}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// lateBoard holds back the reply to one command past the read timeout. The
// reply lands after the controller has drained the input following the
// failed read, as a slow board would deliver it.
type lateBoard struct {
	*fakeBoard

	lateMu  sync.Mutex
	delay   string
	late    []byte
	delayed int
}

func (b *lateBoard) Open(name string, baud int) (Transport, error) {
	if _, err := b.fakeBoard.Open(name, baud); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *lateBoard) ReadUntil(delim byte) ([]byte, error) {
	b.lateMu.Lock()
	defer b.lateMu.Unlock()
	if b.delay != "" && b.lastCommand() == b.delay {
		b.delay = ""
		b.delayed++
		b.fakeBoard.mu.Lock()
		b.late, b.fakeBoard.pending = b.fakeBoard.pending, nil
		b.fakeBoard.mu.Unlock()
		return nil, errors.New("read timeout")
	}
	return b.fakeBoard.ReadUntil(delim)
}

func (b *lateBoard) ClearBuffers() error {
	if err := b.fakeBoard.ClearBuffers(); err != nil {
		return err
	}
	b.lateMu.Lock()
	defer b.lateMu.Unlock()
	if b.late != nil {
		b.fakeBoard.mu.Lock()
		b.fakeBoard.pending = append(b.fakeBoard.pending, b.late...)
		b.fakeBoard.mu.Unlock()
		b.late = nil
	}
	return nil
}

func (b *lateBoard) holdReplyTo(cmd string) {
	b.lateMu.Lock()
	b.delay = cmd
	b.lateMu.Unlock()
}

func TestLateReplyDoesNotShiftExchanges(t *testing.T) {
	board := &lateBoard{fakeBoard: newFakeBoard(t, "sspaf")}
	c, err := New(Options{Ports: board, SettleDelay: -1, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	tests := []struct {
		name  string
		delay string
		call  func() error
	}{
		{"status", StatusCommand(), func() error { return c.Refresh(ctx) }},
		{"switch", SwitchOnCommand(idSwitch), func() error { return c.SetSwitch(ctx, idSwitch, true) }},
		{"name", SetNameCommand(1, "Camera"), func() error { return c.SetName(ctx, 1, "Camera") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			board.holdReplyTo(tt.delay)
			if err := tt.call(); !errors.Is(err, ErrTransport) {
				t.Fatalf("timed-out call error = %v, want ErrTransport", err)
			}

			// every later exchange must read its own reply
			if err := c.SetSwitch(ctx, idPWM, true); err != nil {
				t.Fatalf("SetSwitch() after late reply error = %v", err)
			}
			if err := c.Refresh(ctx); err != nil {
				t.Fatalf("Refresh() after late reply error = %v", err)
			}
			if v, _ := c.GetValue(idPWM); v != 255 {
				t.Errorf("GetValue(pwm) = %g, want 255", v)
			}
			if err := c.SetSwitch(ctx, idPWM, false); err != nil {
				t.Fatalf("SetSwitch(false) error = %v", err)
			}
			if err := c.Refresh(ctx); err != nil {
				t.Fatalf("second Refresh() error = %v", err)
			}
		})
	}

	if board.delayed != len(tests) {
		t.Errorf("delayed replies = %d, want %d", board.delayed, len(tests))
	}
	if reply, err := c.CommandString(ctx, PingCommand()); err != nil || reply != pingReply {
		t.Errorf("CommandString(ping) = %q, %v", reply, err)
	}
}
