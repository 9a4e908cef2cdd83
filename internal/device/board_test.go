package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeBoard is an in-memory firmware simulator. It implements both
// SerialPorts and Transport so a Controller can be driven end to end.
type fakeBoard struct {
	mu sync.Mutex

	name      string
	rev       string
	signature string
	sig       Signature
	features  []Feature
	portNames []string
	modes     map[int]float64
	offsets   map[int]float64

	ports     []string
	pingReply string
	openErr   error
	// statusReply replaces the generated status line when set.
	statusReply string

	pending  []byte
	commands []string
	opens    int
	closes   int
	open     bool
	timeouts []time.Duration
}

func newFakeBoard(t *testing.T, signature string) *fakeBoard {
	t.Helper()

	sig, err := ParseSignature(signature)
	if err != nil {
		t.Fatalf("ParseSignature(%q) error = %v", signature, err)
	}
	b := &fakeBoard{
		name:      "BigPowerBox",
		rev:       "1.2",
		signature: signature,
		sig:       sig,
		features:  BuildFeatures(sig),
		modes:     make(map[int]float64),
		offsets:   make(map[int]float64),
		ports:     []string{"/dev/ttyUSB0", "/dev/ttyACM0"},
		pingReply: pingReply,
	}
	for i := range sig.Ports {
		b.portNames = append(b.portNames, fmt.Sprintf("Out%d", i+1))
	}
	return b
}

func (b *fakeBoard) Open(name string, baud int) (Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	if baud != DefaultBaud {
		return nil, fmt.Errorf("unexpected baud %d", baud)
	}
	b.opens++
	b.open = true
	return b, nil
}

func (b *fakeBoard) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ports...), nil
}

func (b *fakeBoard) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0, fmt.Errorf("port closed")
	}
	cmd := string(p)
	b.commands = append(b.commands, cmd)
	b.pending = append(b.pending, b.replyLocked(cmd)...)
	return len(p), nil
}

func (b *fakeBoard) ReadUntil(delim byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := bytes.IndexByte(b.pending, delim)
	if i < 0 {
		b.pending = nil
		return nil, errors.New("read timeout")
	}
	out := append([]byte(nil), b.pending[:i+1]...)
	b.pending = b.pending[i+1:]
	return out, nil
}

func (b *fakeBoard) SetReadTimeout(d time.Duration) error {
	b.mu.Lock()
	b.timeouts = append(b.timeouts, d)
	b.mu.Unlock()
	return nil
}

func (b *fakeBoard) ClearBuffers() error {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
	return nil
}

func (b *fakeBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	b.open = false
	return nil
}

func (b *fakeBoard) replyLocked(cmd string) string {
	body := Strip(cmd)
	fields := strings.Split(body, ":")
	arg := func(i int) int {
		if i >= len(fields) {
			return -1
		}
		n, _ := strconv.Atoi(fields[i])
		return n
	}
	val := func(i int) float64 {
		if i >= len(fields) {
			return 0
		}
		v, _ := strconv.ParseFloat(fields[i], 64)
		return v
	}

	switch fields[0] {
	case "P":
		return Frame(b.pingReply)
	case "D":
		return Frame(fmt.Sprintf("D:%s:%s:%s", b.name, b.rev, b.signature))
	case "S":
		if b.statusReply != "" {
			return Frame(b.statusReply)
		}
		return Frame(EncodeStatus(b.features, b.sig))
	case "N":
		return Frame(fmt.Sprintf("N:%02d:%s", arg(1), b.portNames[arg(1)]))
	case "M":
		b.portNames[arg(1)] = strings.Join(fields[2:], ":")
		return Frame("MOK")
	case "O", "F":
		f := &b.features[arg(1)]
		f.State = fields[0] == "O"
		if f.State {
			f.Value = pwmFullScale
		} else {
			f.Value = 0
		}
		return Frame(fields[0] + "OK")
	case "W":
		f := &b.features[arg(1)]
		f.Value = val(2)
		f.State = f.Value != 0
		return Frame("WOK")
	case "C":
		b.modes[arg(1)] = val(2)
		return Frame("COK")
	case "G":
		return Frame(fmt.Sprintf("G:%02d:%s", arg(1), formatField(b.modes[arg(1)])))
	case "T":
		b.offsets[arg(1)] = val(2)
		return Frame("TOK")
	case "H":
		return Frame(fmt.Sprintf("H:%02d:%s", arg(1), formatField(b.offsets[arg(1)])))
	default:
		return Frame("ERR")
	}
}

// setSensor sets a board-side feature value reported in the status line.
func (b *fakeBoard) setSensor(id int, v float64) {
	b.mu.Lock()
	b.features[id].Value = v
	b.features[id].State = v != 0
	b.mu.Unlock()
}

func (b *fakeBoard) count(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (b *fakeBoard) lastCommand() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.commands) == 0 {
		return ""
	}
	return b.commands[len(b.commands)-1]
}

func (b *fakeBoard) resetCommands() {
	b.mu.Lock()
	b.commands = nil
	b.mu.Unlock()
}

func (b *fakeBoard) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

func (b *fakeBoard) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// memSettings is an in-memory SettingsStore.
type memSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemSettings() *memSettings {
	return &memSettings{values: make(map[string]string)}
}

func (m *memSettings) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memSettings) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// newTestController builds a controller on a fake board with zero settle
// delay and a short poll interval.
func newTestController(t *testing.T, board *fakeBoard, settings SettingsStore) *Controller {
	t.Helper()

	c, err := New(Options{
		Ports:        board,
		Settings:     settings,
		SettleDelay:  -1,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connectTestController(t *testing.T, signature string) (*Controller, *fakeBoard) {
	t.Helper()

	board := newFakeBoard(t, signature)
	c := newTestController(t, board, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c, board
}
