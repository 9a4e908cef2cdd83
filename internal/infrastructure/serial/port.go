package serial

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	bugst "go.bug.st/serial"
)

const (
	// DefaultReadTimeout applies until SetReadTimeout is called.
	DefaultReadTimeout = 10 * time.Second

	// maxReplySize bounds a single reply; real replies are well under 256 bytes.
	maxReplySize = 4096

	readChunkSize = 128
)

// Port is the subset of go.bug.st/serial.Port that Conn uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Opener opens a port with the given mode.
type Opener func(name string, mode *bugst.Mode) (Port, error)

// Lister enumerates the serial ports on the host.
type Lister func() ([]string, error)

// Provider opens serial connections and lists the available ports.
type Provider struct {
	open Opener
	list Lister
}

// Option configures a Provider.
type Option func(*Provider)

// WithOpener replaces the port opener, for tests.
func WithOpener(open Opener) Option {
	return func(p *Provider) { p.open = open }
}

// WithLister replaces the port lister, for tests.
func WithLister(list Lister) Option {
	return func(p *Provider) { p.list = list }
}

// NewProvider returns a Provider backed by go.bug.st/serial.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		open: func(name string, mode *bugst.Mode) (Port, error) {
			return bugst.Open(name, mode)
		},
		list: bugst.GetPortsList,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// List returns the names of the serial ports present on the host.
func (p *Provider) List() ([]string, error) {
	names, err := p.list()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	return names, nil
}

// Open opens name at baud, 8 data bits, no parity, one stop bit.
func (p *Provider) Open(name string, baud int) (*Conn, error) {
	mode := &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}

	port, err := p.open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, name, err)
	}

	c := &Conn{port: port, name: name}
	if err := c.SetReadTimeout(DefaultReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, name, err)
	}
	return c, nil
}

// Conn is an open serial connection.
//
// Thread Safety: methods may be called from multiple goroutines, but a
// command/reply exchange is only meaningful when the caller serialises
// Write and ReadUntil.
type Conn struct {
	name string

	mu      sync.Mutex
	port    Port
	timeout time.Duration
	// pending holds bytes read past the last terminator.
	pending []byte
	closed  bool
}

// Name returns the port name the connection was opened on.
func (c *Conn) Name() string {
	return c.name
}

// Write sends p in full.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	written := 0
	for written < len(p) {
		n, err := c.port.Write(p[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("writing to %s: %w", c.name, err)
		}
		if n == 0 {
			return written, fmt.Errorf("writing to %s: %w", c.name, io.ErrShortWrite)
		}
	}
	return written, nil
}

// ReadUntil reads until delim arrives and returns everything up to and
// including it. Bytes after delim are kept for the next call.
//
// The port returns an empty read when its timeout elapses; ReadUntil turns
// that, or running past the overall deadline, into ErrTimeout.
func (c *Conn) ReadUntil(delim byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	deadline := time.Now().Add(c.timeout)
	buf := make([]byte, readChunkSize)
	for {
		if i := bytes.IndexByte(c.pending, delim); i >= 0 {
			out := append([]byte(nil), c.pending[:i+1]...)
			c.pending = c.pending[i+1:]
			return out, nil
		}
		if len(c.pending) > maxReplySize {
			c.pending = nil
			return nil, ErrReplyTooLong
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w after %s on %s", ErrTimeout, c.timeout, c.name)
		}

		n, err := c.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading from %s: %w", c.name, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w after %s on %s", ErrTimeout, c.timeout, c.name)
		}
		c.pending = append(c.pending, buf[:n]...)
	}
}

// SetReadTimeout sets the per-reply read timeout.
func (c *Conn) SetReadTimeout(d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.port.SetReadTimeout(d); err != nil {
		return fmt.Errorf("setting read timeout on %s: %w", c.name, err)
	}
	c.timeout = d
	return nil
}

// ClearBuffers discards unread input, buffered output and any bytes held
// from a previous read.
func (c *Conn) ClearBuffers() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.pending = nil
	if err := c.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("resetting input buffer on %s: %w", c.name, err)
	}
	if err := c.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("resetting output buffer on %s: %w", c.name, err)
	}
	return nil
}

// Close closes the port. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	return c.port.Close()
}
