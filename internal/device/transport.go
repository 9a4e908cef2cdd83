package device

import (
	"context"
	"time"
)

// Transport is a half-duplex byte link to the board.
//
// Implementations do not need to be safe for concurrent use; the Controller
// serialises every call.
type Transport interface {
	// Write sends p in full or returns an error.
	Write(p []byte) (int, error)

	// ReadUntil blocks until delim arrives or the read timeout elapses and
	// returns everything read, delim included. A timeout is an error.
	ReadUntil(delim byte) ([]byte, error)

	// SetReadTimeout sets the timeout used by ReadUntil.
	SetReadTimeout(d time.Duration) error

	// ClearBuffers discards any pending input and output.
	ClearBuffers() error

	Close() error
}

// SerialPorts opens transports and enumerates the serial ports present on
// the host.
type SerialPorts interface {
	Open(name string, baud int) (Transport, error)
	List() ([]string, error)
}

// SettingsStore persists controller settings between runs.
type SettingsStore interface {
	// Get returns the value for key and whether it was set.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Setting keys used by the Controller.
const (
	SettingSerialPort   = "serial_port"
	SettingPortNames    = "port_names"
	SettingTraceEnabled = "trace_enabled"
)

// Logger is the logging interface the Controller writes to.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
