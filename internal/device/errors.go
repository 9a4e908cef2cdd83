package device

import "errors"

// Domain errors for the device package.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTransport is returned when the serial link cannot be opened, the
	// configured port does not exist, or a read/write fails or times out.
	ErrTransport = errors.New("device: transport error")

	// ErrProtocol is returned when a reply carries the wrong tag or a
	// malformed or short field list, or when the board signature is invalid.
	ErrProtocol = errors.New("device: protocol error")

	// ErrValidation is returned for an id or value out of range, or a write
	// to a read-only feature. Validation failures never reach the wire.
	ErrValidation = errors.New("device: validation error")

	// ErrNotConnected is returned when the handshake exhausted its retries,
	// or when an operation needing a live connection is issued while
	// disconnected.
	ErrNotConnected = errors.New("device: not connected")
)
