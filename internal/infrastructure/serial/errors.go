package serial

import "errors"

// Domain-specific errors for serial operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrOpenFailed is returned when the port cannot be opened or configured.
	ErrOpenFailed = errors.New("serial: open failed")

	// ErrClosed is returned for I/O on a closed connection.
	ErrClosed = errors.New("serial: port closed")

	// ErrTimeout is returned when no terminator arrived before the read
	// deadline.
	ErrTimeout = errors.New("serial: read timeout")

	// ErrReplyTooLong is returned when more than the maximum reply size was
	// read without seeing the terminator.
	ErrReplyTooLong = errors.New("serial: reply exceeds maximum length")
)
