package powerbox

import "errors"

var (
	// ErrInvalidCommand is returned for a malformed or unknown command.
	ErrInvalidCommand = errors.New("powerbox: invalid command")

	// ErrWrongDevice is returned for a command addressed to another device.
	ErrWrongDevice = errors.New("powerbox: command for another device")
)
