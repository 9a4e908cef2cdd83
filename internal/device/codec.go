package device

import (
	"fmt"
	"strings"
)

// Framing characters of the wire protocol.
const (
	startOfCommand = ">"
	endOfCommand   = "#"

	// terminator is the byte every reply is read up to.
	terminator = '#'

	// pingReply is the stripped reply a live board answers ">P#" with.
	pingReply = "POK"
)

// Reply tags.
const (
	tagDescribe = "D"
	tagStatus   = "S"
	tagName     = "N"
	tagMode     = "G"
	tagOffset   = "H"
)

// Frame wraps a command body as ">" + body + "#".
func Frame(body string) string {
	return startOfCommand + body + endOfCommand
}

// Strip removes every framing character from a reply and trims whitespace.
func Strip(reply string) string {
	reply = strings.ReplaceAll(reply, startOfCommand, "")
	reply = strings.ReplaceAll(reply, endOfCommand, "")
	return strings.TrimSpace(reply)
}

// PingCommand returns ">P#".
func PingCommand() string { return Frame("P") }

// DescribeCommand returns ">D#".
func DescribeCommand() string { return Frame("D") }

// StatusCommand returns ">S#".
func StatusCommand() string { return Frame("S") }

// GetNameCommand returns ">N:<id>#".
func GetNameCommand(id int) string {
	return Frame(fmt.Sprintf("N:%02d", id))
}

// SetNameCommand returns ">M:<id>:<name>#".
func SetNameCommand(id int, name string) string {
	return Frame(fmt.Sprintf("M:%02d:%s", id, name))
}

// SwitchOnCommand returns ">O:<id>#".
func SwitchOnCommand(id int) string {
	return Frame(fmt.Sprintf("O:%02d", id))
}

// SwitchOffCommand returns ">F:<id>#".
func SwitchOffCommand(id int) string {
	return Frame(fmt.Sprintf("F:%02d", id))
}

// PWMValueCommand returns ">W:<id>:<value>#".
func PWMValueCommand(id int, value float64) string {
	return Frame(fmt.Sprintf("W:%02d:%d", id, int(value)))
}

// The mode and offset commands address the board by zero-based port, while
// features carry the 1-based RelatedPort. portAddress is the only place that
// conversion happens.
func portAddress(relatedPort int) int {
	return relatedPort - 1
}

// SetModeCommand returns ">C:<port-1>:<value>#" for a 1-based port number.
func SetModeCommand(relatedPort int, mode float64) string {
	return Frame(fmt.Sprintf("C:%02d:%d", portAddress(relatedPort), int(mode)))
}

// GetModeCommand returns ">G:<port-1>#" for a 1-based port number.
func GetModeCommand(relatedPort int) string {
	return Frame(fmt.Sprintf("G:%02d", portAddress(relatedPort)))
}

// SetOffsetCommand returns ">T:<port-1>:<value>#" for a 1-based port number.
func SetOffsetCommand(relatedPort int, offset float64) string {
	return Frame(fmt.Sprintf("T:%02d:%d", portAddress(relatedPort), int(offset)))
}

// GetOffsetCommand returns ">H:<port-1>#" for a 1-based port number.
func GetOffsetCommand(relatedPort int) string {
	return Frame(fmt.Sprintf("H:%02d", portAddress(relatedPort)))
}

// splitReply splits a stripped reply on ':' and checks its tag and minimum
// field count (tag included).
func splitReply(reply, tag string, minFields int) ([]string, error) {
	fields := strings.Split(reply, ":")
	if fields[0] != tag {
		return nil, fmt.Errorf("%w: expected %q reply, got %q", ErrProtocol, tag, reply)
	}
	if len(fields) < minFields {
		return nil, fmt.Errorf("%w: %q reply has %d fields, want at least %d", ErrProtocol, tag, len(fields), minFields)
	}
	return fields, nil
}
