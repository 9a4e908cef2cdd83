package powerbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MichelMoriniaux/BigPowerBox/internal/device"
)

// Command names accepted on the command topic.
const (
	CommandOn       = "on"
	CommandOff      = "off"
	CommandSetValue = "set_value"
	CommandSetName  = "set_name"
)

// CommandMessage arrives on bigpowerbox/command/{device}/{feature}.
type CommandMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Command   string    `json:"command"`
	Value     *float64  `json:"value,omitempty"`
	Name      string    `json:"name,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// Validate checks that the command carries the arguments it needs.
func (m CommandMessage) Validate() error {
	switch m.Command {
	case CommandOn, CommandOff:
		return nil
	case CommandSetValue:
		if m.Value == nil {
			return fmt.Errorf("%w: set_value requires value", ErrInvalidCommand)
		}
		return nil
	case CommandSetName:
		if m.Name == "" {
			return fmt.Errorf("%w: set_name requires name", ErrInvalidCommand)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing command", ErrInvalidCommand)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, m.Command)
	}
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
)

// Error codes carried in failed acks.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeProtocol          = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// AckMessage is published on bigpowerbox/ack/{device}/{feature}.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	FeatureID int       `json:"feature_id"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError describes why a command failed.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAckMessage builds an ack for cmd. A nil err means accepted.
func NewAckMessage(deviceID string, featureID int, cmd CommandMessage, err error) AckMessage {
	ack := AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
		FeatureID: featureID,
		Status:    AckAccepted,
	}
	if err != nil {
		ack.Status = AckFailed
		ack.Error = &AckError{Code: errorCode(err), Message: err.Error()}
	}
	return ack
}

// errorCode maps controller errors onto ack codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, device.ErrValidation):
		return ErrCodeInvalidParameters
	case errors.Is(err, device.ErrNotConnected):
		return ErrCodeNotConnected
	case errors.Is(err, device.ErrProtocol):
		return ErrCodeProtocol
	case errors.Is(err, device.ErrTransport):
		return ErrCodeTransport
	case isTimeout(err):
		return ErrCodeTimeout
	default:
		return ErrCodeBridgeError
	}
}

// StateMessage is published retained on bigpowerbox/state/{device}/{feature}.
type StateMessage struct {
	DeviceID    string      `json:"device_id"`
	FeatureID   int         `json:"feature_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Name        string      `json:"name"`
	Kind        device.Kind `json:"kind"`
	Writable    bool        `json:"writable"`
	State       bool        `json:"state"`
	Value       float64     `json:"value"`
	Min         float64     `json:"min"`
	Max         float64     `json:"max"`
	Unit        string      `json:"unit,omitempty"`
	RelatedPort int         `json:"related_port,omitempty"`
}

// NewStateMessage builds the state message for f.
func NewStateMessage(deviceID string, f device.Feature, at time.Time) StateMessage {
	return StateMessage{
		DeviceID:    deviceID,
		FeatureID:   f.Index,
		Timestamp:   at.UTC(),
		Name:        f.Name,
		Kind:        f.Kind,
		Writable:    f.Writable,
		State:       f.State,
		Value:       f.Value,
		Min:         f.Min,
		Max:         f.Max,
		Unit:        f.Unit,
		RelatedPort: f.RelatedPort,
	}
}

// InfoMessage is published retained on bigpowerbox/info/{device} after
// each connect.
type InfoMessage struct {
	DeviceID    string           `json:"device_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name"`
	Hardware    string           `json:"hardware_revision"`
	Signature   string           `json:"signature"`
	PortCount   int              `json:"port_count"`
	Features    []device.Feature `json:"features"`
}

// NewInfoMessage builds the info message from a connect event.
func NewInfoMessage(deviceID string, ev device.Event) InfoMessage {
	return InfoMessage{
		DeviceID:    deviceID,
		Timestamp:   ev.At.UTC(),
		Name:        ev.Info.Name,
		DisplayName: ev.Info.DisplayName,
		Hardware:    ev.Info.HardwareRevision,
		Signature:   ev.Info.Signature.String(),
		PortCount:   ev.Info.PortCount,
		Features:    ev.Features,
	}
}

// HealthStatus is the operational state of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
	HealthOffline  HealthStatus = "offline"
)

// HealthMessage is published retained on bigpowerbox/health/{device}.
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Device        *DeviceStatus     `json:"device,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// DeviceStatus is the controller side of a health report.
type DeviceStatus struct {
	State      string `json:"state"`
	SerialPort string `json:"serial_port"`
	Features   int    `json:"features"`
}

// BridgeStatistics counts bridge activity since start.
type BridgeStatistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`
	Refreshes        uint64 `json:"refreshes"`
}

// NewLWTMessage is the health payload the broker publishes if the bridge
// disappears without a clean shutdown.
func NewLWTMessage(deviceID string) HealthMessage {
	return HealthMessage{
		Bridge:    deviceID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// LWTPayload returns the marshalled Last Will for deviceID.
func LWTPayload(deviceID string) []byte {
	b, _ := json.Marshal(NewLWTMessage(deviceID)) //nolint:errcheck // plain struct always marshals
	return b
}
