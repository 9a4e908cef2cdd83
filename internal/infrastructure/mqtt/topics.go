package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// TopicPrefix is the root of every powerboxd topic.
const TopicPrefix = "bigpowerbox"

// Topics builds powerboxd topic names:
//
//	bigpowerbox/state/{device}/{feature}    retained feature state
//	bigpowerbox/info/{device}               retained device info
//	bigpowerbox/command/{device}/{feature}  commands in
//	bigpowerbox/ack/{device}/{feature}      command results out
//	bigpowerbox/health/{device}             retained bridge health
//	bigpowerbox/system/{client}/status      retained client online/offline
type Topics struct{}

// State returns the retained state topic for one feature.
func (Topics) State(deviceID string, featureID int) string {
	return fmt.Sprintf("%s/state/%s/%d", TopicPrefix, deviceID, featureID)
}

// Info returns the retained device info topic.
func (Topics) Info(deviceID string) string {
	return fmt.Sprintf("%s/info/%s", TopicPrefix, deviceID)
}

// Command returns the command topic for one feature.
func (Topics) Command(deviceID string, featureID int) string {
	return fmt.Sprintf("%s/command/%s/%d", TopicPrefix, deviceID, featureID)
}

// Ack returns the acknowledgement topic for one feature.
func (Topics) Ack(deviceID string, featureID int) string {
	return fmt.Sprintf("%s/ack/%s/%d", TopicPrefix, deviceID, featureID)
}

// Health returns the retained health topic of a device bridge.
func (Topics) Health(deviceID string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, deviceID)
}

// Status returns the retained connection status topic of a client.
func (Topics) Status(clientID string) string {
	return fmt.Sprintf("%s/system/%s/status", TopicPrefix, clientID)
}

// DeviceCommands matches every command topic of one device.
func (Topics) DeviceCommands(deviceID string) string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, deviceID)
}

// AllStates matches every state topic of every device.
func (Topics) AllStates() string {
	return TopicPrefix + "/state/+/+"
}

// ParseFeatureTopic splits "bigpowerbox/{kind}/{device}/{feature}" into its
// device and feature id.
func ParseFeatureTopic(topic string) (kind, deviceID string, featureID int, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix {
		return "", "", 0, fmt.Errorf("%w: unexpected topic %q", ErrInvalidTopic, topic)
	}
	id, err := strconv.Atoi(parts[3])
	if err != nil || id < 0 {
		return "", "", 0, fmt.Errorf("%w: bad feature id in %q", ErrInvalidTopic, topic)
	}
	return parts[1], parts[2], id, nil
}
