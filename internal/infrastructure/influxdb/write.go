package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementSensor     = "powerbox_sensor"
	MeasurementOutput     = "powerbox_output"
	MeasurementConnection = "powerbox_connection"
)

// Sample is one feature reading.
type Sample struct {
	FeatureID int
	Name      string
	Kind      string
	Unit      string
	Value     float64
	State     bool
}

// WriteSensor records a read-only sensor value.
func (c *Client) WriteSensor(deviceID string, s Sample) {
	c.write(SensorPoint(deviceID, s, c.now()))
}

// WriteOutput records the state and value of a switchable output.
func (c *Client) WriteOutput(deviceID string, s Sample) {
	c.write(OutputPoint(deviceID, s, c.now()))
}

// WriteConnection records the serial link to the board going up or down.
func (c *Client) WriteConnection(deviceID, serialPort string, connected bool) {
	c.write(ConnectionPoint(deviceID, serialPort, connected, c.now()))
}

// SensorPoint builds the powerbox_sensor point for s.
func SensorPoint(deviceID string, s Sample, at time.Time) *write.Point {
	tags := map[string]string{
		"device_id": deviceID,
		"feature":   s.Name,
		"kind":      s.Kind,
	}
	if s.Unit != "" {
		tags["unit"] = s.Unit
	}
	return write.NewPoint(MeasurementSensor, tags, map[string]any{"value": s.Value}, at)
}

// OutputPoint builds the powerbox_output point for s.
func OutputPoint(deviceID string, s Sample, at time.Time) *write.Point {
	return write.NewPoint(MeasurementOutput,
		map[string]string{
			"device_id": deviceID,
			"feature":   s.Name,
			"kind":      s.Kind,
		},
		map[string]any{
			"value": s.Value,
			"state": s.State,
		},
		at,
	)
}

// ConnectionPoint builds the powerbox_connection point. serialPort is
// omitted from the tags when empty.
func ConnectionPoint(deviceID, serialPort string, connected bool, at time.Time) *write.Point {
	tags := map[string]string{"device_id": deviceID}
	if serialPort != "" {
		tags["serial_port"] = serialPort
	}
	return write.NewPoint(MeasurementConnection, tags, map[string]any{"connected": connected}, at)
}
