package device

import "fmt"

// Kind identifies what a Feature controls or measures.
type Kind string

// Feature kinds. The first four are physical output ports; the rest are
// sensors or per-port settings derived from them.
const (
	KindSwitch        Kind = "switch"
	KindMultiplexed   Kind = "multiplexed"
	KindPWM           Kind = "pwm"
	KindAlwaysOn      Kind = "always_on"
	KindCurrentSensor Kind = "current_sensor"
	KindInputCurrent  Kind = "input_current"
	KindInputVoltage  Kind = "input_voltage"
	KindTemperature   Kind = "temperature"
	KindHumidity      Kind = "humidity"
	KindDewpoint      Kind = "dewpoint"
	KindPWMMode       Kind = "pwm_mode"
	KindPWMTempOffset Kind = "pwm_temp_offset"
)

// IsPort reports whether the kind is one of the physical output port kinds.
func (k Kind) IsPort() bool {
	switch k {
	case KindSwitch, KindMultiplexed, KindPWM, KindAlwaysOn:
		return true
	default:
		return false
	}
}

// IsSensor reports whether the kind is a read-only measurement.
func (k Kind) IsSensor() bool {
	switch k {
	case KindCurrentSensor, KindInputCurrent, KindInputVoltage,
		KindTemperature, KindHumidity, KindDewpoint:
		return true
	default:
		return false
	}
}

// PWM operating modes reported by ">G" and set by ">C".
const (
	PWMModeVariable    = 0
	PWMModeOnOff       = 1
	PWMModeDewHeater   = 2
	PWMModeTemperature = 3
)

// pwmFullScale is the duty-cycle value of a fully-on PWM output.
const pwmFullScale = 255

// Feature is one addressable channel of the board: an output port, a sensor,
// or a per-port setting.
//
// Index is the 0-based position in construction order and is the id callers
// use. RelatedPort is the 1-based physical port a derived feature refers to
// (zero when the feature is not tied to a port).
type Feature struct {
	Index       int     `json:"index"`
	Kind        Kind    `json:"kind"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Writable    bool    `json:"writable"`
	State       bool    `json:"state"`
	Value       float64 `json:"value"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Unit        string  `json:"unit,omitempty"`
	RelatedPort int     `json:"related_port,omitempty"`
}

// String implements fmt.Stringer for log output.
func (f Feature) String() string {
	return fmt.Sprintf("#%d %s %q state=%t value=%g", f.Index, f.Kind, f.Name, f.State, f.Value)
}

// InRange reports whether v lies within the feature's [Min, Max] range.
func (f Feature) InRange(v float64) bool {
	return v >= f.Min && v <= f.Max
}

// cloneFeatures returns a deep copy of a feature slice.
func cloneFeatures(in []Feature) []Feature {
	if in == nil {
		return nil
	}
	out := make([]Feature, len(in))
	copy(out, in)
	return out
}
