package device

import (
	"fmt"
	"strings"
)

// Ranges and units of the derived features.
const (
	currentMax     = 50
	voltageMax     = 50
	temperatureMin = -100
	temperatureMax = 200
	humidityMax    = 100
	pwmModeMax     = 3
	pwmOffsetMax   = 10

	unitAmps    = "A"
	unitVolts   = "V"
	unitCelsius = "C"
	unitPercent = "%"
)

const modeDescription = "(0: variable, 1: on/off, 2: dew heater, 3: temperature PID)"

// DeviceInfo is what the board reports about itself in its describe reply.
type DeviceInfo struct {
	Name             string    `json:"name"`
	HardwareRevision string    `json:"hardware_revision"`
	Signature        Signature `json:"signature"`
	PortCount        int       `json:"port_count"`
	FeatureCount     int       `json:"feature_count"`
	DisplayName      string    `json:"display_name"`
}

// displayName formats "<driver> - <device> - rev. <hw>".
func displayName(driver, device, rev string) string {
	return fmt.Sprintf("%s - %s - rev. %s", driver, device, rev)
}

// parseDescribe decodes a stripped "D:<name>:<rev>:<signature>" reply.
func parseDescribe(reply string) (DeviceInfo, Signature, error) {
	fields, err := splitReply(reply, tagDescribe, 4)
	if err != nil {
		return DeviceInfo{}, Signature{}, err
	}

	sig, err := ParseSignature(strings.TrimSpace(fields[3]))
	if err != nil {
		return DeviceInfo{}, Signature{}, err
	}

	info := DeviceInfo{
		Name:             fields[1],
		HardwareRevision: fields[2],
		Signature:        sig,
		PortCount:        sig.PortCount(),
		FeatureCount:     sig.FeatureCount(),
	}
	return info, sig, nil
}

// BuildFeatures builds the ordered feature model for a signature.
//
// Construction order:
//  1. one feature per physical port
//  2. one current sensor per port
//  3. input current, then input voltage
//  4. a mode and a temperature offset per PWM port
//  5. temperature, humidity and dewpoint when the board carries the
//     environment package
//  6. one temperature probe per 't', bound to the n-th PWM port
//
// Feature.Index equals the position in the returned slice.
func BuildFeatures(sig Signature) []Feature {
	features := make([]Feature, 0, sig.FeatureCount())
	add := func(f Feature) {
		f.Index = len(features)
		f.State = f.Kind.IsSensor()
		features = append(features, f)
	}

	var switchOrd, pwmOrd, aoOrd int
	for i, kind := range sig.Ports {
		port := i + 1
		f := Feature{Kind: kind, Min: 0, Max: 1, Writable: true}
		switch kind {
		case KindPWM:
			pwmOrd++
			f.Max = pwmFullScale
			f.Name = fmt.Sprintf("PWM port %d", pwmOrd)
			f.Description = fmt.Sprintf("PWM Port %d", pwmOrd)
		case KindAlwaysOn:
			aoOrd++
			f.Writable = false
			f.Name = fmt.Sprintf("AO port %d", port)
			f.Description = fmt.Sprintf("Always-On Port %d", aoOrd)
		default:
			switchOrd++
			f.Name = fmt.Sprintf("port %d", port)
			f.Description = fmt.Sprintf("Switchable Port %d", switchOrd)
		}
		add(f)
	}

	for i := range sig.Ports {
		port := i + 1
		add(Feature{
			Kind:        KindCurrentSensor,
			Name:        fmt.Sprintf("port %d Amps", port),
			Description: "Output Current Sensor",
			Max:         currentMax,
			Unit:        unitAmps,
			RelatedPort: port,
		})
	}

	add(Feature{Kind: KindInputCurrent, Name: "Input Amps", Description: "Input Current Sensor", Max: currentMax, Unit: unitAmps})
	add(Feature{Kind: KindInputVoltage, Name: "Input Volts", Description: "Input Voltage Sensor", Max: voltageMax, Unit: unitVolts})

	pwmPorts := sig.PWMPorts()
	for k, port := range pwmPorts {
		n := k + 1
		add(Feature{
			Kind:        KindPWMMode,
			Name:        fmt.Sprintf("PWM Port %d Mode", n),
			Description: fmt.Sprintf("PWM Port %d Mode %s", n, modeDescription),
			Writable:    true,
			Max:         pwmModeMax,
			RelatedPort: port,
		})
		add(Feature{
			Kind:        KindPWMTempOffset,
			Name:        fmt.Sprintf("PWM Port %d Offset", n),
			Description: fmt.Sprintf("PWM Port %d Temp Offset", n),
			Writable:    true,
			Max:         pwmOffsetMax,
			Unit:        unitCelsius,
			RelatedPort: port,
		})
	}

	if sig.Env {
		add(Feature{Kind: KindTemperature, Name: "Env Temperature", Description: "Environment Temperature Sensor",
			Min: temperatureMin, Max: temperatureMax, Unit: unitCelsius})
		add(Feature{Kind: KindHumidity, Name: "Env Humidity", Description: "Environment Humidity Sensor",
			Max: humidityMax, Unit: unitPercent})
		add(Feature{Kind: KindDewpoint, Name: "Env Dewpoint", Description: "Environment Dewpoint",
			Min: temperatureMin, Max: temperatureMax, Unit: unitCelsius})
	}

	for k := 0; k < sig.Probes; k++ {
		add(Feature{
			Kind:        KindTemperature,
			Name:        fmt.Sprintf("Temperature %d", k+1),
			Description: fmt.Sprintf("Temperature Sensor for PWM port %d", k+1),
			Min:         temperatureMin,
			Max:         temperatureMax,
			Unit:        unitCelsius,
			RelatedPort: pwmPorts[k],
		})
	}

	return features
}
