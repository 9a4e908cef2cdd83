package device

import (
	"errors"
	"testing"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		ports   int
		pwm     []int
		env     bool
		probes  int
		wantErr bool
	}{
		{name: "switches only", raw: "ssss", ports: 4},
		{name: "full board", raw: "mmmmmmmmppppaatffff", ports: 14, pwm: []int{9, 10, 11, 12}, env: true, probes: 1},
		{name: "env then probes", raw: "sspppaftt", ports: 6, pwm: []int{3, 4, 5}, env: true, probes: 2},
		{name: "probes then env", raw: "spptf", ports: 3, pwm: []int{2, 3}, env: true, probes: 1},
		{name: "non contiguous pwm", raw: "pspatt", ports: 4, pwm: []int{1, 3}, probes: 2},
		{name: "empty", raw: "", ports: 0},
		{name: "unknown character", raw: "ssx", wantErr: true},
		{name: "port after tail", raw: "ssfs", wantErr: true},
		{name: "more probes than pwm ports", raw: "sptt", wantErr: true},
		{name: "uppercase rejected", raw: "SS", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := ParseSignature(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Fatalf("ParseSignature(%q) error = %v, want ErrProtocol", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSignature(%q) error = %v", tt.raw, err)
			}
			if sig.PortCount() != tt.ports {
				t.Errorf("PortCount() = %d, want %d", sig.PortCount(), tt.ports)
			}
			gotPWM := sig.PWMPorts()
			if len(gotPWM) != len(tt.pwm) {
				t.Fatalf("PWMPorts() = %v, want %v", gotPWM, tt.pwm)
			}
			for i := range gotPWM {
				if gotPWM[i] != tt.pwm[i] {
					t.Errorf("PWMPorts() = %v, want %v", gotPWM, tt.pwm)
				}
			}
			if sig.Env != tt.env {
				t.Errorf("Env = %t, want %t", sig.Env, tt.env)
			}
			if sig.Probes != tt.probes {
				t.Errorf("Probes = %d, want %d", sig.Probes, tt.probes)
			}
			if sig.String() != tt.raw {
				t.Errorf("String() = %q, want %q", sig.String(), tt.raw)
			}
		})
	}
}

func TestBuildFeaturesDenseIndices(t *testing.T) {
	signatures := []string{"", "s", "ssss", "sp", "pppp", "ssmmppaaf", "mmmmmmmmppppaatffff", "pspatt", "ppftt"}

	for _, raw := range signatures {
		t.Run(raw, func(t *testing.T) {
			sig, err := ParseSignature(raw)
			if err != nil {
				t.Fatalf("ParseSignature() error = %v", err)
			}
			features := BuildFeatures(sig)

			pwm := len(sig.PWMPorts())
			want := 2*sig.PortCount() + 2 + 2*pwm + sig.Probes
			if sig.Env {
				want += 3
			}
			if len(features) != want {
				t.Fatalf("len(features) = %d, want %d", len(features), want)
			}
			if sig.FeatureCount() != want {
				t.Errorf("FeatureCount() = %d, want %d", sig.FeatureCount(), want)
			}
			for i, f := range features {
				if f.Index != i {
					t.Errorf("features[%d].Index = %d", i, f.Index)
				}
				if f.Min > f.Max {
					t.Errorf("features[%d] min %g > max %g", i, f.Min, f.Max)
				}
			}
		})
	}
}

func TestBuildFeaturesOrder(t *testing.T) {
	sig, err := ParseSignature("spaptf")
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	features := BuildFeatures(sig)

	want := []struct {
		kind     Kind
		name     string
		writable bool
		min, max float64
		unit     string
		related  int
	}{
		{KindSwitch, "port 1", true, 0, 1, "", 0},
		{KindPWM, "PWM port 1", true, 0, 255, "", 0},
		{KindAlwaysOn, "AO port 3", false, 0, 1, "", 0},
		{KindPWM, "PWM port 2", true, 0, 255, "", 0},
		{KindCurrentSensor, "port 1 Amps", false, 0, 50, "A", 1},
		{KindCurrentSensor, "port 2 Amps", false, 0, 50, "A", 2},
		{KindCurrentSensor, "port 3 Amps", false, 0, 50, "A", 3},
		{KindCurrentSensor, "port 4 Amps", false, 0, 50, "A", 4},
		{KindInputCurrent, "Input Amps", false, 0, 50, "A", 0},
		{KindInputVoltage, "Input Volts", false, 0, 50, "V", 0},
		{KindPWMMode, "PWM Port 1 Mode", true, 0, 3, "", 2},
		{KindPWMTempOffset, "PWM Port 1 Offset", true, 0, 10, "C", 2},
		{KindPWMMode, "PWM Port 2 Mode", true, 0, 3, "", 4},
		{KindPWMTempOffset, "PWM Port 2 Offset", true, 0, 10, "C", 4},
		{KindTemperature, "Env Temperature", false, -100, 200, "C", 0},
		{KindHumidity, "Env Humidity", false, 0, 100, "%", 0},
		{KindDewpoint, "Env Dewpoint", false, -100, 200, "C", 0},
		{KindTemperature, "Temperature 1", false, -100, 200, "C", 2},
	}

	if len(features) != len(want) {
		t.Fatalf("len(features) = %d, want %d", len(features), len(want))
	}
	for i, w := range want {
		f := features[i]
		if f.Kind != w.kind || f.Name != w.name || f.Writable != w.writable ||
			f.Min != w.min || f.Max != w.max || f.Unit != w.unit || f.RelatedPort != w.related {
			t.Errorf("features[%d] = %+v, want %+v", i, f, w)
		}
		if f.Kind.IsSensor() != f.State {
			t.Errorf("features[%d] state = %t, want %t", i, f.State, f.Kind.IsSensor())
		}
	}
}

func TestBuildFeaturesDescriptions(t *testing.T) {
	sig, err := ParseSignature("smpa")
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	features := BuildFeatures(sig)

	want := map[int]string{
		0:  "Switchable Port 1",
		1:  "Switchable Port 2",
		2:  "PWM Port 1",
		3:  "Always-On Port 1",
		4:  "Output Current Sensor",
		8:  "Input Current Sensor",
		9:  "Input Voltage Sensor",
		10: "PWM Port 1 Mode (0: variable, 1: on/off, 2: dew heater, 3: temperature PID)",
		11: "PWM Port 1 Temp Offset",
	}
	for id, desc := range want {
		if features[id].Description != desc {
			t.Errorf("features[%d].Description = %q, want %q", id, features[id].Description, desc)
		}
	}
	if features[1].Kind != KindMultiplexed {
		t.Errorf("features[1].Kind = %s, want %s", features[1].Kind, KindMultiplexed)
	}
}

func TestParseDescribe(t *testing.T) {
	info, sig, err := parseDescribe("D:BigPowerBox:2.1:ssppf")
	if err != nil {
		t.Fatalf("parseDescribe() error = %v", err)
	}
	if info.Name != "BigPowerBox" || info.HardwareRevision != "2.1" {
		t.Errorf("info = %+v", info)
	}
	if info.PortCount != 4 || info.FeatureCount != sig.FeatureCount() {
		t.Errorf("info counts = %d/%d", info.PortCount, info.FeatureCount)
	}

	for _, reply := range []string{"S:BigPowerBox:2.1:ss", "D:BigPowerBox:2.1", "D:box:1:ssq"} {
		if _, _, err := parseDescribe(reply); !errors.Is(err, ErrProtocol) {
			t.Errorf("parseDescribe(%q) error = %v, want ErrProtocol", reply, err)
		}
	}
}
