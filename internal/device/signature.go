package device

import (
	"fmt"
	"strings"
)

// Signature characters reported by the firmware.
const (
	sigSwitch      = 's'
	sigMultiplexed = 'm'
	sigPWM         = 'p'
	sigAlwaysOn    = 'a'
	sigEnvironment = 'f'
	sigProbe       = 't'
)

// Signature is the decoded board topology.
//
// The leading run of s/m/p/a characters lists the physical ports left to
// right. It is followed by a tail of 'f' (combined temperature, humidity
// and dewpoint package) and 't' (one temperature probe per PWM port, in PWM
// port order).
type Signature struct {
	Raw    string `json:"raw"`
	Ports  []Kind `json:"ports"`
	Env    bool   `json:"env"`
	Probes int    `json:"probes"`
}

// ParseSignature decodes a board signature string.
//
// Returns ErrProtocol for an unknown character, a port character after the
// sensor tail has started, or more probes than PWM ports.
func ParseSignature(raw string) (Signature, error) {
	sig := Signature{Raw: raw}

	inTail := false
	for i, ch := range raw {
		switch ch {
		case sigSwitch, sigMultiplexed, sigPWM, sigAlwaysOn:
			if inTail {
				return Signature{}, fmt.Errorf("%w: signature %q: port %q at %d after sensor tail", ErrProtocol, raw, ch, i)
			}
			sig.Ports = append(sig.Ports, portKind(ch))
		case sigEnvironment:
			inTail = true
			sig.Env = true
		case sigProbe:
			inTail = true
			sig.Probes++
		default:
			return Signature{}, fmt.Errorf("%w: signature %q: unknown character %q", ErrProtocol, raw, ch)
		}
	}

	if sig.Probes > len(sig.PWMPorts()) {
		return Signature{}, fmt.Errorf("%w: signature %q: %d probes for %d PWM ports",
			ErrProtocol, raw, sig.Probes, len(sig.PWMPorts()))
	}

	return sig, nil
}

func portKind(ch rune) Kind {
	switch ch {
	case sigMultiplexed:
		return KindMultiplexed
	case sigPWM:
		return KindPWM
	case sigAlwaysOn:
		return KindAlwaysOn
	default:
		return KindSwitch
	}
}

// PortCount returns the number of physical ports.
func (s Signature) PortCount() int {
	return len(s.Ports)
}

// PWMPorts returns the 1-based physical numbers of the PWM ports in order.
func (s Signature) PWMPorts() []int {
	var out []int
	for i, k := range s.Ports {
		if k == KindPWM {
			out = append(out, i+1)
		}
	}
	return out
}

// FeatureCount returns the size of the feature model built from s.
func (s Signature) FeatureCount() int {
	n := 2*len(s.Ports) + 2 + 2*len(s.PWMPorts()) + s.Probes
	if s.Env {
		n += 3
	}
	return n
}

// StatusFieldCount returns the number of colon-separated fields in a status
// reply for this topology, including the leading "S" tag.
func (s Signature) StatusFieldCount() int {
	n := 1 + 2*len(s.Ports) + 2 + s.Probes
	if s.Env {
		n += 3
	}
	return n
}

// String returns the signature as reported by the board.
func (s Signature) String() string {
	if s.Raw != "" {
		return s.Raw
	}
	var b strings.Builder
	for _, k := range s.Ports {
		switch k {
		case KindMultiplexed:
			b.WriteByte(sigMultiplexed)
		case KindPWM:
			b.WriteByte(sigPWM)
		case KindAlwaysOn:
			b.WriteByte(sigAlwaysOn)
		default:
			b.WriteByte(sigSwitch)
		}
	}
	if s.Env {
		b.WriteByte(sigEnvironment)
	}
	b.WriteString(strings.Repeat(string(sigProbe), s.Probes))
	return b.String()
}
