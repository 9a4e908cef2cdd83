package device

import (
	"fmt"
	"strconv"
	"strings"
)

// decodeStatus applies a stripped "S:..." reply to a copy of features and
// returns the copy. The input slice is never modified, so a failed decode
// leaves the live model untouched.
//
// Field order follows construction order, except that the per-PWM mode and
// offset features are not carried in the status line: the feature index
// jumps over them without consuming a field.
func decodeStatus(reply string, sig Signature, features []Feature) ([]Feature, error) {
	if len(features) != sig.FeatureCount() {
		return nil, fmt.Errorf("%w: feature model has %d entries, signature %q needs %d",
			ErrProtocol, len(features), sig, sig.FeatureCount())
	}

	fields, err := splitReply(reply, tagStatus, 1)
	if err != nil {
		return nil, err
	}
	if want := sig.StatusFieldCount(); len(fields) != want {
		return nil, fmt.Errorf("%w: status reply has %d fields, want %d", ErrProtocol, len(fields), want)
	}

	values := make([]float64, len(fields)-1)
	for i, raw := range fields[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: status field %d %q: %v", ErrProtocol, i+1, raw, err)
		}
		values[i] = v
	}

	staged := cloneFeatures(features)
	idx, fi := 0, 0
	next := func() float64 {
		v := values[fi]
		fi++
		return v
	}

	ports := sig.PortCount()
	for ; idx < ports; idx++ {
		v := next()
		f := &staged[idx]
		if f.Kind == KindPWM {
			f.Value = v
			f.State = v != 0
			continue
		}
		f.State = v != 0
		if f.State {
			f.Value = pwmFullScale
		} else {
			f.Value = 0
		}
	}

	// currents, then input current and input voltage
	for end := idx + ports + 2; idx < end; idx++ {
		staged[idx].Value = next()
		staged[idx].State = true
	}

	idx += 2 * len(sig.PWMPorts())

	for end := len(staged); idx < end; idx++ {
		staged[idx].Value = next()
		staged[idx].State = true
	}

	return staged, nil
}

// EncodeStatus renders the status line a board would send for the given
// feature values. It is the inverse of the status decode and is used by the
// firmware simulator and the diagnostics endpoint.
func EncodeStatus(features []Feature, sig Signature) string {
	parts := make([]string, 0, sig.StatusFieldCount())
	parts = append(parts, tagStatus)

	ports := sig.PortCount()
	pwm := len(sig.PWMPorts())
	for i, f := range features {
		switch {
		case i < ports && f.Kind == KindPWM:
			parts = append(parts, formatField(f.Value))
		case i < ports:
			if f.State {
				parts = append(parts, "1")
			} else {
				parts = append(parts, "0")
			}
		case i < 2*ports+2:
			parts = append(parts, formatField(f.Value))
		case i < 2*ports+2+2*pwm:
			// mode and offset are queried separately
		default:
			parts = append(parts, formatField(f.Value))
		}
	}
	return strings.Join(parts, ":")
}

func formatField(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
