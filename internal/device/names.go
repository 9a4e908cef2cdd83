package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Name suffixes of the features derived from a port.
const (
	currentNameSuffix = " Current (A)"
	modeNameSuffix    = " Mode"
	offsetNameSuffix  = " Temperature Offset"
)

// queryNamesLocked reads the name the board stores for each port and names
// the paired current sensor after it.
func (c *Controller) queryNamesLocked() error {
	ports := c.sig.PortCount()
	for id := 0; id < ports; id++ {
		reply, err := c.exchangeLocked(GetNameCommand(id))
		if err != nil {
			return err
		}
		fields, err := splitReply(reply, tagName, 3)
		if err != nil {
			return err
		}
		name := strings.Join(fields[2:], ":")
		c.features[id].Name = name
		c.features[id+ports].Name = name + currentNameSuffix
	}
	return nil
}

// queryPWMLocked reads mode and temperature offset for every PWM port.
// A port in on/off mode is demoted to a plain switch.
func (c *Controller) queryPWMLocked() error {
	for i := range c.features {
		f := &c.features[i]
		switch f.Kind {
		case KindPWMMode:
			v, err := c.queryPortValueLocked(GetModeCommand(f.RelatedPort), tagMode)
			if err != nil {
				return err
			}
			f.Value = v
			f.State = true
			port := &c.features[f.RelatedPort-1]
			f.Name = port.Name + modeNameSuffix
			if v == PWMModeOnOff {
				port.Kind = KindSwitch
				port.Max = 1
			}
		case KindPWMTempOffset:
			v, err := c.queryPortValueLocked(GetOffsetCommand(f.RelatedPort), tagOffset)
			if err != nil {
				return err
			}
			f.Value = v
			f.State = true
			f.Name = c.features[f.RelatedPort-1].Name + offsetNameSuffix
		}
	}
	return nil
}

func (c *Controller) queryPortValueLocked(cmd, tag string) (float64, error) {
	reply, err := c.exchangeLocked(cmd)
	if err != nil {
		return 0, err
	}
	fields, err := splitReply(reply, tag, 3)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q value %q: %v", ErrProtocol, tag, fields[2], err)
	}
	return v, nil
}

// applyModeLocked updates the port controlled by a PWM mode feature after a
// mode write. It returns the port feature.
//
// On/off mode turns the port into a switch. Variable mode always restores
// the PWM output. The regulated modes restore it only when the port was
// fully on.
func (c *Controller) applyModeLocked(mode *Feature, value float64) Feature {
	port := &c.features[mode.RelatedPort-1]
	switch int(value) {
	case PWMModeOnOff:
		port.Kind = KindSwitch
		port.Max = 1
		if port.Value > 0 {
			port.Value = pwmFullScale
		} else {
			port.Value = 0
		}
		port.State = port.Value != 0
	case PWMModeVariable:
		port.Kind = KindPWM
		port.Max = pwmFullScale
	default:
		if port.Value >= port.Max {
			port.Kind = KindPWM
			port.Max = pwmFullScale
			port.Value = pwmFullScale
			port.State = true
		}
	}
	return *port
}

// portNamesLocked returns the current name of every physical port.
func (c *Controller) portNamesLocked() []string {
	names := make([]string, 0, c.sig.PortCount())
	for i := 0; i < c.sig.PortCount() && i < len(c.features); i++ {
		names = append(names, c.features[i].Name)
	}
	return names
}

func (c *Controller) saveNames(ctx context.Context, names []string) error {
	if c.opts.Settings == nil {
		return nil
	}
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encoding port names: %w", err)
	}
	if err := c.opts.Settings.Set(ctx, SettingPortNames, string(data)); err != nil {
		return fmt.Errorf("saving port names: %w", err)
	}
	return nil
}

// SavedNames returns the port names last persisted by SetName.
func (c *Controller) SavedNames(ctx context.Context) ([]string, error) {
	if c.opts.Settings == nil {
		return nil, nil
	}
	raw, ok, err := c.opts.Settings.Get(ctx, SettingPortNames)
	if err != nil {
		return nil, fmt.Errorf("reading port names: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("decoding port names: %w", err)
	}
	return names, nil
}

// RestoreNames writes the saved port names back to the board, for example
// after the board was swapped or its EEPROM reset. Ports whose name already
// matches, or that have no saved name, are skipped. It returns how many
// ports were renamed.
func (c *Controller) RestoreNames(ctx context.Context) (int, error) {
	saved, err := c.SavedNames(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	current := c.portNamesLocked()
	c.mu.Unlock()

	restored := 0
	for id, name := range saved {
		if id >= len(current) || name == "" || name == current[id] {
			continue
		}
		if err := c.SetName(ctx, id, name); err != nil {
			return restored, fmt.Errorf("restoring name of port %d: %w", id, err)
		}
		restored++
	}
	return restored, nil
}
