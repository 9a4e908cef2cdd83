package device

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// featureLocked validates the connection and the id and returns a pointer
// into the live model.
func (c *Controller) featureLocked(id int) (*Feature, error) {
	if c.state != StateReady {
		return nil, ErrNotConnected
	}
	if id < 0 || id >= len(c.features) {
		return nil, fmt.Errorf("%w: feature id %d out of range [0, %d)", ErrValidation, id, len(c.features))
	}
	return &c.features[id], nil
}

func (c *Controller) readFeature(id int) (Feature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.featureLocked(id)
	if err != nil {
		return Feature{}, err
	}
	return *f, nil
}

// MaxSwitch returns the number of addressable features.
func (c *Controller) MaxSwitch() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return 0, ErrNotConnected
	}
	return len(c.features), nil
}

// Features returns a copy of the whole model.
func (c *Controller) Features() ([]Feature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, ErrNotConnected
	}
	return cloneFeatures(c.features), nil
}

// Feature returns a copy of one feature.
func (c *Controller) Feature(id int) (Feature, error) {
	return c.readFeature(id)
}

// GetName returns the feature name.
func (c *Controller) GetName(id int) (string, error) {
	f, err := c.readFeature(id)
	return f.Name, err
}

// GetDescription returns the feature description.
func (c *Controller) GetDescription(id int) (string, error) {
	f, err := c.readFeature(id)
	return f.Description, err
}

// CanWrite reports whether the feature accepts writes.
func (c *Controller) CanWrite(id int) (bool, error) {
	f, err := c.readFeature(id)
	return f.Writable, err
}

// GetSwitch returns the feature's boolean state.
func (c *Controller) GetSwitch(id int) (bool, error) {
	f, err := c.readFeature(id)
	return f.State, err
}

// GetValue returns the feature's numeric value.
func (c *Controller) GetValue(id int) (float64, error) {
	f, err := c.readFeature(id)
	return f.Value, err
}

// MinValue returns the lower bound of the feature's range.
func (c *Controller) MinValue(id int) (float64, error) {
	f, err := c.readFeature(id)
	return f.Min, err
}

// MaxValue returns the upper bound of the feature's range.
func (c *Controller) MaxValue(id int) (float64, error) {
	f, err := c.readFeature(id)
	return f.Max, err
}

// validateName rejects names the board would split into two commands.
func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: name is empty", ErrValidation)
	case strings.ContainsAny(name, startOfCommand+endOfCommand):
		return fmt.Errorf("%w: name %q must not contain %q or %q", ErrValidation, name, startOfCommand, endOfCommand)
	}
	return nil
}

// portValue is the value the status line reports for a port in state on.
func portValue(on bool) float64 {
	if on {
		return pwmFullScale
	}
	return 0
}

// SetName renames a feature. Port names are written to the board and
// carried over to the paired current sensor; the resulting port names are
// persisted. Setting the current name is a no-op.
func (c *Controller) SetName(ctx context.Context, id int, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	c.mu.Lock()
	f, err := c.featureLocked(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if f.Name == name {
		c.mu.Unlock()
		return nil
	}

	changed := []int{id}
	ports := c.sig.PortCount()
	if id < ports {
		if _, err := c.exchangeLocked(SetNameCommand(id, name)); err != nil {
			c.mu.Unlock()
			return err
		}
		c.features[id+ports].Name = name + currentNameSuffix
		changed = append(changed, id+ports)
	}
	f.Name = name

	ev := c.changedEventLocked(changed...)
	names := c.portNamesLocked()
	c.mu.Unlock()

	c.notify(ev)
	if id < ports {
		if err := c.saveNames(ctx, names); err != nil {
			c.logError("persisting port names", err)
		}
	}
	return nil
}

// SetSwitch turns a writable feature fully on or off. Ports take the value
// the status line would report for them, full scale or zero; the values of
// other features are left alone.
func (c *Controller) SetSwitch(ctx context.Context, id int, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	f, err := c.featureLocked(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !f.Writable {
		c.mu.Unlock()
		return fmt.Errorf("%w: feature %d (%s) is read-only", ErrValidation, id, f.Kind)
	}

	var cmd string
	switch {
	case f.Kind == KindPWM && on:
		cmd = PWMValueCommand(id, pwmFullScale)
	case f.Kind == KindPWM:
		cmd = PWMValueCommand(id, 0)
	case on:
		cmd = SwitchOnCommand(id)
	default:
		cmd = SwitchOffCommand(id)
	}
	if _, err := c.exchangeLocked(cmd); err != nil {
		c.mu.Unlock()
		return err
	}

	f.State = on
	if id < c.sig.PortCount() {
		f.Value = portValue(on)
	}

	ev := c.changedEventLocked(id)
	c.mu.Unlock()

	c.notify(ev)
	return nil
}

// SetValue writes a numeric value to a writable feature. The value must lie
// within the feature's range, and PWM duty cycles, modes and offsets must be
// whole numbers because the board takes integers.
//
// Writing a PWM mode also changes the controlled port: on/off mode turns it
// into a plain switch, the other modes may restore the PWM output.
func (c *Controller) SetValue(ctx context.Context, id int, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	f, err := c.featureLocked(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !f.Writable {
		c.mu.Unlock()
		return fmt.Errorf("%w: feature %d (%s) is read-only", ErrValidation, id, f.Kind)
	}
	if !f.InRange(value) {
		c.mu.Unlock()
		return fmt.Errorf("%w: value %g out of range [%g, %g] for feature %d", ErrValidation, value, f.Min, f.Max, id)
	}
	if integral(f.Kind) && value != math.Trunc(value) {
		c.mu.Unlock()
		return fmt.Errorf("%w: value %g for feature %d (%s) must be a whole number", ErrValidation, value, id, f.Kind)
	}

	var cmd string
	switch f.Kind {
	case KindPWM:
		cmd = PWMValueCommand(id, value)
	case KindPWMMode:
		cmd = SetModeCommand(f.RelatedPort, value)
	case KindPWMTempOffset:
		cmd = SetOffsetCommand(f.RelatedPort, value)
	default:
		if value > 0 {
			cmd = SwitchOnCommand(id)
		} else {
			cmd = SwitchOffCommand(id)
		}
	}
	if _, err := c.exchangeLocked(cmd); err != nil {
		c.mu.Unlock()
		return err
	}

	changed := []int{id}
	f.Value = value
	switch f.Kind {
	case KindPWMMode:
		port := c.applyModeLocked(f, value)
		changed = append(changed, port.Index)
	case KindPWMTempOffset:
	case KindPWM:
		f.State = value != 0
	default:
		f.State = value != 0
		f.Value = portValue(f.State)
	}

	ev := c.changedEventLocked(changed...)
	c.mu.Unlock()

	c.notify(ev)
	return nil
}

func integral(k Kind) bool {
	return k == KindPWM || k == KindPWMMode || k == KindPWMTempOffset
}

func (c *Controller) changedEventLocked(ids ...int) Event {
	features := make([]Feature, 0, len(ids))
	for _, id := range ids {
		features = append(features, c.features[id])
	}
	return Event{Type: EventChanged, Info: c.info, Features: features, At: time.Now()}
}
