package hapwled

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Characteristic handlers for a single device.
// Getters query the device; setters send a control request. Network and
// parse errors are always returned to the caller.
type Controller interface {
	GetPower(ctx context.Context) (bool, error)
	SetPower(ctx context.Context, on bool) error
	GetBrightness(ctx context.Context) (int, error)
	SetBrightness(ctx context.Context, percent int) error
	GetActivePreset(ctx context.Context) (int, error)
	SetActivePreset(ctx context.Context, index int) error
}

// Receives device state observed by controllers, e.g. to mirror it elsewhere.
type StatePublisher interface {
	PublishState(e *Entry, s DeviceState)
	PublishAvailability(e *Entry, online bool)
}

// Controller backed by the WLED HTTP API.
type DeviceController struct {
	Client    *Client
	Entry     *Entry
	Publisher StatePublisher // optional
}

var _ Controller = (*DeviceController)(nil)

func NewDeviceController(c *Client, e *Entry, p StatePublisher) *DeviceController {
	return &DeviceController{Client: c, Entry: e, Publisher: p}
}

func (d *DeviceController) request(ctx context.Context, query string) (DeviceState, error) {
	dev := d.Entry.Device()

	status, err := d.Client.FetchStatus(ctx, dev.Address, query)
	if err != nil {
		log.WithField("device", dev.DisplayName).WithError(err).Error("request failed")
		return DeviceState{}, err
	}

	state := Interpret(status)
	if d.Publisher != nil {
		d.Publisher.PublishState(d.Entry, state)
	}
	return state, nil
}

func (d *DeviceController) logger() *log.Entry {
	return log.WithField("device", d.Entry.Device().DisplayName)
}

func (d *DeviceController) GetPower(ctx context.Context) (bool, error) {
	state, err := d.request(ctx, QueryStatus)
	if err != nil {
		return false, err
	}
	d.logger().Debugf("power is %t", state.PowerOn)
	return state.PowerOn, nil
}

func (d *DeviceController) SetPower(ctx context.Context, on bool) error {
	mode := PowerOff
	if on {
		mode = PowerOn
	}

	state, err := d.request(ctx, PowerQuery(mode))
	if err != nil {
		return err
	}

	if state.PowerOn {
		d.logger().Info("turning on")
	} else {
		d.logger().Info("turning off")
	}
	return nil
}

func (d *DeviceController) GetBrightness(ctx context.Context) (int, error) {
	state, err := d.request(ctx, QueryStatus)
	if err != nil {
		return 0, err
	}
	d.logger().Debugf("brightness is %d%%", state.BrightnessPercent)
	return state.BrightnessPercent, nil
}

func (d *DeviceController) SetBrightness(ctx context.Context, percent int) error {
	state, err := d.request(ctx, BrightnessQuery(BrightnessToRaw(percent)))
	if err != nil {
		return err
	}
	d.logger().Infof("brightness set to %d%%", state.BrightnessPercent)
	return nil
}

func (d *DeviceController) GetActivePreset(ctx context.Context) (int, error) {
	state, err := d.request(ctx, QueryStatus)
	if err != nil {
		return 0, err
	}
	d.logger().Debugf("preset is %d", state.ActivePreset)
	return state.ActivePreset, nil
}

func (d *DeviceController) SetActivePreset(ctx context.Context, index int) error {
	state, err := d.request(ctx, PresetQuery(index))
	if err != nil {
		return err
	}

	if state.ActivePreset != index {
		d.logger().Warnf("asked for preset %d, device reports preset %d", index, state.ActivePreset)
	} else {
		d.logger().Infof("preset set to %d", state.ActivePreset)
	}
	return nil
}

// Device properties that characteristics are mapped onto
type Property int

const (
	PropertyPower Property = iota
	PropertyBrightness
	PropertyPreset
)

func (p Property) String() string {
	switch p {
	case PropertyPower:
		return "power"
	case PropertyBrightness:
		return "brightness"
	case PropertyPreset:
		return "preset"
	}
	return fmt.Sprintf("Property(%d)", int(p))
}

var ErrPropertyType = fmt.Errorf("wrong value type for property")

// Reads a property: bool for power, int otherwise
func getProperty(ctx context.Context, c Controller, p Property) (any, error) {
	switch p {
	case PropertyPower:
		return c.GetPower(ctx)
	case PropertyBrightness:
		return c.GetBrightness(ctx)
	case PropertyPreset:
		return c.GetActivePreset(ctx)
	}
	return nil, fmt.Errorf("unknown property %s", p)
}

func setProperty(ctx context.Context, c Controller, p Property, v any) error {
	switch p {
	case PropertyPower:
		on, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w %s: %T", ErrPropertyType, p, v)
		}
		return c.SetPower(ctx, on)

	case PropertyBrightness, PropertyPreset:
		n, ok := v.(int)
		if !ok {
			return fmt.Errorf("%w %s: %T", ErrPropertyType, p, v)
		}
		if p == PropertyBrightness {
			return c.SetBrightness(ctx, n)
		}
		return c.SetActivePreset(ctx, n)
	}
	return fmt.Errorf("unknown property %s", p)
}
