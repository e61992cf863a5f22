package hapwled

import (
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
)

// Presents the device as a television, with one input source per confirmed
// preset. Selecting an input activates that preset.
func createTelevisionServices(e *Entry) (byte, []*service.S, []*PropertyMapping, error) {
	dev := e.Device()

	tv := service.NewTelevision()
	tv.ConfiguredName.SetValue(dev.DisplayName)
	tv.SleepDiscoveryMode.SetValue(characteristic.SleepDiscoveryModeAlwaysDiscoverable)

	svcs := []*service.S{tv.S}

	for _, p := range e.Presets() {
		in := createInputSource(p)
		tv.AddS(in.S)
		svcs = append(svcs, in.S)
	}

	mappings := []*PropertyMapping{
		NewTranslatedPropertyMapping(PropertyPower, tv.Active.C,
			&BoolTranslator{characteristic.ActiveActive, characteristic.ActiveInactive}),
		NewTranslatedPropertyMapping(PropertyPreset, tv.ActiveIdentifier.C,
			&IntTranslator{0, WLED_MAX_PRESETS}),
	}

	return accessory.TypeTelevision, svcs, mappings, nil
}

func createInputSource(p Preset) *service.InputSource {
	in := service.NewInputSource()

	id := characteristic.NewIdentifier()
	id.SetValue(p.Index)
	in.AddC(id.C)

	name := characteristic.NewName()
	name.SetValue(p.Label)
	in.AddC(name.C)

	in.ConfiguredName.SetValue(p.Label)
	in.InputSourceType.SetValue(characteristic.InputSourceTypeHdmi)
	in.IsConfigured.SetValue(characteristic.IsConfiguredConfigured)
	in.CurrentVisibilityState.SetValue(characteristic.CurrentVisibilityStateShown)

	return in
}
