package hapwled

import (
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
)

func createLightServices(e *Entry) (byte, []*service.S, []*PropertyMapping, error) {
	light := service.NewLightbulb()

	brightness := characteristic.NewBrightness()
	light.AddC(brightness.C)

	mappings := []*PropertyMapping{
		NewTranslatedPropertyMapping(PropertyPower, light.On.C, &BoolTranslator{true, false}),
		NewTranslatedPropertyMapping(PropertyBrightness, brightness.C, &IntTranslator{0, 100}),
	}

	return accessory.TypeLightbulb, []*service.S{light.S}, mappings, nil
}
