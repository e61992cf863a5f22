package hapwled

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"

	log "github.com/sirupsen/logrus"
)

const (
	ACCESSORY_MANUFACTURER = "Aircoookie"
	ACCESSORY_MODEL        = "WLED"
)

var ErrDuplicateMapping = fmt.Errorf("duplicate characteristic in property mapping")

// Maps a device property onto a HAP characteristic.
// A MappingTranslator is required if the values are not pass-through, e.g.
// the Television Active characteristic is [0, 1] instead of a bool.
type PropertyMapping struct {
	Property       Property
	Characteristic *characteristic.C

	Translator MappingTranslator
}

func NewTranslatedPropertyMapping(p Property, c *characteristic.C, t MappingTranslator) *PropertyMapping {
	return &PropertyMapping{p, c, t}
}

func (m *PropertyMapping) String() string {
	return fmt.Sprintf("{%s -> ctyp %s}", m.Property, m.Characteristic.Type)
}

func (m *PropertyMapping) translator() MappingTranslator {
	if m.Translator == nil {
		return defaultTranslator
	}
	return m.Translator
}

func (m *PropertyMapping) ToPropertyValue(v any) (any, error) {
	return m.translator().ToPropertyValue(v)
}

func (m *PropertyMapping) ToCharacteristicValue(v any) (any, error) {
	return m.translator().ToCharacteristicValue(v)
}

// Reads the property through the controller and returns the Characteristic value
func (m *PropertyMapping) read(ctx context.Context, ctl Controller) (any, error) {
	pv, err := getProperty(ctx, ctl, m.Property)
	if err != nil {
		return nil, err
	}
	return m.ToCharacteristicValue(pv)
}

// Translates a Characteristic value and writes it through the controller
func (m *PropertyMapping) write(ctx context.Context, ctl Controller, v any) error {
	pv, err := m.ToPropertyValue(v)
	if err != nil {
		return fmt.Errorf("%w %v for %s", err, v, m.Property)
	}
	return setProperty(ctx, ctl, m.Property, pv)
}

//////////////////////////////

// Function that creates services for an Entry, invoked by createAccessory()
type CreateServiceFunc func(e *Entry) (byte, []*service.S, []*PropertyMapping, error)

// Service handlers in order of precedence: the first handler that yields
// services decides the accessory type.
var createServiceHandlers = []CreateServiceFunc{
	createTelevisionServices,
	createLightServices,
}

// Derives a HAP accessory ID from the identity key.
// IDs 0 and 1 are reserved (1 is the bridge itself).
func accessoryId(key string) uint64 {
	u, err := parseKey(key)
	if err != nil {
		return 0
	}
	id := binary.BigEndian.Uint64(u[:8]) >> 1 // keep it positive for JSON consumers
	if id <= 1 {
		id += 2
	}
	return id
}

// Creates a HAP Accessory from an Entry.
// Handlers may contribute services; the mappings returned are not yet wired
// to a Controller.
func createAccessory(e *Entry) (*accessory.A, []*PropertyMapping, error) {
	dev := e.Device()
	if dev.Address == "" {
		return nil, nil, fmt.Errorf("device %q has no address", dev.DisplayName)
	}

	acc := accessory.New(accessory.Info{
		Name:         dev.DisplayName,
		SerialNumber: dev.Address,
		Manufacturer: ACCESSORY_MANUFACTURER,
		Model:        ACCESSORY_MODEL,
	}, accessory.TypeUnknown)

	acc.Id = accessoryId(e.Key())
	if acc.Id == 0 {
		return nil, nil, fmt.Errorf("invalid identity key %q", e.Key())
	}

	var allSvcs []*service.S
	var allMappings []*PropertyMapping

	seen := make(map[*characteristic.C]bool)

	for _, createFunc := range createServiceHandlers {
		accType, svcs, mappings, err := createFunc(e)
		if err != nil {
			return nil, nil, err
		}

		if acc.Type == accessory.TypeUnknown && accType != accessory.TypeUnknown && len(svcs) > 0 {
			acc.Type = accType
		}

		for _, m := range mappings {
			if seen[m.Characteristic] {
				return nil, nil, ErrDuplicateMapping
			}
			seen[m.Characteristic] = true
		}

		allSvcs = append(allSvcs, svcs...)
		allMappings = append(allMappings, mappings...)
	}

	for _, s := range allSvcs {
		acc.AddS(s)
	}

	return acc, allMappings, nil
}

// Wires the Characteristic request handlers to the controller.
// Reads and remote writes go to the device; a failure answers
// JsonStatusServiceCommunicationFailure so HomeKit shows it as not responding.
func wireMappings(name string, ctl Controller, mappings []*PropertyMapping) {
	for _, m := range mappings {
		m := m
		l := log.WithField("device", name)

		m.Characteristic.SetValueRequestFunc = func(newVal any, req *http.Request) (any, int) {
			// handle remote value updates only
			if req == nil {
				return nil, 0
			}

			if err := m.write(req.Context(), ctl, newVal); err != nil {
				l.WithError(err).Errorf("cannot set %s", m.Property)
				return nil, hap.JsonStatusServiceCommunicationFailure
			}
			return nil, 0
		}

		m.Characteristic.ValueRequestFunc = func(req *http.Request) (any, int) {
			if req == nil {
				return m.Characteristic.Val, 0
			}

			v, err := m.read(req.Context(), ctl)
			if err != nil {
				l.WithError(err).Errorf("cannot get %s", m.Property)
				return m.Characteristic.Val, hap.JsonStatusServiceCommunicationFailure
			}
			return v, 0
		}
	}
}

var (
	accPermsFormattingRE = regexp.MustCompile(`(?isU)"perms":\s*\[.*\]`)
	accPermsWhitespaceRE = regexp.MustCompile(`( \[|,)?\s*(\S)(\])?`)
)

// Dumps the Accessory structure, keeping "perms" on a single line
func dumpAccessory(acc *accessory.A) ([]byte, error) {
	s, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return nil, err
	}

	s = accPermsFormattingRE.ReplaceAllFunc(s, func(s []byte) []byte {
		return accPermsWhitespaceRE.ReplaceAll(s, []byte("$1$2$3"))
	})
	return s, nil
}
