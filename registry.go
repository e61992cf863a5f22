package hapwled

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Namespace for deriving identity keys from device addresses
var identityNamespace = uuid.MustParse("8c1f4a36-5e0b-4d2a-9b77-3f6a2c9e1d04")

// A WLED device, from static configuration or from discovery.
// Immutable once created; a changed configuration supersedes it.
type Device struct {
	DisplayName string `json:"name" yaml:"name"`
	Address     string `json:"ip" yaml:"ip"`
	PresetCount int    `json:"presetsNb" yaml:"presetsNb"`
}

// Derives the stable identity key of a device from its address.
func IdentityKey(address string) string {
	return uuid.NewSHA1(identityNamespace, []byte(address)).String()
}

func parseKey(key string) (uuid.UUID, error) { return uuid.Parse(key) }

// The accessory representation of a device, owned by the Registry.
type Entry struct {
	key string

	mu      sync.RWMutex
	device  Device
	presets []Preset
}

// Creates an entry with no confirmed presets, e.g. for a cached accessory.
func NewEntry(dev Device) *Entry {
	return &Entry{key: IdentityKey(dev.Address), device: dev}
}

func (e *Entry) Key() string { return e.key }

func (e *Entry) Device() Device {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.device
}

// Returns a copy of the confirmed presets, ordered by index
func (e *Entry) Presets() []Preset {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Preset(nil), e.presets...)
}

func (e *Entry) HasPreset(index int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.presets {
		if p.Index == index {
			return true
		}
	}
	return false
}

func (e *Entry) update(dev Device, presets []Preset) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device = dev
	e.presets = presets
}

func (e *Entry) MarshalJSON() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return json.Marshal(struct {
		Key     string   `json:"key"`
		Device  Device   `json:"device"`
		Presets []Preset `json:"presets"`
	}{e.key, e.device, e.presets})
}

// The accessory host. All calls are made with the Registry lock held,
// so implementations must not call back into the Registry.
type Host interface {
	RegisterAccessories(entries ...*Entry) error
	UpdateAccessories(entries ...*Entry) error
	UnregisterAccessories(entries ...*Entry) error
}

type RegistrationState int

const (
	StateUnknown RegistrationState = iota
	StateProbing
	StateRegistered
	StateRejected
	StateRemoved
)

func (s RegistrationState) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateRegistered:
		return "registered"
	case StateRejected:
		return "rejected"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// Reconciles configured and discovered devices against host accessories.
// At most one Entry exists per identity key.
type Registry struct {
	Client  *Client
	Host    Host
	Metrics *Metrics

	// max concurrent preset probes per device, 0 for no limit
	ProbeConcurrency int

	mu      sync.Mutex
	entries map[string]*Entry
	states  map[string]RegistrationState
	seen    map[string]bool // addresses seen in this run
}

func NewRegistry(client *Client, host Host) *Registry {
	return &Registry{
		Client:  client,
		Host:    host,
		entries: make(map[string]*Entry),
		states:  make(map[string]RegistrationState),
		seen:    make(map[string]bool),
	}
}

// Accepts an accessory restored from the host's cache.
// Cached entries are updated or removed by the next registration pass.
func (r *Registry) ConfigureAccessory(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.Key()]; exists {
		log.Warnf("ignoring duplicate cached accessory %s", e.Device().DisplayName)
		return
	}

	log.Infof("loading accessory from cache: %s", e.Device().DisplayName)
	r.entries[e.Key()] = e
	r.Metrics.setAccessories(len(r.entries))
}

// Probes every device and creates, restores or removes its accessory.
// Running it again with the same devices does not create duplicates.
func (r *Registry) Register(ctx context.Context, devices []Device) {
	keys := make(map[string]bool)

	var wg sync.WaitGroup
	for _, dev := range devices {
		key := IdentityKey(dev.Address)
		if keys[key] {
			log.Warnf("skipping %s: address %s is configured more than once", dev.DisplayName, dev.Address)
			continue
		}
		keys[key] = true

		wg.Add(1)
		go func(dev Device) {
			defer wg.Done()
			r.registerDevice(ctx, dev)
		}(dev)
	}
	wg.Wait()
}

// Handles a device announced by discovery.
// An address is probed once per run; rejected addresses may be probed again
// when announced again. Returns false if the address was already seen.
func (r *Registry) HandleDiscovered(ctx context.Context, dev Device) bool {
	r.mu.Lock()
	if r.seen[dev.Address] {
		r.mu.Unlock()
		return false
	}
	r.seen[dev.Address] = true
	r.mu.Unlock()

	log.Infof("discovered %s at %s", dev.DisplayName, dev.Address)

	r.registerDevice(ctx, dev)
	return true
}

func (r *Registry) registerDevice(ctx context.Context, dev Device) RegistrationState {
	key := IdentityKey(dev.Address)
	l := log.WithField("device", dev.DisplayName)

	// the address counts as seen while it is checked, so a discovery
	// announcement does not start a second pass against it
	r.mu.Lock()
	prev := r.states[key]
	r.states[key] = StateProbing
	r.seen[dev.Address] = true
	r.mu.Unlock()

	l.Debugf("making sure %s is reachable...", dev.Address)
	if _, err := r.Client.FetchStatus(ctx, dev.Address, QueryStatus); err != nil {
		if ctx.Err() != nil {
			return r.abandon(key, dev, prev)
		}
		l.WithError(err).Error("device is not reachable")
		return r.reject(key, dev)
	}
	l.Info("device is reachable")

	presets := DiscoverPresets(ctx, r.Client, dev, r.ProbeConcurrency)
	if ctx.Err() != nil {
		// the preset set is incomplete, keep whatever the entry had
		return r.abandon(key, dev, prev)
	}
	l.Infof("found %d of %d presets", len(presets), dev.PresetCount)
	r.Metrics.setPresets(dev.DisplayName, len(presets))

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[key]; exists {
		l.Infof("restoring existing accessory: %s", e.Device().DisplayName)
		e.update(dev, presets)
		if err := r.Host.UpdateAccessories(e); err != nil {
			l.WithError(err).Error("cannot update accessory")
		}
	} else {
		l.Info("adding new accessory")
		e := &Entry{key: key, device: dev, presets: presets}
		if err := r.Host.RegisterAccessories(e); err != nil {
			l.WithError(err).Error("cannot register accessory")
			r.states[key] = StateRejected
			delete(r.seen, dev.Address)
			return StateRejected
		}
		r.entries[key] = e
	}

	r.states[key] = StateRegistered
	r.Metrics.setAccessories(len(r.entries))
	return StateRegistered
}

// Gives up on a pass cut short by cancellation.
// The device was not shown to be absent, so its entry and the host are left
// alone and the state goes back to what it was before the pass.
func (r *Registry) abandon(key string, dev Device, prev RegistrationState) RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.WithField("device", dev.DisplayName).Warn("registration cancelled")

	if prev == StateUnknown {
		delete(r.states, key)
	} else {
		r.states[key] = prev
	}
	delete(r.seen, dev.Address)
	return prev
}

// Marks a device rejected, removing its accessory if there was one
func (r *Registry) reject(key string, dev Device) RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.seen, dev.Address)

	e, exists := r.entries[key]
	if !exists {
		r.states[key] = StateRejected
		return StateRejected
	}

	delete(r.entries, key)
	if err := r.Host.UnregisterAccessories(e); err != nil {
		log.WithError(err).Errorf("cannot unregister accessory %s", dev.DisplayName)
	}
	log.Infof("removing existing accessory from cache: %s", e.Device().DisplayName)

	r.states[key] = StateRemoved
	r.Metrics.forgetDevice(e.Device().DisplayName)
	r.Metrics.setAccessories(len(r.entries))
	return StateRejected
}

// Returns the registration state of the device at address
func (r *Registry) State(address string) RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[IdentityKey(address)]
}

func (r *Registry) Entry(key string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// Returns all entries, ordered by display name
func (r *Registry) Entries() []*Entry {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Device().DisplayName < entries[j].Device().DisplayName
	})
	return entries
}
