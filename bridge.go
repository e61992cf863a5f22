package hapwled

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"

	haplog "github.com/brutella/hap/log"

	log "github.com/sirupsen/logrus"
)

var (
	ErrDeviceExists  = fmt.Errorf("device already exists")
	ErrUnknownDevice = fmt.Errorf("unknown device")
)

const (
	// Store name for server PIN code
	PIN_STORE = "wled_pin"

	// Store name for persisting accessories between runs
	ACCESSORY_CACHE_STORE = "wled_accessories"

	// quiet period before the HAP server is restarted with a changed accessory set
	HAP_RESTART_DELAY = 2 * time.Second
)

// Hosts device accessories on a HAP bridge.
type Bridge struct {
	// address and interfaces to bind to
	ListenAddr string
	Interfaces []string

	DebugMode bool

	Client    *Client
	Publisher StatePublisher // optional

	ctx       context.Context
	bridgeAcc *accessory.Bridge
	store     hap.Store
	pin       string

	mu      sync.RWMutex
	devices map[string]*BridgeDevice

	// signalled when the accessory set changes
	changedCh chan struct{}
}

var _ Host = (*Bridge)(nil)

type BridgeDevice struct {
	Entry      *Entry
	Accessory  *accessory.A
	Mappings   []*PropertyMapping
	Controller *DeviceController

	// identifies the accessory layout, to detect changes on update
	layout string
}

// Creates and initializes a Bridge.
func NewBridge(ctx context.Context, storeDir string, client *Client) *Bridge {
	br := &Bridge{
		Client: client,

		ctx:   ctx,
		store: hap.NewFsStore(storeDir),

		devices:   make(map[string]*BridgeDevice),
		changedCh: make(chan struct{}, 1),
	}

	br.bridgeAcc = accessory.NewBridge(accessory.Info{
		Name:         "hap-wled Bridge",
		Manufacturer: ACCESSORY_MANUFACTURER,
		Model:        ACCESSORY_MODEL,
	})

	return br
}

// Sets the PIN code for the HAP server.
// If the given pin is empty, it will be read from the store, or failing that,
// one will be generated
func (br *Bridge) SetPin(pin string) (string, error) {
	if pin == "" {
		if storePin, err := br.store.Get(PIN_STORE); err == nil {
			pin = string(storePin)
		}
	}

	savePin := pin == ""

	if pin == "" {
		for {
			rnd, err := rand.Int(rand.Reader, big.NewInt(99999999+1))
			if err != nil {
				return "", fmt.Errorf("can't generate PIN: %w", err)
			}

			// pad if necessary
			pin = rnd.Text(10) + "00000000"
			pin = pin[:8]

			if !hap.InvalidPins[pin] {
				break
			}
		}
	} else if hap.InvalidPins[pin] {
		return "", fmt.Errorf("insecure pin %s", pin)
	}

	if savePin {
		if err := br.store.Set(PIN_STORE, []byte(pin)); err != nil {
			return "", fmt.Errorf("can't persist PIN: %w", err)
		}
	}

	br.pin = pin
	return pin, nil
}

// Returns the PIN
func (br *Bridge) GetPin() string { return br.pin }

// Return number of devices added to the bridge.
func (br *Bridge) NumDevices() int {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return len(br.devices)
}

// Returns the device hosted for the identity key
func (br *Bridge) Device(key string) (*BridgeDevice, bool) {
	br.mu.RLock()
	defer br.mu.RUnlock()
	d, ok := br.devices[key]
	return d, ok
}

func (br *Bridge) RegisterAccessories(entries ...*Entry) error {
	br.mu.Lock()
	defer br.mu.Unlock()

	keys := make(map[string]bool)
	for _, e := range entries {
		if _, exists := br.devices[e.Key()]; exists || keys[e.Key()] {
			return fmt.Errorf("%w: %s", ErrDeviceExists, e.Device().DisplayName)
		}
		keys[e.Key()] = true
	}

	// all or nothing: drop what this call added if any entry fails
	for i, e := range entries {
		if err := br.addDevice(e); err != nil {
			for _, added := range entries[:i] {
				delete(br.devices, added.Key())
			}
			return err
		}
	}

	for _, e := range entries {
		br.publishAvailability(e, true)
	}

	br.accessoriesChanged()
	return nil
}

// Rebuilds the accessories of the entries. The HAP server is only restarted
// when the set of services changed, e.g. a preset appeared or disappeared.
func (br *Bridge) UpdateAccessories(entries ...*Entry) error {
	br.mu.Lock()
	defer br.mu.Unlock()

	changed := false
	for _, e := range entries {
		d, exists := br.devices[e.Key()]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, e.Device().DisplayName)
		}

		if d.Entry != e || d.layout != accessoryLayout(e) {
			if err := br.addDevice(e); err != nil {
				return err
			}
			changed = true
		}
		br.publishAvailability(e, true)
	}

	if changed {
		br.accessoriesChanged()
	}
	return nil
}

func (br *Bridge) UnregisterAccessories(entries ...*Entry) error {
	br.mu.Lock()
	defer br.mu.Unlock()

	for _, e := range entries {
		if _, exists := br.devices[e.Key()]; !exists {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, e.Device().DisplayName)
		}
		delete(br.devices, e.Key())
		br.publishAvailability(e, false)
	}

	br.accessoriesChanged()
	return nil
}

// Creates the accessory for an entry and wires it to a controller.
// Must be called with the write lock held.
func (br *Bridge) addDevice(e *Entry) error {
	acc, mappings, err := createAccessory(e)
	if err != nil {
		return err
	}

	ctl := NewDeviceController(br.Client, e, br.Publisher)
	wireMappings(e.Device().DisplayName, ctl, mappings)

	br.devices[e.Key()] = &BridgeDevice{
		Entry:      e,
		Accessory:  acc,
		Mappings:   mappings,
		Controller: ctl,
		layout:     accessoryLayout(e),
	}
	return nil
}

func accessoryLayout(e *Entry) string {
	dev := e.Device()
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s", dev.DisplayName, dev.Address)
	for _, p := range e.Presets() {
		fmt.Fprintf(&b, "|%d:%s", p.Index, p.Label)
	}
	return b.String()
}

func (br *Bridge) publishAvailability(e *Entry, online bool) {
	if br.Publisher != nil {
		br.Publisher.PublishAvailability(e, online)
	}
}

// Persists the cache and schedules a HAP server restart.
// Must be called with the write lock held.
func (br *Bridge) accessoriesChanged() {
	if err := br.saveCache(); err != nil {
		log.WithError(err).Error("cannot persist accessory cache")
	}

	select {
	case br.changedCh <- struct{}{}:
	default:
	}
}

// Restores the accessories persisted by a previous run and hands them to the
// registry, which updates or removes them on its next pass.
// A missing or blank cache is not an error.
func (br *Bridge) LoadCache(r *Registry) error {
	cache, err := br.store.Get(ACCESSORY_CACHE_STORE)
	if err != nil || len(cache) == 0 {
		return nil
	}

	var devices map[string]Device
	if err := json.Unmarshal(cache, &devices); err != nil {
		return err
	}

	br.mu.Lock()
	var restored []*Entry
	for key, dev := range devices {
		e := NewEntry(dev)
		if e.Key() != key {
			log.Warnf("skipping cached accessory %s: address changed", dev.DisplayName)
			continue
		}
		if err := br.addDevice(e); err != nil {
			log.WithError(err).Warnf("skipping cached accessory %s", dev.DisplayName)
			continue
		}
		restored = append(restored, e)
	}
	br.mu.Unlock()

	for _, e := range restored {
		r.ConfigureAccessory(e)
	}
	return nil
}

// Persists the device descriptors of all hosted accessories.
// Must be called with the lock held.
func (br *Bridge) saveCache() error {
	devices := make(map[string]Device, len(br.devices))
	for key, d := range br.devices {
		devices[key] = d.Entry.Device()
	}

	j, err := json.Marshal(devices)
	if err != nil {
		return err
	}
	return br.store.Set(ACCESSORY_CACHE_STORE, j)
}

// Gets a list of all added accessories, ordered by ID
func (br *Bridge) accessories() []*accessory.A {
	br.mu.RLock()
	defer br.mu.RUnlock()

	acc := make([]*accessory.A, 0, len(br.devices))
	for _, d := range br.devices {
		acc = append(acc, d.Accessory)
	}
	sort.Slice(acc, func(i, j int) bool { return acc[i].Id < acc[j].Id })
	return acc
}

// Initializes the hap.Server and calls ListenAndServe().
// Blocks until the context is cancelled. Whenever the accessory set changes,
// the server is restarted once things have settled for HAP_RESTART_DELAY.
func (br *Bridge) StartHAP() error {
	if br.bridgeAcc == nil {
		return fmt.Errorf("bridge accessory not created yet")
	}

	// initialize PIN, either from store or dynamically generated
	if br.pin == "" {
		if _, err := br.SetPin(""); err != nil {
			return err
		}
	}

	if br.DebugMode {
		haplog.Debug.Enable()
	}

	for {
		// the server about to start reflects any pending change
		select {
		case <-br.changedCh:
		default:
		}

		server, err := hap.NewServer(br.store, br.bridgeAcc.A, br.accessories()...)
		if err != nil {
			return err
		}

		server.Pin = br.pin
		server.Addr = br.ListenAddr
		server.Ifaces = br.Interfaces

		ctx, cancel := context.WithCancel(br.ctx)
		done := make(chan error, 1)
		go func() { done <- server.ListenAndServe(ctx) }()

		select {
		case err := <-done:
			cancel()
			return err

		case <-br.changedCh:
			br.settle()
			cancel()
			<-done
		}

		if br.ctx.Err() != nil {
			return br.ctx.Err()
		}
		log.Infof("accessories changed, restarting HAP server with %d devices", br.NumDevices())
	}
}

// Waits until no accessory change has happened for HAP_RESTART_DELAY
func (br *Bridge) settle() {
	t := time.NewTimer(HAP_RESTART_DELAY)
	defer t.Stop()

	for {
		select {
		case <-br.changedCh:
			if !t.Stop() {
				<-t.C
			}
			t.Reset(HAP_RESTART_DELAY)

		case <-t.C:
			return

		case <-br.ctx.Done():
			return
		}
	}
}
