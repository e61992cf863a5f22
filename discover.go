package hapwled

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

const (
	WLED_MDNS_SERVICE = "_wled._tcp"
	WLED_MDNS_DOMAIN  = "local."

	// wait before browsing again after the browse stopped on its own
	WLED_MDNS_RETRY_DELAY = 30 * time.Second
)

var ErrBrowseStopped = fmt.Errorf("mDNS browse stopped")

// Streams service entries into the channel, closing it once browsing ends.
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Receives devices found by discovery.
type DiscoveryHandler interface {
	HandleDiscovered(ctx context.Context, dev Device) bool
}

// Browses for WLED devices announced over mDNS.
type Discoverer struct {
	Service string
	Domain  string

	// preset slots to probe on discovered devices
	PresetCount int

	Handler DiscoveryHandler

	// defaults to a zeroconf resolver
	browse browseFunc
}

func NewDiscoverer(h DiscoveryHandler, presetCount int) *Discoverer {
	return &Discoverer{
		Service:     WLED_MDNS_SERVICE,
		Domain:      WLED_MDNS_DOMAIN,
		PresetCount: presetCount,
		Handler:     h,
	}
}

// Browses until the context is cancelled.
// Each announced device is handed to the handler in its own goroutine, so a
// slow probe never holds up the others. Removals are not reported.
// Returns ErrBrowseStopped if browsing ends while ctx is still live.
func (d *Discoverer) Run(ctx context.Context) error {
	browse := d.browse
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return fmt.Errorf("creating mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.handleEntries(ctx, entries)
	}()

	log.Infof("browsing for %s devices in %s", d.Service, d.Domain)
	if err := browse(ctx, d.Service, d.Domain, entries); err != nil {
		return fmt.Errorf("browsing for WLED devices: %w", err)
	}

	// entries is closed once ctx is done, or earlier if the resolver
	// gives up on its own
	select {
	case <-ctx.Done():
		<-done
		return nil
	case <-done:
		if ctx.Err() != nil {
			return nil
		}
		return ErrBrowseStopped
	}
}

// Runs the discoverer until ctx is cancelled, browsing again after a delay
// whenever the browse stops.
func (d *Discoverer) RunForever(ctx context.Context, retryDelay time.Duration) {
	for {
		err := d.Run(ctx)
		if err == nil {
			return
		}
		log.WithError(err).Errorf("mDNS discovery stopped, retrying in %v", retryDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// Hands entries to the handler until the channel is closed, then waits for
// the handlers still running.
func (d *Discoverer) handleEntries(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for entry := range entries {
		dev, ok := d.deviceFromEntry(entry)
		if !ok {
			log.Debugf("ignoring mDNS entry %s without IPv4 address", entry.Instance)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Handler.HandleDiscovered(ctx, dev)
		}()
	}
}

func (d *Discoverer) deviceFromEntry(entry *zeroconf.ServiceEntry) (Device, bool) {
	if len(entry.AddrIPv4) == 0 {
		return Device{}, false
	}

	addr := entry.AddrIPv4[0].String()
	if entry.Port != 0 && entry.Port != 80 {
		addr = net.JoinHostPort(addr, strconv.Itoa(entry.Port))
	}

	name := entry.Instance
	if name == "" {
		name = addr
	}

	return Device{DisplayName: name, Address: addr, PresetCount: d.PresetCount}, true
}
