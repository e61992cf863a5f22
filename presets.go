package hapwled

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// WLED stores at most 250 presets
const WLED_MAX_PRESETS = 250

// A preset slot on a device.
type Preset struct {
	Index  int    `json:"index"`
	Exists bool   `json:"exists"`
	Label  string `json:"label"`
}

func presetLabel(index int) string { return fmt.Sprintf("Preset %d", index) }

// Confirmed presets, keyed by slot index so that probes may complete in any order.
type presetSet struct {
	mu      sync.Mutex
	presets map[int]Preset
}

func (s *presetSet) add(p Preset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presets == nil {
		s.presets = make(map[int]Preset)
	}
	s.presets[p.Index] = p
}

// Returns the presets ordered by slot index
func (s *presetSet) sorted() []Preset {
	s.mu.Lock()
	defer s.mu.Unlock()

	presets := make([]Preset, 0, len(s.presets))
	for _, p := range s.presets {
		presets = append(presets, p)
	}
	sort.Slice(presets, func(i, j int) bool { return presets[i].Index < presets[j].Index })
	return presets
}

// Finds the presets that exist on a device.
//
// WLED has no endpoint listing presets, so each slot 1..PresetCount is
// selected and the active preset read back; a slot exists iff the device
// reports that same index. Selecting a missing preset leaves the active
// preset unchanged. This changes the active preset on the device.
//
// Up to limit probes are in flight at once (0 means no limit). A failed probe
// is logged and leaves its slot unconfirmed; it never aborts the others.
func DiscoverPresets(ctx context.Context, c *Client, dev Device, limit int) []Preset {
	count := dev.PresetCount
	if count <= 0 {
		return nil
	}
	if count > WLED_MAX_PRESETS {
		log.Warnf("%s: clamping %d presets to %d", dev.DisplayName, count, WLED_MAX_PRESETS)
		count = WLED_MAX_PRESETS
	}

	var set presetSet
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i := 1; i <= count; i++ {
		i := i
		g.Go(func() error {
			if ok := probePreset(ctx, c, dev, i); ok {
				set.add(Preset{Index: i, Exists: true, Label: presetLabel(i)})
			}
			return nil
		})
	}
	g.Wait()

	return set.sorted()
}

func probePreset(ctx context.Context, c *Client, dev Device, index int) bool {
	l := log.WithField("device", dev.DisplayName)
	l.Debugf("looking for preset %d", index)

	status, err := c.FetchStatus(ctx, dev.Address, PresetQuery(index))
	if err != nil {
		l.WithError(err).Errorf("probing preset %d failed", index)
		return false
	}

	active := Interpret(status).ActivePreset
	if active != index {
		l.Debugf("preset %d does not exist (active preset is %d)", index, active)
		return false
	}

	l.Debugf("found preset %d", index)
	return true
}
