package hapwled

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func presetIndices(presets []Preset) []int {
	var idx []int
	for _, p := range presets {
		idx = append(idx, p.Index)
	}
	return idx
}

// Returns a client that connects to addr whatever host a request names
func clientDialing(addr string) *Client {
	c := NewClient(time.Second)
	var d net.Dialer
	c.HTTPClient.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return d.DialContext(ctx, network, addr)
		},
	}
	return c
}

func TestDiscoverPresetsReadbacks(t *testing.T) {
	tests := []struct {
		name      string
		address   string
		presets   []int
		count     int
		want      []int
		readbacks []int
	}{
		{
			name:      "only the middle slot exists",
			address:   "10.0.0.5",
			presets:   []int{2},
			count:     3,
			want:      []int{2},
			readbacks: []int{0, 2, 2},
		},
		{
			name:      "no slot exists",
			address:   "10.0.0.6",
			count:     3,
			readbacks: []int{0, 0, 0},
		},
		{
			name:      "every slot exists",
			address:   "10.0.0.7",
			presets:   []int{1, 2},
			count:     2,
			want:      []int{1, 2},
			readbacks: []int{1, 2},
		},
		{
			name:      "first slot exists",
			address:   "10.0.0.8:8080",
			presets:   []int{1},
			count:     3,
			want:      []int{1},
			readbacks: []int{1, 1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, addr := newFakeWLED(t, 128, tt.presets...)

			dev := Device{DisplayName: tt.address, Address: tt.address, PresetCount: tt.count}

			// one slot at a time, so slots are selected in index order
			presets := DiscoverPresets(context.Background(), clientDialing(addr), dev, 1)

			assert.Equal(t, tt.want, presetIndices(presets))
			assert.Equal(t, tt.readbacks, f.Readbacks())
		})
	}
}

func TestDiscoverPresetsSubset(t *testing.T) {
	for _, limit := range []int{0, 1, 3} {
		f, addr := newFakeWLED(t, 128, 2, 5, 7)

		// responses arrive in arbitrary order
		f.set(func(f *fakeWLED) {
			f.presetDelay = func(int) time.Duration {
				return time.Duration(rand.Intn(20)) * time.Millisecond
			}
		})

		dev := Device{DisplayName: "Desk", Address: addr, PresetCount: 8}
		presets := DiscoverPresets(context.Background(), NewClient(time.Second), dev, limit)

		assert.Equal(t, []int{2, 5, 7}, presetIndices(presets), "limit %d", limit)
		for _, p := range presets {
			assert.True(t, p.Exists)
			assert.Equal(t, presetLabel(p.Index), p.Label)
		}
		assert.Len(t, f.Requests(), 8)
	}
}

func TestDiscoverPresetsZeroCount(t *testing.T) {
	f, addr := newFakeWLED(t, 128, 1, 2)

	for _, n := range []int{0, -1} {
		dev := Device{DisplayName: "Desk", Address: addr, PresetCount: n}
		assert.Empty(t, DiscoverPresets(context.Background(), NewClient(time.Second), dev, 0))
	}
	assert.Empty(t, f.Requests())
}

func TestDiscoverPresetsSlotFailure(t *testing.T) {
	f, addr := newFakeWLED(t, 128, 1, 3, 4)
	f.failPresets[3] = true

	dev := Device{DisplayName: "Desk", Address: addr, PresetCount: 5}
	presets := DiscoverPresets(context.Background(), NewClient(time.Second), dev, 2)

	assert.Equal(t, []int{1, 4}, presetIndices(presets))
	assert.Len(t, f.Requests(), 5)
}

func TestDiscoverPresetsClamped(t *testing.T) {
	f, addr := newFakeWLED(t, 128, 1, WLED_MAX_PRESETS)

	dev := Device{DisplayName: "Desk", Address: addr, PresetCount: WLED_MAX_PRESETS + 10}
	presets := DiscoverPresets(context.Background(), NewClient(time.Second), dev, 16)

	assert.Equal(t, []int{1, WLED_MAX_PRESETS}, presetIndices(presets))
	assert.Len(t, f.Requests(), WLED_MAX_PRESETS)
}

func TestDiscoverPresetsUnreachable(t *testing.T) {
	dev := Device{DisplayName: "Gone", Address: "127.0.0.1:1", PresetCount: 3}
	presets := DiscoverPresets(context.Background(), NewClient(100*time.Millisecond), dev, 0)
	require.Empty(t, presets)
}
