package hapwled

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const StatusTemplate = `<?xml version="1.0" ?><vs><ac>%d</ac><cl>255</cl><cl>160</cl><cl>0</cl>` +
	`<cs>0</cs><cs>0</cs><cs>0</cs><ns>0</ns><nr>1</nr><nl>0</nl><nf>1</nf><nd>60</nd><nt>0</nt>` +
	`<fx>0</fx><sx>128</sx><ix>128</ix><fp>0</fp><wv>-1</wv><ws>0</ws><ps>%d</ps><cy>0</cy>` +
	`<ds>WLED</ds><ss>0</ss></vs>`

// Emulates the /win endpoint of a WLED device.
type fakeWLED struct {
	mu sync.Mutex

	brightness     int
	lastBrightness int
	preset         int
	presets        map[int]bool

	// slots answered with HTTP 500
	failPresets map[int]bool

	// delays the response to a preset request
	presetDelay func(index int) time.Duration

	// answer every request with a body that isn't XML
	malformed bool

	requests []string

	// active preset reported after each preset request
	readbacks []int
}

func newFakeWLED(t *testing.T, brightness int, presets ...int) (*fakeWLED, string) {
	f := &fakeWLED{
		brightness:     brightness,
		lastBrightness: 128,
		presets:        make(map[int]bool),
		failPresets:    make(map[int]bool),
	}
	for _, p := range presets {
		f.presets[p] = true
	}

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, strings.TrimPrefix(srv.URL, "http://")
}

func (f *fakeWLED) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/win") {
		http.NotFound(w, r)
		return
	}

	params := make(map[string]int)
	for _, p := range strings.Split(strings.TrimPrefix(r.URL.Path, "/win"), "&") {
		if k, v, ok := strings.Cut(p, "="); ok {
			params[k], _ = strconv.Atoi(v)
		}
	}

	f.mu.Lock()
	delay := f.presetDelay
	f.mu.Unlock()
	if pl, ok := params["PL"]; ok && delay != nil {
		time.Sleep(delay(pl))
	}

	// each request is applied and answered atomically
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.URL.Path)

	if mode, ok := params["T"]; ok {
		f.setPower(mode)
	}
	if raw, ok := params["A"]; ok {
		f.setBrightness(raw)
	}
	if pl, ok := params["PL"]; ok {
		if !f.selectPreset(pl) {
			http.Error(w, "preset failed", http.StatusInternalServerError)
			return
		}
		f.readbacks = append(f.readbacks, f.preset)
	}

	if f.malformed {
		fmt.Fprint(w, "<vs><ac>12")
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w, StatusTemplate, f.brightness, f.preset)
}

func (f *fakeWLED) setPower(mode int) {
	on := f.brightness != 0
	if mode == PowerOn || mode == PowerToggle && !on {
		if !on {
			f.brightness = f.lastBrightness
		}
	} else if on {
		f.lastBrightness = f.brightness
		f.brightness = 0
	}
}

func (f *fakeWLED) setBrightness(raw int) {
	f.brightness = raw
	if raw != 0 {
		f.lastBrightness = raw
	}
}

// Selecting a missing preset leaves the active preset unchanged
func (f *fakeWLED) selectPreset(index int) bool {
	if f.failPresets[index] {
		return false
	}
	if f.presets[index] {
		f.preset = index
	}
	return true
}

// Changes device state from outside the bridge
func (f *fakeWLED) set(fn func(f *fakeWLED)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeWLED) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeWLED) Readbacks() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.readbacks...)
}

func TestFetchStatusParsesFields(t *testing.T) {
	_, addr := newFakeWLED(t, 128)

	c := NewClient(time.Second)
	status, err := c.FetchStatus(context.Background(), addr, QueryStatus)
	require.NoError(t, err)

	require.NotEmpty(t, status.Fields)
	assert.Equal(t, Field{"ac", "128"}, status.Fields[0])
	assert.Equal(t, 128, status.Int(FIELD_BRIGHTNESS))
	assert.Equal(t, 0, status.Int(FIELD_PRESET))

	ds, ok := status.Text(FIELD_DESCRIPTION)
	assert.True(t, ok)
	assert.Equal(t, "WLED", ds)

	// repeated elements are kept in document order
	var colors []string
	for _, f := range status.Fields {
		if f.Name == "cl" {
			colors = append(colors, f.Text)
		}
	}
	assert.Equal(t, []string{"255", "160", "0"}, colors)

	_, ok = status.Text("missing")
	assert.False(t, ok)
	assert.Equal(t, 0, status.Int("missing"))
}

func TestFetchStatusRequestPaths(t *testing.T) {
	f, addr := newFakeWLED(t, 128, 3)
	c := NewClient(time.Second)
	ctx := context.Background()

	for _, q := range []string{QueryStatus, PowerQuery(PowerOn), BrightnessQuery(200), PresetQuery(3)} {
		_, err := c.FetchStatus(ctx, addr, q)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"/win", "/win&T=1", "/win&A=200", "/win&PL=3"}, f.Requests())
}

func TestFetchStatusHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	_, err := c.FetchStatus(context.Background(), strings.TrimPrefix(srv.URL, "http://"), QueryStatus)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "500 Internal Server Error", netErr.Status)
}

func TestFetchStatusUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c := NewClient(time.Second)
	_, err := c.FetchStatus(context.Background(), addr, QueryStatus)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.NotNil(t, netErr.Err)
}

func TestFetchStatusParseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		is   error
	}{
		{"truncated", "<vs><ac>12", nil},
		{"empty", "", ErrEmptyResponse},
		{"not xml", "hello", ErrUnexpectedRoot},
		{"wrong root", "<html><body>hi</body></html>", ErrUnexpectedRoot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(time.Second)
			_, err := c.FetchStatus(context.Background(), strings.TrimPrefix(srv.URL, "http://"), QueryStatus)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			if tt.is != nil {
				assert.True(t, errors.Is(err, tt.is), "got %v", err)
			}
		})
	}
}

func TestParseDigits(t *testing.T) {
	tests := map[string]int{
		"12":    12,
		" 7 ":   7,
		"1a2":   12,
		"-5":    5,
		"abc":   0,
		"":      0,
		"255\n": 255,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseDigits(in), "parseDigits(%q)", in)
	}
}

func TestFetchStatusMetrics(t *testing.T) {
	f, addr := newFakeWLED(t, 128)

	m := NewMetrics(prometheus.NewRegistry())
	c := NewClient(time.Second)
	c.Metrics = m
	ctx := context.Background()

	_, err := c.FetchStatus(ctx, addr, QueryStatus)
	require.NoError(t, err)
	_, err = c.FetchStatus(ctx, addr, BrightnessQuery(10))
	require.NoError(t, err)

	f.set(func(f *fakeWLED) { f.malformed = true })
	_, err = c.FetchStatus(ctx, addr, QueryStatus)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("status", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("brightness", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("status", "parse_error")))
}
