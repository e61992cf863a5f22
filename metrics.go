package hapwled

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const METRICS_NAMESPACE = "hapwled"

// Prometheus collectors for the bridge.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Requests    *prometheus.CounterVec
	Presets     *prometheus.GaugeVec
	Accessories prometheus.Gauge
}

// Creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: METRICS_NAMESPACE,
				Name:      "requests_total",
				Help:      "WLED status requests by kind and result",
			},
			[]string{"kind", "result"},
		),
		Presets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: METRICS_NAMESPACE,
				Name:      "presets_confirmed",
				Help:      "Presets confirmed by the last discovery pass",
			},
			[]string{"device"},
		),
		Accessories: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: METRICS_NAMESPACE,
				Name:      "accessories",
				Help:      "Accessories currently registered",
			},
		),
	}

	reg.MustRegister(m.Requests, m.Presets, m.Accessories)
	return m
}

// Maps a /win query string onto a request kind label
func queryKind(query string) string {
	switch {
	case query == QueryStatus:
		return "status"
	case strings.HasPrefix(query, "&T="):
		return "power"
	case strings.HasPrefix(query, "&A="):
		return "brightness"
	case strings.HasPrefix(query, "&PL="):
		return "preset"
	}
	return "other"
}

func errorResult(err error) string {
	var netErr *NetworkError
	var parseErr *ParseError

	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &netErr):
		return "network_error"
	case errors.As(err, &parseErr):
		return "parse_error"
	}
	return "error"
}

func (m *Metrics) observeRequest(query string, err error) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(queryKind(query), errorResult(err)).Inc()
}

func (m *Metrics) setPresets(device string, n int) {
	if m == nil {
		return
	}
	m.Presets.WithLabelValues(device).Set(float64(n))
}

func (m *Metrics) forgetDevice(device string) {
	if m == nil {
		return
	}
	m.Presets.DeleteLabelValues(device)
}

func (m *Metrics) setAccessories(n int) {
	if m == nil {
		return
	}
	m.Accessories.Set(float64(n))
}
