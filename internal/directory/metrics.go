package directory

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts directory requests by verb and resulting status byte.
type Metrics struct {
	requests *prometheus.CounterVec
	dropped  prometheus.Counter
}

// NewMetrics registers the directory collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "peerdex",
				Subsystem: "directory",
				Name:      "requests_total",
				Help:      "Directory requests handled, by verb and status byte.",
			},
			[]string{"verb", "status"},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "peerdex",
				Subsystem: "directory",
				Name:      "dropped_connections_total",
				Help:      "Connections closed without a reply (torn or unknown requests).",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.dropped)
	}

	return m
}

func (m *Metrics) observe(verb string, status byte) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(verb, strconv.Itoa(int(status))).Inc()
}

func (m *Metrics) observeDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
