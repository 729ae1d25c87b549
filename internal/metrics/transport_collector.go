package bfdmetrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// TransportCollector — Prometheus metrics for the UDP transport boundary:
// port registry occupancy, live session count, and per-classification
// ingress drop counters. Separate from Collector (which tracks FSM-level
// session/state metrics) since the transport boundary has no notion of
// peer/local address labels for its own bookkeeping.
// -------------------------------------------------------------------------

const transportSubsystem = "transport"

// Label name for the classification counter.
const labelClass = "class"

// TransportCollector holds the UDP transport boundary's Prometheus metrics
// and doubles as a udptransport.GaugeSink: AddGauge/SetGauge let the
// transport register and update named gauges (port registry refcounts,
// live session count) without importing prometheus itself.
type TransportCollector struct {
	Classifications *prometheus.CounterVec

	reg prometheus.Registerer

	mu     sync.Mutex
	gauges []*prometheus.GaugeVec
	names  []string
}

// NewTransportCollector creates a TransportCollector with its static
// metrics registered against reg. If reg is nil, prometheus.DefaultRegisterer
// is used.
func NewTransportCollector(reg prometheus.Registerer) *TransportCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &TransportCollector{
		reg: reg,
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: transportSubsystem,
			Name:      "classifications_total",
			Help:      "Total ingress datagrams processed, by classification outcome.",
		}, []string{labelClass}),
	}

	reg.MustRegister(c.Classifications)
	return c
}

// IncClassification increments the counter for one ingress datagram
// classified as class (spec.md §4.6: "every datagram produces exactly one
// classification").
func (c *TransportCollector) IncClassification(class string) {
	c.Classifications.WithLabelValues(class).Inc()
}

// AddGauge registers a new untyped gauge named name and returns an opaque
// id for later SetGauge calls. Implements udptransport.GaugeSink.
func (c *TransportCollector) AddGauge(name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.names {
		if existing == name {
			return 0, fmt.Errorf("gauge %q already registered", name)
		}
	}

	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: transportSubsystem,
		Name:      name,
		Help:      "UDP transport gauge: " + name,
	}, nil)
	if err := c.reg.Register(gv); err != nil {
		return 0, fmt.Errorf("register gauge %q: %w", name, err)
	}

	c.gauges = append(c.gauges, gv)
	c.names = append(c.names, name)
	return len(c.gauges) - 1, nil
}

// SetGauge sets the gauge identified by id to value. Implements
// udptransport.GaugeSink.
func (c *TransportCollector) SetGauge(id int, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.gauges) {
		return
	}
	c.gauges[id].WithLabelValues().Set(value)
}
