// ABOUTME: Prometheus counters and gauges for the relay engine
// ABOUTME: Implements relay.Recorder and serves a scrape handler from its own registry

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/relaygram/internal/relay"
)

// Metrics holds the relay collectors.
type Metrics struct {
	registry *prometheus.Registry

	relayed    *prometheus.CounterVec
	failures   *prometheus.CounterVec
	rateWaits  prometheus.Counter
	recoveries prometheus.Counter
	duplicates *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygram_relayed_total",
			Help: "Messages relayed, by direction and event kind.",
		}, []string{"direction", "kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygram_relay_failures_total",
			Help: "Relay failures, by direction and reason.",
		}, []string{"direction", "reason"}),
		rateWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaygram_rate_limit_waits_total",
			Help: "Times a handler slept on a platform rate limit.",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaygram_thread_recoveries_total",
			Help: "Local threads recreated after being lost.",
		}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygram_duplicate_updates_total",
			Help: "Updates dropped as duplicates, by platform.",
		}, []string{"platform"}),
	}

	m.registry.MustRegister(
		m.relayed,
		m.failures,
		m.rateWaits,
		m.recoveries,
		m.duplicates,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Relayed counts a relayed message.
func (m *Metrics) Relayed(direction string, kind relay.EventKind) {
	m.relayed.WithLabelValues(direction, string(kind)).Inc()
}

// Failed counts a failure.
func (m *Metrics) Failed(direction, reason string) {
	m.failures.WithLabelValues(direction, reason).Inc()
}

// RateLimitWait counts a rate-limit sleep.
func (m *Metrics) RateLimitWait() {
	m.rateWaits.Inc()
}

// ThreadRecovered counts a thread recreation.
func (m *Metrics) ThreadRecovered() {
	m.recoveries.Inc()
}

// Duplicate counts a dropped duplicate update.
func (m *Metrics) Duplicate(platform string) {
	m.duplicates.WithLabelValues(platform).Inc()
}

// GaugeFunc registers a gauge whose value is read at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ relay.Recorder = (*Metrics)(nil)
