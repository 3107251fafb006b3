// Package telemetry exposes Prometheus collectors for the breaker, the read
// path, admission and presence.
package telemetry

import (
	"time"

	"github.com/illmade-knight/go-quotaguard/pkg/admission"
	"github.com/illmade-knight/go-quotaguard/pkg/breaker"
	"github.com/illmade-knight/go-quotaguard/pkg/cache"
	"github.com/illmade-knight/go-quotaguard/pkg/presence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quotaguard"

// Metrics holds every collector. It satisfies docstore.Observer and
// admission.Observer.
type Metrics struct {
	// BreakerOpen is 1 while the breaker is open.
	BreakerOpen prometheus.Gauge
	// BreakerTrips counts open transitions by reason.
	BreakerTrips *prometheus.CounterVec
	// Reads observes remote read latency by collection and outcome.
	Reads *prometheus.HistogramVec
	// AdmissionDecisions counts decisions by outcome.
	AdmissionDecisions *prometheus.CounterVec
	// PresenceOnline is the number of online sessions by role.
	PresenceOnline *prometheus.GaugeVec

	reg prometheus.Registerer
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "open",
			Help:      "Whether the request circuit breaker is open (1) or closed (0).",
		}),
		BreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total number of times the circuit breaker opened.",
		}, []string{"reason"}),
		Reads: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "docstore",
			Name:      "read_duration_seconds",
			Help:      "Latency of document store reads by outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"collection", "outcome"}),
		AdmissionDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions by outcome.",
		}, []string{"outcome"}),
		PresenceOnline: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "online",
			Help:      "Number of sessions currently online by role.",
		}, []string{"role"}),
		reg: reg,
	}
}

// ObserveRead records one read.
func (m *Metrics) ObserveRead(collection, outcome string, elapsed time.Duration) {
	m.Reads.WithLabelValues(collection, outcome).Observe(elapsed.Seconds())
}

// ObserveDecision records one admission decision.
func (m *Metrics) ObserveDecision(d admission.Decision, failedOpen bool) {
	outcome := "denied"
	switch {
	case failedOpen:
		outcome = "fail_open"
	case d.Reason == admission.ReasonBypass:
		outcome = "bypass"
	case d.Allowed:
		outcome = "allowed"
	case d.Reason == admission.ReasonCountUnavailable:
		outcome = "fail_closed"
	}
	m.AdmissionDecisions.WithLabelValues(outcome).Inc()
}

// ObservePresence records a presence summary.
func (m *Metrics) ObservePresence(s presence.Summary) {
	m.PresenceOnline.WithLabelValues(string(presence.RoleAdmin)).Set(float64(s.AdminsOnline))
	m.PresenceOnline.WithLabelValues(string(presence.RoleOperator)).Set(float64(s.OperatorsOnline))
}

// BreakerListener returns a listener for breaker.Subscribe.
func (m *Metrics) BreakerListener() breaker.Listener {
	return func(st breaker.State) {
		if st.IsOpen {
			m.BreakerOpen.Set(1)
			m.BreakerTrips.WithLabelValues(st.Reason).Inc()
			return
		}
		m.BreakerOpen.Set(0)
	}
}

// RegisterCache exposes the statistics of a cache under name.
func (m *Metrics) RegisterCache(name string, stats func() cache.Stats) {
	m.reg.MustRegister(&cacheCollector{name: name, stats: stats})
}

var (
	cacheEntriesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "entries"),
		"Number of entries currently held, including expired entries not yet swept.",
		[]string{"cache"}, nil)
	cacheHitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "hits_total"),
		"Total number of cache hits.",
		[]string{"cache"}, nil)
	cacheMissesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "misses_total"),
		"Total number of cache misses.",
		[]string{"cache"}, nil)
	cacheEvictionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "evictions_total"),
		"Total number of expired entries evicted.",
		[]string{"cache"}, nil)
)

// cacheCollector reads cache statistics at scrape time.
type cacheCollector struct {
	name  string
	stats func() cache.Stats
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheEntriesDesc
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheEvictionsDesc
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(cacheEntriesDesc, prometheus.GaugeValue, float64(s.Entries), c.name)
	ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(s.Hits), c.name)
	ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(s.Misses), c.name)
	ch <- prometheus.MustNewConstMetric(cacheEvictionsDesc, prometheus.CounterValue, float64(s.Evictions), c.name)
}
