// Package metrics exposes the agent's Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"siteagent/internal/pkg/applier"
)

const namespace = "siteagent"

// Metrics holds every collector the agent updates.
type Metrics struct {
	Registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	applies       *prometheus.CounterVec
	applyAttempts *prometheus.HistogramVec
	backendUp     *prometheus.GaugeVec
	counterResets *prometheus.CounterVec
	staleSamples  *prometheus.CounterVec
	events        *prometheus.CounterVec
	orders        *prometheus.CounterVec
	inflight      prometheus.Gauge
	usageReports  *prometheus.CounterVec
}

// New registers the agent collectors plus the Go, process and build info collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cycles_total",
			Help:      "Compute and apply cycles by offering and result",
		}, []string{"offering", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one resource cycle",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"offering"}),
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "applier",
			Name:      "directives_total",
			Help:      "Directive applications by offering and result",
		}, []string{"offering", "result"}),
		applyAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "applier",
			Name:      "attempts",
			Help:      "Backend calls needed per directive application",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"offering"}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "up",
			Help:      "1 if the last liveness probe of the offering's backend succeeded",
		}, []string{"offering"}),
		counterResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "counter_resets_total",
			Help:      "Raw usage counters that went backwards",
		}, []string{"offering", "dimension"}),
		staleSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "stale_samples_total",
			Help:      "Usage samples dropped as out of order",
		}, []string{"offering"}),
		usageReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "reports_total",
			Help:      "Usage reports sent to the marketplace",
		}, []string{"offering", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Periodic limits update events by outcome",
		}, []string{"outcome"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "processed_total",
			Help:      "Marketplace orders processed by type and result",
		}, []string{"type", "result"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "inflight_cycles",
			Help:      "Resource cycles currently running",
		}),
	}

	m.Registry.MustRegister(
		m.cycles, m.cycleDuration, m.applies, m.applyAttempts, m.backendUp,
		m.counterResets, m.staleSamples, m.usageReports, m.events, m.orders, m.inflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector(namespace),
	)
	// so the gauge always shows up
	m.inflight.Set(0)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ApplyFinished implements applier.Observer.
func (m *Metrics) ApplyFinished(offeringID string, r applier.Result, attempts int) {
	m.applies.WithLabelValues(offeringID, r.String()).Inc()
	if attempts > 0 {
		m.applyAttempts.WithLabelValues(offeringID).Observe(float64(attempts))
	}
}

func (m *Metrics) CycleFinished(offeringID, result string, d time.Duration) {
	m.cycles.WithLabelValues(offeringID, result).Inc()
	m.cycleDuration.WithLabelValues(offeringID).Observe(d.Seconds())
}

func (m *Metrics) CycleStarted() { m.inflight.Inc() }
func (m *Metrics) CycleEnded()   { m.inflight.Dec() }

func (m *Metrics) BackendUp(offeringID string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.backendUp.WithLabelValues(offeringID).Set(v)
}

func (m *Metrics) UsageFolded(offeringID string, resets []string, stale int) {
	for _, dim := range resets {
		m.counterResets.WithLabelValues(offeringID, dim).Inc()
	}
	if stale > 0 {
		m.staleSamples.WithLabelValues(offeringID).Add(float64(stale))
	}
}

func (m *Metrics) UsageReported(offeringID string, err error) {
	m.usageReports.WithLabelValues(offeringID, result(err)).Inc()
}

// EventReceived counts an inbound update by outcome: accepted, duplicate, unknown or ignored.
func (m *Metrics) EventReceived(outcome string) { m.events.WithLabelValues(outcome).Inc() }

func (m *Metrics) OrderProcessed(orderType string, err error) {
	m.orders.WithLabelValues(orderType, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
