package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/pkg/types"
)

// Metrics holds the registry's prometheus collectors
// ARCHITECTURAL DISCOVERY: Every method is safe on a nil receiver so
// components constructed without metrics (tests, tools) need no guards
type Metrics struct {
	registry *prometheus.Registry

	scanCycles          prometheus.Counter
	scanErrors          prometheus.Counter
	scanDuration        prometheus.Histogram
	devicesSeen         prometheus.Gauge
	presentStudents     prometheus.Gauge
	transitions         *prometheus.CounterVec
	persistenceFailures prometheus.Counter
	feedClients         prometheus.Gauge
	feedDropped         prometheus.Counter
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scanCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_scan_cycles_total",
			Help: "Reconciliation cycles completed.",
		}),
		scanErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_scan_errors_total",
			Help: "Discovery calls that failed and were treated as empty snapshots.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendance_scan_cycle_duration_seconds",
			Help:    "Wall time of one reconciliation cycle including discovery.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		devicesSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendance_devices_seen",
			Help: "Devices in the last filtered snapshot.",
		}),
		presentStudents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendance_present_students",
			Help: "Students currently counted present across all classes.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_transitions_total",
			Help: "Presence changes by cause and direction.",
		}, []string{"cause", "direction"}),
		persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_persistence_failures_total",
			Help: "Snapshot saves that failed.",
		}),
		feedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendance_feed_clients",
			Help: "Connected live feed clients.",
		}),
		feedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_feed_dropped_total",
			Help: "Transition batches dropped because the feed queue was full.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scanCycles,
		m.scanErrors,
		m.scanDuration,
		m.devicesSeen,
		m.presentStudents,
		m.transitions,
		m.persistenceFailures,
		m.feedClients,
		m.feedDropped,
	)
	return m
}

// Handler serves the collectors for scraping
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCycle records one completed reconciliation cycle
func (m *Metrics) ObserveCycle(elapsed time.Duration, devices int, discoveryFailed bool) {
	if m == nil {
		return
	}
	m.scanCycles.Inc()
	m.scanDuration.Observe(elapsed.Seconds())
	m.devicesSeen.Set(float64(devices))
	if discoveryFailed {
		m.scanErrors.Inc()
	}
}

// SetPresent records the current present count
func (m *Metrics) SetPresent(count int) {
	if m == nil {
		return
	}
	m.presentStudents.Set(float64(count))
}

// ObserveTransitions counts presence changes
func (m *Metrics) ObserveTransitions(transitions []types.Transition) {
	if m == nil {
		return
	}
	for _, tr := range transitions {
		direction := "depart"
		if tr.Present {
			direction = "arrive"
		}
		m.transitions.WithLabelValues(string(tr.Cause), direction).Inc()
	}
}

// PersistenceFailed counts a failed save
func (m *Metrics) PersistenceFailed() {
	if m == nil {
		return
	}
	m.persistenceFailures.Inc()
}

// SetFeedClients records the live feed client count
func (m *Metrics) SetFeedClients(count int) {
	if m == nil {
		return
	}
	m.feedClients.Set(float64(count))
}

// FeedDropped counts a dropped feed batch
func (m *Metrics) FeedDropped() {
	if m == nil {
		return
	}
	m.feedDropped.Inc()
}
