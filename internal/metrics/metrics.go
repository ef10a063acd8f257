package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains Prometheus collectors for the admission-control engine.
// A nil *Metrics is valid and records nothing, so components never need to
// guard their instrumentation calls.
type Metrics struct {
	admissionChecks   *prometheus.CounterVec
	databaseFallbacks *prometheus.CounterVec
	failOpens         *prometheus.CounterVec
	trackedCost       prometheus.Counter
	costQueueDepth    prometheus.Gauge
}

// New creates the engine metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissionChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_admission_checks_total",
				Help: "Admission checks performed, by component and result",
			},
			[]string{"component", "result"},
		),
		databaseFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_database_fallbacks_total",
				Help: "Checks that fell back from the cache to the database",
			},
			[]string{"component"},
		),
		failOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_fail_opens_total",
				Help: "Checks resolved as fail-open because a dependency erred",
			},
			[]string{"component"},
		),
		trackedCost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotagate_tracked_cost_usd_total",
				Help: "Cost folded back into the running counters, in USD",
			},
		),
		costQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotagate_cost_queue_depth",
				Help: "Cost events waiting in the tracking queue",
			},
		),
	}

	reg.MustRegister(
		m.admissionChecks,
		m.databaseFallbacks,
		m.failOpens,
		m.trackedCost,
		m.costQueueDepth,
	)

	return m
}

// ObserveCheck records one admission check outcome.
func (m *Metrics) ObserveCheck(component, result string) {
	if m == nil {
		return
	}
	m.admissionChecks.WithLabelValues(component, result).Inc()
}

// ObserveFallback records a cache miss that was served from the database.
func (m *Metrics) ObserveFallback(component string) {
	if m == nil {
		return
	}
	m.databaseFallbacks.WithLabelValues(component).Inc()
}

// ObserveFailOpen records a check that resolved as fail-open.
func (m *Metrics) ObserveFailOpen(component string) {
	if m == nil {
		return
	}
	m.failOpens.WithLabelValues(component).Inc()
}

// ObserveTrackedCost records cost applied to the running counters.
func (m *Metrics) ObserveTrackedCost(costUSD float64) {
	if m == nil || costUSD <= 0 {
		return
	}
	m.trackedCost.Add(costUSD)
}

// SetCostQueueDepth records the current tracking-queue depth.
func (m *Metrics) SetCostQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.costQueueDepth.Set(float64(depth))
}
