package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Permutation and Power Analysis
// =============================================================================

// Metrics holds the collectors of one process. Each instance owns its registry so tests
// can build as many as they like without duplicate registration panics.
type Metrics struct {
	Registry *prometheus.Registry

	// PermutationsTotal counts finished permutation iterations.
	PermutationsTotal prometheus.Counter

	// RunsTotal counts permutation runs by outcome.
	// Labels: status (complete, interrupted, failed)
	RunsTotal *prometheus.CounterVec

	// RunDuration measures the wall time of a permutation run.
	RunDuration prometheus.Histogram

	// CacheLookups counts result cache lookups.
	// Labels: result (hit, miss, stale, corrupt)
	CacheLookups *prometheus.CounterVec

	// HTTPRequests counts API requests.
	// Labels: route, status
	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		PermutationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "funnelpower",
			Subsystem: "permutation",
			Name:      "iterations_total",
			Help:      "Total permutation iterations computed",
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnelpower",
			Subsystem: "permutation",
			Name:      "runs_total",
			Help:      "Total permutation runs by outcome",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "funnelpower",
			Subsystem: "permutation",
			Name:      "run_duration_seconds",
			Help:      "Wall time of permutation runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnelpower",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups by result",
		}, []string{"result"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnelpower",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route and status code",
		}, []string{"route", "status"}),
	}
}
