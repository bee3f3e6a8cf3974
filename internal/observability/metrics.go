// Package observability defines the Prometheus metrics exported by the
// settlement engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters and histograms for settlement.
type Metrics struct {
	SettlementRuns        *prometheus.CounterVec // labels: result={ok,error}
	SettlementRunDuration prometheus.Histogram

	// Wager outcome metrics.
	WagersTransitioned *prometheus.CounterVec // labels: to={locked,graded,void}
	WagerErrors        prometheus.Counter

	// Observation metrics.
	ObservationCache *prometheus.CounterVec   // labels: result={hit,miss}
	ObservationFetch *prometheus.CounterVec   // labels: outcome={ok,unavailable,incomplete,error}
	NWSDuration      *prometheus.HistogramVec // labels: endpoint={points,stations,observations}

	IndexRepairs prometheus.Counter
}

const namespace = "wxwager"

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.SettlementRuns,
		m.SettlementRunDuration,
		m.WagersTransitioned,
		m.WagerErrors,
		m.ObservationCache,
		m.ObservationFetch,
		m.NWSDuration,
		m.IndexRepairs,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		SettlementRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_runs_total",
			Help:      "Settlement orchestrator runs by result.",
		}, []string{"result"}),
		SettlementRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_run_duration_seconds",
			Help:      "Duration of a full lock, grade and void pass.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		WagersTransitioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wager_transitions_total",
			Help:      "Applied wager status transitions by target status.",
		}, []string{"to"}),
		WagerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wager_settlement_errors_total",
			Help:      "Per-wager failures recorded during settlement.",
		}),
		ObservationCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observation_cache_total",
			Help:      "Daily observation cache lookups by result.",
		}, []string{"result"}),
		ObservationFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observation_fetch_total",
			Help:      "Daily observation fetches by outcome.",
		}, []string{"outcome"}),
		NWSDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "nws_request_duration_seconds",
			Help:      "weather.gov request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),
		IndexRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_repairs_total",
			Help:      "Index memberships added or removed by reconciliation.",
		}),
	}
}
