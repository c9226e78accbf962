package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess        = "success"
	statusFailure        = "failure"
	statusNotImplemented = "notimplemented"
)

// metrics is a container of metrics for an engine.
type metrics struct {
	runs *prometheus.CounterVec

	planning  prometheus.Histogram
	execution prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		runs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_engine_runs_total",
			Help: "Total number of relations run by the engine, by outcome.",
		}, []string{"status"}),

		planning: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "tessera_engine_planning_duration_seconds",
			Help:    "Time spent translating relations into logical plans.",
			Buckets: prometheus.DefBuckets,
		}),
		execution: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "tessera_engine_execution_duration_seconds",
			Help:    "Time spent executing logical plans and writing their results.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}
