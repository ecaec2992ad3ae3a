package run

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the run coordinator.
type Metrics struct {
	RunsStarted   prometheus.Counter
	RunsReplayed  prometheus.Counter
	RunsFailed    prometheus.Counter
	DraftFailures prometheus.Counter
	KeyConflicts  prometheus.Counter
	RunDuration   prometheus.Histogram
	StreamClients prometheus.Gauge
}

// NewMetrics registers coordinator metrics on the given registerer. A nil
// registerer yields metrics that are collected nowhere, which keeps tests
// quiet.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "copilot_runs_started_total",
			Help: "Runs that began executing (excludes replays).",
		}),
		RunsReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "copilot_runs_replayed_total",
			Help: "Turns served from the idempotency registry.",
		}),
		RunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "copilot_runs_failed_total",
			Help: "Runs that ended in a terminal error.",
		}),
		DraftFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "copilot_draft_failures_total",
			Help: "Draft step invocations that failed after retries.",
		}),
		KeyConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "copilot_idempotency_conflicts_total",
			Help: "Idempotency registrations that lost the insert race and converged by re-read.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "copilot_run_duration_seconds",
			Help:    "Wall time of non-replay run execution.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "copilot_stream_clients",
			Help: "Currently connected SSE stream clients.",
		}),
	}
}
