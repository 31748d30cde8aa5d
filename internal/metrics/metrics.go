// Package metrics defines the relayer's Prometheus instrumentation: a
// typed wrapper around a private registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every counter, gauge, and histogram the relayer publishes,
// all registered against one private *prometheus.Registry rather than the
// global default so tests can construct isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	JobsCreatedTotal   *prometheus.CounterVec
	JobsCompletedTotal *prometheus.CounterVec
	JobsFailedTotal    *prometheus.CounterVec

	ListenerLagBlocks *prometheus.GaugeVec

	ProofRoundTripSeconds  prometheus.Histogram
	ExecutorSubmitSeconds  *prometheus.HistogramVec
}

// New constructs and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		JobsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer",
			Name:      "jobs_created_total",
			Help:      "Total jobs created by the Listener, partitioned by mapping and destination chain.",
		}, []string{"mapping_name", "dest_chain"}),
		JobsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer",
			Name:      "jobs_completed_total",
			Help:      "Total jobs that reached the completed status.",
		}, []string{"mapping_name", "dest_chain"}),
		JobsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayer",
			Name:      "jobs_failed_total",
			Help:      "Total jobs abandoned in the failed status after exhausting retries.",
		}, []string{"mapping_name", "dest_chain"}),
		ListenerLagBlocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relayer",
			Name:      "listener_lag_blocks",
			Help:      "Difference between chain head and the Listener's last processed block.",
		}, []string{"chain"}),
		ProofRoundTripSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relayer",
			Name:      "proof_round_trip_seconds",
			Help:      "Time from polymer_requestProof to a terminal polymer_queryProof status.",
			Buckets:   prometheus.DefBuckets,
		}),
		ExecutorSubmitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relayer",
			Name:      "executor_submit_seconds",
			Help:      "Time from transaction submission to the configured confirmation depth.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain"}),
	}

	reg.MustRegister(
		m.JobsCreatedTotal,
		m.JobsCompletedTotal,
		m.JobsFailedTotal,
		m.ListenerLagBlocks,
		m.ProofRoundTripSeconds,
		m.ExecutorSubmitSeconds,
	)

	return m
}
