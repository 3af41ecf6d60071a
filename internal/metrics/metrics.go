// Package metrics exposes Prometheus collectors for engine activity:
// executions, branches, action results and retries. Collectors are
// append-only and safe for concurrent use; the HTTP export surface lives
// outside the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "drover"

// Engine bundles the engine's collectors. One instance is shared by the
// orchestrator and every branch executor.
type Engine struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	BranchesTotal     *prometheus.CounterVec
	BranchesInFlight  prometheus.Gauge
	ActionsTotal      *prometheus.CounterVec
	ActionDuration    prometheus.Histogram
	RetriesTotal      prometheus.Counter
}

// New registers the engine collectors on reg and returns them. Pass
// prometheus.DefaultRegisterer in the daemon; tests use a private registry.
func New(reg prometheus.Registerer) *Engine {
	factory := promauto.With(reg)

	return &Engine{
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions finished, by terminal status.",
		}, []string{"status"}),

		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of finished executions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms .. ~13m
		}),

		BranchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "branches_total",
			Help:      "Branches finished, by terminal status.",
		}, []string{"status"}),

		BranchesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "branches_in_flight",
			Help:      "Branches currently holding a concurrency slot.",
		}),

		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_results_total",
			Help:      "Action results recorded, by terminal status.",
		}, []string{"status"}),

		ActionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of one action including its retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~6m
		}),

		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried action attempts across all executions.",
		}),
	}
}

// ObserveExecution records one finished execution.
func (e *Engine) ObserveExecution(status string, d time.Duration) {
	e.ExecutionsTotal.WithLabelValues(status).Inc()
	e.ExecutionDuration.Observe(d.Seconds())
}

// ObserveBranch records one finished branch.
func (e *Engine) ObserveBranch(status string) {
	e.BranchesTotal.WithLabelValues(status).Inc()
}

// ObserveAction records one terminal action result.
func (e *Engine) ObserveAction(status string, d time.Duration) {
	e.ActionsTotal.WithLabelValues(status).Inc()
	e.ActionDuration.Observe(d.Seconds())
}
