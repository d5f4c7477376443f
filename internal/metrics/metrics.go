// Package metrics exposes Prometheus instrumentation for the analysis
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	ReportsSubmitted  prometheus.Counter
	CacheHits         prometheus.Counter
	JobsCompleted     prometheus.Counter
	JobsRetried       prometheus.Counter
	JobsFailed        prometheus.Counter
	RefundsIssued     prometheus.Counter
	InsufficientFunds prometheus.Counter
	QueueDepth        prometheus.Gauge
}

// New builds a Metrics set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ReportsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "expertise_reports_submitted_total",
			Help: "Analysis reports accepted for processing.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "expertise_cache_hits_total",
			Help: "Reports completed from the result cache without a job.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "expertise_jobs_completed_total",
			Help: "Jobs that reached COMPLETED.",
		}),
		JobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "expertise_jobs_retried_total",
			Help: "Job attempts requeued for retry.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "expertise_jobs_failed_total",
			Help: "Jobs that exhausted retries and failed the report.",
		}),
		RefundsIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "expertise_refunds_issued_total",
			Help: "Credit refunds issued for failed reports.",
		}),
		InsufficientFunds: factory.NewCounter(prometheus.CounterOpts{
			Name: "expertise_insufficient_balance_total",
			Help: "Submissions rejected for insufficient balance.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "expertise_queue_depth",
			Help: "Jobs currently queued or leased.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
