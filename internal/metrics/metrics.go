// Package metrics holds the Prometheus instrumentation for the
// governance engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aegisgate"

// Metrics groups the engine's Prometheus collectors.
type Metrics struct {
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	EvalBudgetOverruns prometheus.Counter
	ErrorFallbacks     prometheus.Counter
	AuditRecordsTotal  prometheus.Counter
	AuditFlushFailures prometheus.Counter
	TrustScore         *prometheus.GaugeVec
	PolicyCount        prometheus.Gauge
}

// New registers the engine collectors on reg. Passing nil uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EvaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Governance evaluations by verdict action and hook.",
		}, []string{"action", "hook"}),
		EvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "End-to-end evaluation latency.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
		}),
		EvalBudgetOverruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_budget_overruns_total",
			Help:      "Evaluations that exceeded the configured microsecond budget.",
		}),
		ErrorFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_fallbacks_total",
			Help:      "Evaluations that returned the fail-mode verdict after an error.",
		}),
		AuditRecordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_total",
			Help:      "Audit records appended to the chain.",
		}),
		AuditFlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_flush_failures_total",
			Help:      "Audit buffer flushes that failed and were requeued.",
		}),
		TrustScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trust_score",
			Help:      "Current trust score per agent.",
		}, []string{"agent_id"}),
		PolicyCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policy_count",
			Help:      "Policies in the active compiled index.",
		}),
	}
}
