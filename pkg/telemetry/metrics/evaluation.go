package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EvaluationMetrics tracks metrics for policy evaluation.
//
// Metrics:
//   - arbiter_evaluations_total: evaluations by tenant and final action
//   - arbiter_evaluation_duration_seconds: evaluation duration
//   - arbiter_rule_hits_total: rule matches by rule type and action
//   - arbiter_evaluation_errors_total: evaluations that failed mid-flight
type EvaluationMetrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	ruleHitsTotal      *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
}

// NewEvaluationMetrics creates and registers evaluation metrics.
func NewEvaluationMetrics(cfg *Config, registry *prometheus.Registry) *EvaluationMetrics {
	em := &EvaluationMetrics{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "evaluations_total",
				Help:      "Total number of event evaluations",
			},
			[]string{"tenant_id", "action"},
		),

		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of event evaluation in seconds",
				// Evaluations should be fast (< 10ms)
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to 16ms
			},
			[]string{"tenant_id"},
		),

		ruleHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "rule_hits_total",
				Help:      "Total number of policy rule matches",
			},
			[]string{"rule_type", "action"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "evaluation_errors_total",
				Help:      "Total number of failed evaluations",
			},
			[]string{"tenant_id"},
		),
	}

	registry.MustRegister(
		em.evaluationsTotal,
		em.evaluationDuration,
		em.ruleHitsTotal,
		em.errorsTotal,
	)

	return em
}

// RecordEvaluation records one completed evaluation.
// Safe to call on a nil receiver so callers can run without metrics.
func (em *EvaluationMetrics) RecordEvaluation(tenantID, action string, duration time.Duration) {
	if em == nil {
		return
	}
	em.evaluationsTotal.WithLabelValues(tenantID, action).Inc()
	em.evaluationDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// RecordRuleHit records one rule match.
func (em *EvaluationMetrics) RecordRuleHit(ruleType, action string) {
	if em == nil {
		return
	}
	em.ruleHitsTotal.WithLabelValues(ruleType, action).Inc()
}

// RecordError records one failed evaluation.
func (em *EvaluationMetrics) RecordError(tenantID string) {
	if em == nil {
		return
	}
	em.errorsTotal.WithLabelValues(tenantID).Inc()
}
