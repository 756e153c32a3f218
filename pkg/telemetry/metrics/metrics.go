// Package metrics provides Prometheus metrics for the policy evaluator
// and the deliberation orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config contains metric naming configuration.
type Config struct {
	// Namespace is the metric name prefix. Default: "arbiter".
	Namespace string
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{Namespace: "arbiter"}
}

// Registry bundles the Prometheus registry with the per-concern metric
// groups.
type Registry struct {
	registry   *prometheus.Registry
	Evaluation *EvaluationMetrics
	Sessions   *SessionMetrics
}

// NewRegistry creates a registry with all metric groups registered,
// plus the standard Go runtime and process collectors.
func NewRegistry(cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		registry:   registry,
		Evaluation: NewEvaluationMetrics(cfg, registry),
		Sessions:   NewSessionMetrics(cfg, registry),
	}
}

// EvaluationOrNil returns the evaluation metrics, tolerating a nil
// registry so disabled telemetry needs no special-casing by callers.
func (r *Registry) EvaluationOrNil() *EvaluationMetrics {
	if r == nil {
		return nil
	}
	return r.Evaluation
}

// SessionsOrNil returns the session metrics, tolerating a nil registry.
func (r *Registry) SessionsOrNil() *SessionMetrics {
	if r == nil {
		return nil
	}
	return r.Sessions
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
