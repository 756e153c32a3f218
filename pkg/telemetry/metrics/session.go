package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics tracks metrics for deliberation sessions.
//
// Metrics:
//   - arbiter_sessions_total: sessions by terminal status
//   - arbiter_session_duration_seconds: wall-clock session duration
//   - arbiter_session_rounds: deliberation rounds per session
//   - arbiter_session_wipes_total: ephemeral retention wipes applied
type SessionMetrics struct {
	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	sessionRounds   prometheus.Histogram
	wipesTotal      *prometheus.CounterVec
}

// NewSessionMetrics creates and registers session metrics.
func NewSessionMetrics(cfg *Config, registry *prometheus.Registry) *SessionMetrics {
	sm := &SessionMetrics{
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "sessions_total",
				Help:      "Total number of deliberation sessions by terminal status",
			},
			[]string{"status"},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "session_duration_seconds",
				Help:      "Wall-clock duration of deliberation sessions",
				// Sessions are provider-bound: seconds to minutes.
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~14min
			},
		),

		sessionRounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "session_rounds",
				Help:      "Number of rounds per deliberation session",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),

		wipesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "session_wipes_total",
				Help:      "Total number of ephemeral retention wipes applied",
			},
			[]string{"mode"},
		),
	}

	registry.MustRegister(
		sm.sessionsTotal,
		sm.sessionDuration,
		sm.sessionRounds,
		sm.wipesTotal,
	)

	return sm
}

// RecordSession records one session reaching a terminal status.
// Safe to call on a nil receiver so callers can run without metrics.
func (sm *SessionMetrics) RecordSession(status string, duration time.Duration, rounds int) {
	if sm == nil {
		return
	}
	sm.sessionsTotal.WithLabelValues(status).Inc()
	sm.sessionDuration.Observe(duration.Seconds())
	sm.sessionRounds.Observe(float64(rounds))
}

// RecordWipe records one applied retention wipe.
func (sm *SessionMetrics) RecordWipe(mode string) {
	if sm == nil {
		return
	}
	sm.wipesTotal.WithLabelValues(mode).Inc()
}
