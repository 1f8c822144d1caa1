// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "certexam"

// Metrics groups the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsFinalized *prometheus.CounterVec
	AnswersSaved      prometheus.Counter
	Rejections        *prometheus.CounterVec
	SweepExpired      prometheus.Counter
	HTTPDuration      *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Candidate exam sessions created.",
		}),
		SessionsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finalized_total",
			Help:      "Sessions that reached a terminal status.",
		}, []string{"status"}),
		AnswersSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_saved_total",
			Help:      "Answers persisted by saveAnswer.",
		}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_rejections_total",
			Help:      "Lifecycle operations rejected, by operation and error kind.",
		}, []string{"operation", "kind"}),
		SweepExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_timed_out_total",
			Help:      "Sessions timed out by the background sweep.",
		}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) SessionFinalized(status string) {
	if m == nil {
		return
	}
	m.SessionsFinalized.WithLabelValues(status).Inc()
}

func (m *Metrics) AnswerSaved() {
	if m == nil {
		return
	}
	m.AnswersSaved.Inc()
}

func (m *Metrics) Rejected(operation, kind string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(operation, kind).Inc()
}

func (m *Metrics) SweptExpired(n int) {
	if m == nil {
		return
	}
	m.SweepExpired.Add(float64(n))
}
