// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	UpstreamLookups *prometheus.CounterVec
	PresenceMarks   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RefreshJobs     *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UpstreamLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipresence",
			Name:      "upstream_lookups_total",
			Help:      "Upstream directory lookups by outcome (hit, miss, unavailable).",
		}, []string{"outcome"}),
		PresenceMarks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipresence",
			Name:      "presence_marks_total",
			Help:      "Presence marks recorded by status.",
		}, []string{"status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ipresence",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by action and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action", "code"}),
		RefreshJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipresence",
			Name:      "refresh_jobs_total",
			Help:      "Student refresh jobs by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Upstream(outcome string) {
	if m == nil {
		return
	}
	m.UpstreamLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Presence(status string) {
	if m == nil {
		return
	}
	m.PresenceMarks.WithLabelValues(status).Inc()
}

func (m *Metrics) Request(action, code string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(action, code).Observe(seconds)
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.RefreshJobs.WithLabelValues(result).Inc()
}
