// Package metrics exposes Prometheus instruments for training sessions and
// the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument. It implements trial.Observer.
type Metrics struct {
	registry *prometheus.Registry

	trialsTotal      *prometheus.CounterVec
	reactionSeconds  *prometheus.HistogramVec
	sessionsStarted  *prometheus.CounterVec
	sessionsEnded    *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	storeWriteErrors prometheus.Counter
}

// New registers the instruments on a private registry, alongside the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		trialsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vt_trials_total",
			Help: "Completed trials by protocol and outcome",
		}, []string{"protocol", "outcome"}),
		reactionSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vt_reaction_time_seconds",
			Help:    "Reaction time from stimulus onset for answered trials",
			Buckets: []float64{0.15, 0.2, 0.25, 0.3, 0.4, 0.5, 0.75, 1, 1.5, 2, 3},
		}, []string{"protocol"}),
		sessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vt_sessions_started_total",
			Help: "Sessions started by protocol",
		}, []string{"protocol"}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vt_sessions_ended_total",
			Help: "Sessions ended by protocol and result",
		}, []string{"protocol", "result"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "vt_active_sessions",
			Help: "Sessions currently running",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vt_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vt_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"method", "route"}),
		storeWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "vt_store_write_errors_total",
			Help: "Progress store writes that failed",
		}),
	}
}

// Registry returns the registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionStarted counts a new session.
func (m *Metrics) SessionStarted(protocol string) {
	m.sessionsStarted.WithLabelValues(protocol).Inc()
	m.activeSessions.Inc()
}

// TrialCompleted records one trial outcome.
func (m *Metrics) TrialCompleted(protocol string, correct, timedOut bool, reaction time.Duration) {
	outcome := "incorrect"
	switch {
	case timedOut:
		outcome = "timeout"
	case correct:
		outcome = "correct"
	}
	m.trialsTotal.WithLabelValues(protocol, outcome).Inc()
	if !timedOut {
		m.reactionSeconds.WithLabelValues(protocol).Observe(reaction.Seconds())
	}
}

// SessionEnded counts a finished session.
func (m *Metrics) SessionEnded(protocol string, aborted bool) {
	result := "completed"
	if aborted {
		result = "aborted"
	}
	m.sessionsEnded.WithLabelValues(protocol, result).Inc()
	m.activeSessions.Dec()
}

// StoreWriteFailed counts a failed persistence write.
func (m *Metrics) StoreWriteFailed() { m.storeWriteErrors.Inc() }

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
