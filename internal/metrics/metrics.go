// Package metrics provides Prometheus metrics for the relay
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay. Every Record method is
// safe to call on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Upstream model service metrics
	UpstreamCallsTotal   *prometheus.CounterVec
	UpstreamCallDuration *prometheus.HistogramVec

	// Session store metrics
	ActiveSessions       prometheus.Gauge
	SessionRemovalsTotal *prometheus.CounterVec

	// Assistant run metrics
	RunPollsTotal    prometheus.Counter
	RunOutcomesTotal *prometheus.CounterVec
}

// New creates all relay metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		UpstreamCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_calls_total",
				Help: "Total number of calls to the hosted model service",
			},
			[]string{"operation", "status"},
		),
		UpstreamCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_call_duration_seconds",
				Help:    "Duration of calls to the hosted model service in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"operation"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_sessions_active",
				Help: "Number of conversation sessions held in memory",
			},
		),
		SessionRemovalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_session_removals_total",
				Help: "Total number of sessions removed from memory",
			},
			[]string{"reason"},
		),

		RunPollsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_assistant_run_polls_total",
				Help: "Total number of assistant run status polls",
			},
		),
		RunOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_assistant_run_outcomes_total",
				Help: "Total number of assistant runs by terminal status",
			},
			[]string{"status"},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records a finished HTTP request
func (m *Metrics) RecordHTTPRequest(route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordUpstreamCall records one call to the model service
func (m *Metrics) RecordUpstreamCall(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.UpstreamCallsTotal.WithLabelValues(operation, status).Inc()
	m.UpstreamCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionRemoval(reason string) {
	if m == nil {
		return
	}
	m.SessionRemovalsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRunPoll() {
	if m == nil {
		return
	}
	m.RunPollsTotal.Inc()
}

func (m *Metrics) RecordRunOutcome(status string) {
	if m == nil {
		return
	}
	m.RunOutcomesTotal.WithLabelValues(status).Inc()
}
