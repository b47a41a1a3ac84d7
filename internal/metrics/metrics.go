// Package metrics exposes Prometheus collectors for the proxy service.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reportsTotal               *prometheus.CounterVec
	upstreamDurationSeconds    *prometheus.HistogramVec
	stuckRecoveredTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		reportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psiproxy_reports_total",
				Help: "Total report runs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		upstreamDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "psiproxy_upstream_request_duration_seconds",
				Help:    "Latency of upstream analysis calls, labeled by form factor and outcome.",
				Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 90},
			},
			[]string{"form_factor", "outcome"},
		)

		stuckRecoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "psiproxy_stuck_recovered_total",
				Help: "Total processing records reset and re-driven by recovery.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "psiproxy_http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "psiproxy_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// ObserveReportFinished increments the terminal-status counter.
func ObserveReportFinished(status string) {
	if reportsTotal == nil {
		return
	}
	reportsTotal.WithLabelValues(status).Inc()
}

// ObserveUpstreamRequest records one upstream call's latency and outcome.
func ObserveUpstreamRequest(formFactor string, outcome string, d time.Duration) {
	if upstreamDurationSeconds == nil {
		return
	}
	upstreamDurationSeconds.WithLabelValues(formFactor, outcome).Observe(d.Seconds())
}

// ObserveStuckRecovered counts one recovered record.
func ObserveStuckRecovered() {
	if stuckRecoveredTotal == nil {
		return
	}
	stuckRecoveredTotal.Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
