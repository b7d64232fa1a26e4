// Package metrics holds the Prometheus collectors for the service. Every
// method is safe on a nil *Metrics so components can run without metrics in
// tests.
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

const namespace = "giftledger"

// Metrics is the set of collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	gatewayRequests  *prometheus.CounterVec
	gatewayDuration  *prometheus.HistogramVec
	rateLimitDenials *prometheus.CounterVec
	ledgerOps        *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		gatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "API gateway requests by route and status.",
		}, []string{"route", "method", "status"}),
		gatewayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "API gateway request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimitDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "denials_total",
			Help:      "Requests rejected by the rate limiter by window.",
		}, []string{"window"}),
		ledgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by type and outcome kind.",
		}, []string{"operation", "outcome"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Webhook and email delivery attempts by outcome.",
		}, []string{"channel", "outcome"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by outcome.",
		}, []string{"job", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveGatewayRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.gatewayDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimitDenied(window string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(window).Inc()
}

func (m *Metrics) LedgerOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) DeliveryAttempt(channel, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}
