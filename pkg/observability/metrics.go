package observability

import (
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors served at /metrics.
type Metrics struct {
	registry       *prom.Registry
	eventsIngested *prom.CounterVec
	ingestFailures *prom.CounterVec
	anchorAttempts *prom.CounterVec
	anchorDuration *prom.HistogramVec
	httpRequests   *prom.CounterVec
	httpDuration   *prom.HistogramVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prom.NewRegistry()
	m := &Metrics{
		registry: reg,
		eventsIngested: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gatelog",
			Name:      "events_ingested_total",
			Help:      "Movement events durably recorded, by movement type",
		}, []string{"movement_type"}),
		ingestFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gatelog",
			Name:      "ingest_failures_total",
			Help:      "Rejected or failed submissions, by reason",
		}, []string{"reason"}),
		anchorAttempts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gatelog",
			Name:      "anchor_attempts_total",
			Help:      "Anchoring attempts by target and result",
		}, []string{"target", "result"}),
		anchorDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "gatelog",
			Name:      "anchor_duration_seconds",
			Help:      "Duration of anchoring attempts",
			Buckets:   prom.DefBuckets,
		}, []string{"target"}),
		httpRequests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "gatelog",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		httpDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "gatelog",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prom.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		m.eventsIngested, m.ingestFailures, m.anchorAttempts, m.anchorDuration, m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prom.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventIngested counts one durably recorded event.
func (m *Metrics) EventIngested(movementType string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(movementType).Inc()
}

// IngestFailed counts one rejected or failed submission.
func (m *Metrics) IngestFailed(reason string) {
	if m == nil {
		return
	}
	m.ingestFailures.WithLabelValues(reason).Inc()
}

// ObserveAnchor records one anchoring attempt.
func (m *Metrics) ObserveAnchor(target string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.anchorAttempts.WithLabelValues(target, result).Inc()
	m.anchorDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
