// Package metrics holds the Prometheus instrumentation for the service.
// Everything registers against a private registry owned by the Registry
// value, so tests can build as many instances as they need.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Registry holds all collectors for the pricing service.
type Registry struct {
	reg *prometheus.Registry

	// HTTP surface
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	InFlight        prometheus.Gauge

	// Cache performance
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	// Upstream fabric
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec
	BreakerSwitches  *prometheus.CounterVec

	// Pricing pipeline
	Calculations   *prometheus.CounterVec
	FallbacksTotal *prometheus.CounterVec

	// Auth and throttling
	RateLimitDecisions *prometheus.CounterVec

	// Audit pipeline
	AuditQueueDepth prometheus.Gauge
	AuditEnqueued   *prometheus.CounterVec
	AuditInserts    *prometheus.CounterVec

	// Rate stream
	StreamClients   prometheus.Gauge
	StreamPublished prometheus.Counter
}

// New builds a Registry with every collector registered.
func New() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locatesvc_http_request_duration_seconds",
				Help:    "Latency of HTTP requests by route and status",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"route", "method", "status"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatesvc_http_requests_total",
				Help: "Total HTTP requests by route and status",
			},
			[]string{"route", "method", "status"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "locatesvc_http_in_flight_requests",
				Help: "Number of requests currently being served",
			},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatesvc_cache_hits_total",
				Help: "Cache hits by namespace and layer",
			},
			[]string{"namespace", "layer"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatesvc_cache_misses_total",
				Help: "Cache misses by namespace",
			},
			[]string{"namespace"},
		),
		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "locatesvc_cache_hit_ratio",
				Help: "Overall cache hit ratio (0.0 to 1.0)",
			},
		),

		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatesvc_upstream_requests_total",
				Help: "Upstream fetches by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		UpstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "locatesvc_upstream_latency_seconds",
				Help:    "Upstream fetch latency by provider",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1.0},
			},
			[]string{"provider"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "locatesvc_breaker_state",
				Help: "Circuit breaker state by provider (0=closed, 1=half-open, 2=open)",
			},
			[]string{"provider"},
		),
		BreakerSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatesvc_breaker_transitions_total",
				Help: "Circuit breaker transitions by provider and states",
			},
			[]string{"provider", "from", "to"},
		),

		Calculations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatesvc_calculations_total",
				Help: "Locate fee calculations by outcome code",
			},
			[]string{"outcome"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatesvc_fallbacks_total",
				Help: "Degraded input resolutions by input and source",
			},
			[]string{"input", "source"},
		),

		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatesvc_rate_limit_decisions_total",
				Help: "Token bucket decisions by outcome",
			},
			[]string{"outcome"},
		),

		AuditQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "locatesvc_audit_queue_depth",
				Help: "Records currently buffered in the audit queue",
			},
		),
		AuditEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatesvc_audit_enqueued_total",
				Help: "Audit records accepted by path (queue or spill)",
			},
			[]string{"path"},
		),
		AuditInserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "locatesvc_audit_inserts_total",
				Help: "Audit store appends by outcome",
			},
			[]string{"outcome"},
		),

		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "locatesvc_stream_clients",
				Help: "Connected WebSocket rate-stream clients",
			},
		),
		StreamPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "locatesvc_stream_rate_updates_total",
				Help: "Rate updates pushed to stream clients",
			},
		),
	}

	m.reg.MustRegister(
		m.RequestDuration,
		m.RequestsTotal,
		m.InFlight,
		m.CacheHits,
		m.CacheMisses,
		m.CacheHitRatio,
		m.UpstreamRequests,
		m.UpstreamLatency,
		m.BreakerState,
		m.BreakerSwitches,
		m.Calculations,
		m.FallbacksTotal,
		m.RateLimitDecisions,
		m.AuditQueueDepth,
		m.AuditEnqueued,
		m.AuditInserts,
		m.StreamClients,
		m.StreamPublished,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RecordCacheHit notes a hit on the given namespace and layer (l1 or l2).
func (m *Registry) RecordCacheHit(namespace, layer string) {
	m.CacheHits.WithLabelValues(namespace, layer).Inc()
	m.updateCacheHitRatio()
}

// RecordCacheMiss notes a full miss on the given namespace.
func (m *Registry) RecordCacheMiss(namespace string) {
	m.CacheMisses.WithLabelValues(namespace).Inc()
	m.updateCacheHitRatio()
}

// RecordFallback notes a degraded resolution (anything but a fresh api read).
func (m *Registry) RecordFallback(input, source string) {
	m.FallbacksTotal.WithLabelValues(input, source).Inc()
}

// SetBreakerState publishes the numeric state of a provider breaker.
func (m *Registry) SetBreakerState(provider string, state float64) {
	m.BreakerState.WithLabelValues(provider).Set(state)
}

// updateCacheHitRatio recomputes the global ratio from the counter vecs.
func (m *Registry) updateCacheHitRatio() {
	var hits, misses float64

	mfs, err := m.reg.Gather()
	if err != nil {
		return
	}
	for _, mf := range mfs {
		switch mf.GetName() {
		case "locatesvc_cache_hits_total":
			hits += sumCounter(mf)
		case "locatesvc_cache_misses_total":
			misses += sumCounter(mf)
		}
	}
	if total := hits + misses; total > 0 {
		m.CacheHitRatio.Set(hits / total)
	}
}

func sumCounter(mf *io_prometheus_client.MetricFamily) float64 {
	var total float64
	for _, metric := range mf.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	return total
}
