// Package metrics exposes request-level Prometheus telemetry for the
// proxy pipeline. Component-internal metrics (cache tiers, circuit
// transitions, rate-limit rejections) live in their owning packages; this
// package holds the cross-cutting request and upstream series and the
// MetricsSink wired into the orchestrator.
//
// All collectors register on the default Prometheus registry; serve them
// with promhttp.Handler.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/commercegate/edge-proxy/pkg/proxy"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_requests_total",
		Help: "Inbound requests by tenant and method.",
	}, []string{"tenant", "method"})

	responsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_responses_total",
		Help: "Responses by tenant, status code, and cache outcome.",
	}, []string{"tenant", "status", "cache"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_request_duration_seconds",
		Help:    "End-to-end request latency by tenant.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tenant"})

	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_upstream_requests_total",
		Help: "Upstream requests by tenant and status code (0 = network error).",
	}, []string{"tenant", "status"})

	upstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_upstream_duration_seconds",
		Help:    "Upstream request latency by tenant.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tenant"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_errors_total",
		Help: "Failed requests by tenant and error class.",
	}, []string{"tenant", "class"})

	enhancementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_enhancements_total",
		Help: "Enhancement outcomes by tenant.",
	}, []string{"tenant", "result"})
)

// PromSink implements proxy.MetricsSink on the package collectors.
type PromSink struct{}

// NewPromSink returns the Prometheus-backed sink.
func NewPromSink() PromSink {
	return PromSink{}
}

// RecordRequest implements proxy.MetricsSink.
func (PromSink) RecordRequest(req *proxy.Request) {
	requestsTotal.WithLabelValues(req.Tenant.ID, req.Method).Inc()
}

// RecordResponse implements proxy.MetricsSink.
func (PromSink) RecordResponse(req *proxy.Request, resp *proxy.Response, latency time.Duration) {
	cacheLabel := "miss"
	if resp.CacheHit {
		cacheLabel = "hit"
	}
	responsesTotal.WithLabelValues(req.Tenant.ID, strconv.Itoa(resp.Status), cacheLabel).Inc()
	requestDuration.WithLabelValues(req.Tenant.ID).Observe(latency.Seconds())

	if resp.Enhanced {
		enhancementsTotal.WithLabelValues(req.Tenant.ID, "applied").Inc()
	}
}

// RecordError implements proxy.MetricsSink.
func (PromSink) RecordError(req *proxy.Request, err error) {
	errorsTotal.WithLabelValues(req.Tenant.ID, string(proxy.ClassifyError(err))).Inc()
}

// RecordUpstream implements proxy.MetricsSink.
func (PromSink) RecordUpstream(tenantID, _ string, status int, latency time.Duration) {
	upstreamRequests.WithLabelValues(tenantID, strconv.Itoa(status)).Inc()
	if status > 0 {
		upstreamDuration.WithLabelValues(tenantID).Observe(latency.Seconds())
	}
}
