package rest

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics tracks request-related metrics
var HTTPMetrics = struct {
	RequestsTotal  *prometheus.CounterVec
	CacheHitsTotal *prometheus.CounterVec
	RetriesTotal   *prometheus.CounterVec
}{
	RequestsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_http_requests_total",
			Help: "Total number of HTTP requests sent, split by endpoint and status",
		},
		[]string{"endpoint", "status"},
	),
	CacheHitsTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_http_cache_hits_total",
			Help: "Total number of requests answered from the response cache",
		},
		[]string{"endpoint"},
	),
	RetriesTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_http_retries_total",
			Help: "Total number of request retries, split by endpoint",
		},
		[]string{"endpoint"},
	),
}

func recordRequest(endpointID string, status int) {
	HTTPMetrics.RequestsTotal.WithLabelValues(endpointID, strconv.Itoa(status)).Inc()
}

func recordCacheHit(endpointID string) {
	HTTPMetrics.CacheHitsTotal.WithLabelValues(endpointID).Inc()
}

func recordRetry(endpointID string) {
	HTTPMetrics.RetriesTotal.WithLabelValues(endpointID).Inc()
}
