package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "inkwell", Name: "http_requests_total", Help: "HTTP requests by method and status."},
		[]string{"method", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "inkwell", Name: "http_request_duration_seconds", Help: "HTTP request latency.", Buckets: prometheus.DefBuckets},
		[]string{"method"},
	)
	ReconciliationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "inkwell", Name: "reconciliation_retries_total", Help: "Retried user reconciliation attempts."},
	)
	CompletionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "inkwell", Name: "completion_failures_total", Help: "Failed AI completion calls."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(HTTPRequests)
	reg.MustRegister(HTTPDuration)
	reg.MustRegister(ReconciliationRetries)
	reg.MustRegister(CompletionFailures)
}
