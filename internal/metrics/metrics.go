package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ServerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "server_requests_total",
			Help: "Total HTTP requests handled by the gateway",
		},
		[]string{"path", "status"},
	)

	ServerRequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "server_request_latency_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"path"},
	)

	ServerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "server_errors_total",
			Help: "Total errors returned by the gateway",
		},
		[]string{"type"},
	)

	CircuitBreakerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_circuit_breaker_events_total",
			Help: "Circuit breaker events",
		},
		[]string{"event"},
	)

	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total requests handled by the upstream provider",
		},
		[]string{"provider", "status"},
	)

	ProviderRequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_latency_seconds",
			Help:    "Upstream provider request latency in seconds",
			Buckets: []float64{0.1, 0.3, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_streams",
			Help: "Number of active streaming responses",
		},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)
)

func RecordRequest(path, status string, durationSec float64) {
	ServerRequestsTotal.WithLabelValues(path, status).Inc()
	ServerRequestLatency.WithLabelValues(path).Observe(durationSec)
}

func RecordServerError(errType string) {
	ServerErrorsTotal.WithLabelValues(errType).Inc()
}

func RecordBreakerEvent(event string) {
	CircuitBreakerEvents.WithLabelValues(event).Inc()
}

func RecordProviderRequest(provider, status string, durationSec float64) {
	ProviderRequestsTotal.WithLabelValues(provider, status).Inc()
	ProviderRequestLatency.WithLabelValues(provider).Observe(durationSec)
}

// MaybeServe starts a standalone metrics listener when addr is non-empty.
// The exporter is kept off the public mux so the admission chain never has
// to carve out exceptions for it.
func MaybeServe(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics listener failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("metrics listener started", "addr", addr)
}
