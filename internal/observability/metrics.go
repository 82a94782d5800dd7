package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Sanduku.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session lifecycle metrics.
	SessionsCreatedTotal     *prometheus.CounterVec
	SessionsEvictedTotal     *prometheus.CounterVec
	ActiveSessions           prometheus.Gauge

	// Invocation metrics.
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	// File bridge metrics.
	DownloadsTotal        *prometheus.CounterVec
	DownloadedBytesTotal  prometheus.Counter
	DownloadPayloadSize   prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total sandbox sessions created.",
		}, []string{"provider"}),

		SessionsEvictedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Total session evictions.",
		}, []string{"reason"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of sessions currently registered locally.",
		}),

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "invoker",
			Name:      "invocations_total",
			Help:      "Total sandbox operation invocations.",
		}, []string{"operation", "status"}),

		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "invoker",
			Name:      "invocation_duration_seconds",
			Help:      "Sandbox operation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"operation"}),

		DownloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "bridge",
			Name:      "downloads_total",
			Help:      "Total file bridge download batches.",
		}, []string{"status"}),

		DownloadedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "bridge",
			Name:      "downloaded_bytes_total",
			Help:      "Total bytes written to the host by the file bridge.",
		}),

		DownloadPayloadSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "bridge",
			Name:      "payload_size_bytes",
			Help:      "Encoded payload size per download batch.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SessionsCreatedTotal,
		m.SessionsEvictedTotal,
		m.ActiveSessions,
		m.InvocationsTotal,
		m.InvocationDuration,
		m.DownloadsTotal,
		m.DownloadedBytesTotal,
		m.DownloadPayloadSize,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
