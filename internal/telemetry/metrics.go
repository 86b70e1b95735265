// Package telemetry provides application-level observability for pypackage.
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<PYP_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Metric groups:
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Package index XML-RPC call counters and latencies
//   - Release sync duration, error and creation counters
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics. The path label holds the Gin route template (e.g.
// /api/v1/packages/:slug), not the raw URL.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Index client metrics, one observation per XML-RPC call.
//
// IndexCallsTotal has labels {method, outcome}; outcome is "ok", "error",
// "timeout" or "throttled".
//
// Example PromQL:
//   - Failure ratio:  sum(rate(index_calls_total{outcome!="ok"}[15m])) / sum(rate(index_calls_total[15m]))
var (
	IndexCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_calls_total",
			Help: "Total number of package index XML-RPC calls, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	IndexCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "index_call_duration_seconds",
			Help:    "Latency of package index XML-RPC calls, by method.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)
)

// Release sync metrics, recorded by the release synchronizer and the
// scheduled sync job.
//
// ReleaseSyncErrorsTotal is labelled by index package name. An alert on
// increase(release_sync_errors_total[1h]) > 3 catches index outages early.
var (
	ReleaseSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "release_sync_duration_seconds",
			Help:    "Duration of a single index package release sync.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReleaseSyncErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_sync_errors_total",
			Help: "Total number of failed release syncs, by index package name.",
		},
		[]string{"package"},
	)

	ReleasesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "releases_created_total",
			Help: "Total number of releases created from the package index.",
		},
	)

	IndexBreakerOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_breaker_open_total",
			Help: "Total number of syncs skipped because the index host circuit breaker was open, by host.",
		},
		[]string{"host"},
	)
)

// DBOpenConnections tracks open connections in the sql.DB pool. It is sampled
// every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds until
// ctx is cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.Ping(); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
