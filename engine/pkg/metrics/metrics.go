package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spend_engine_build_info",
			Help: "Build information of the spend engine",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spend_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spend_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spend_engine_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spend_engine_queries_total",
			Help: "Total number of compiled dataset queries",
		},
		[]string{"mode", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spend_engine_query_duration_seconds",
			Help:    "Duration of compiled dataset queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"mode"},
	)

	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spend_engine_cache_requests_total",
			Help: "Total number of query cache lookups by result (hit, miss, bypass)",
		},
		[]string{"result"},
	)

	CacheInvalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spend_engine_cache_invalidations_total",
			Help: "Total number of query cache invalidations",
		},
	)

	EntriesLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spend_engine_entries_loaded_total",
			Help: "Total number of entry load attempts",
		},
		[]string{"status"},
	)

	SchemaOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spend_engine_schema_operations_total",
			Help: "Total number of schema operations (generate, drop, flush)",
		},
		[]string{"operation", "status"},
	)

	CollectionMaterializedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spend_engine_collection_materialized_entries_total",
			Help: "Total number of entries inserted into collections by materialize queries",
		},
	)

	WarmerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spend_engine_warmer_runs_total",
			Help: "Total number of cache warmer query runs",
		},
		[]string{"status"},
	)

	MirrorRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spend_engine_mirror_rows_total",
			Help: "Total number of entries written to the analytic mirror",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordQuery records the outcome and duration of one compiled query.
func RecordQuery(mode string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	QueriesTotal.WithLabelValues(mode, status).Inc()
	QueryDuration.WithLabelValues(mode).Observe(duration.Seconds())
}
