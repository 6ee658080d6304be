package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tablecat_build_info",
			Help: "Build information of tablecat",
		},
		[]string{"version", "commit", "date"},
	)

	ConcatenationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablecat_concatenations_total",
			Help: "Total number of concatenations",
		},
		[]string{"status", "code"},
	)

	ConcatenationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tablecat_concatenation_duration_seconds",
			Help:    "Duration of concatenations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	ConcatenatedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tablecat_concatenated_rows_total",
			Help: "Total number of rows referenced by committed concatenations",
		},
	)

	ConcatenatedChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tablecat_concatenated_chunks_total",
			Help: "Total number of chunk ranges written by committed concatenations",
		},
	)

	SortValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablecat_sort_validations_total",
			Help: "Total number of sort order validations",
		},
		[]string{"outcome"}, // "sorted", "unsorted", "degraded", "rejected"
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablecat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tablecat_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tablecat_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// RecordConcatenation records the outcome of one concatenation.
func RecordConcatenation(duration time.Duration, rows, chunks int64, err error) {
	ConcatenationDuration.Observe(duration.Seconds())
	if err != nil {
		ConcatenationsTotal.WithLabelValues("error", tableerr.CodeOf(err).String()).Inc()
		return
	}
	ConcatenationsTotal.WithLabelValues("success", "").Inc()
	ConcatenatedRowsTotal.Add(float64(rows))
	ConcatenatedChunksTotal.Add(float64(chunks))
}

func RecordSortValidation(outcome string) {
	SortValidationsTotal.WithLabelValues(outcome).Inc()
}

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
