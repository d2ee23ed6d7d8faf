// Package metrics exposes Prometheus collectors for stage fetches,
// classification and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	stageFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagetree_stage_fetch_duration_seconds",
			Help:    "Time to fetch the raw staging listing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	stageFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagetree_stage_fetch_errors_total",
			Help: "Failed staging listing fetches",
		},
		[]string{"source"},
	)

	classifyRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagetree_classify_runs_total",
			Help: "Classification passes by data level",
		},
		[]string{"level"},
	)

	classifiedNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagetree_classified_nodes",
			Help: "Nodes per schema in the last classified tree",
		},
		[]string{"level", "schema"},
	)

	assignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagetree_assignments_total",
			Help: "Staged files assigned to datasets or study resources",
		},
		[]string{"target", "status"},
	)

	imports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagetree_imports_total",
			Help: "Batch imports started from the staging area",
		},
		[]string{"kind", "status"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagetree_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagetree_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveFetch records one staging listing fetch.
func ObserveFetch(source string, d time.Duration, err error) {
	stageFetchDuration.WithLabelValues(source).Observe(d.Seconds())
	if err != nil {
		stageFetchErrors.WithLabelValues(source).Inc()
	}
}

// ObserveClassify records a classification pass and its per-schema counts.
func ObserveClassify(level string, counts map[string]int) {
	classifyRuns.WithLabelValues(level).Inc()
	for schema, n := range counts {
		classifiedNodes.WithLabelValues(level, schema).Set(float64(n))
	}
}

// ObserveAssign records one file move.
func ObserveAssign(target string, err error) {
	assignments.WithLabelValues(target, status(err)).Inc()
}

// ObserveImport records one batch import request.
func ObserveImport(kind string, err error) {
	imports.WithLabelValues(kind, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type recorder struct {
	http.ResponseWriter
	status int
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts requests. Paths are taken from the matched mux
// pattern to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
