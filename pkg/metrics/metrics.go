// Package metrics exposes the indexer's Prometheus instrumentation through
// a single Registry handed to components at construction time.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics for the indexer
type Registry struct {
	// Ingestion
	RowsIngestedTotal   *prometheus.CounterVec
	BlocksIngestedTotal prometheus.Counter
	IngestFrontier      prometheus.Gauge
	IngestErrorsTotal   prometheus.Counter

	// Compaction
	CompactionFrontier  prometheus.Gauge
	ChunksWrittenTotal  prometheus.Counter
	CompactionDuration  prometheus.Histogram
	CompactionRetries   prometheus.Counter

	// Query
	QueriesTotal        *prometheus.CounterVec
	QueryDuration       prometheus.Histogram
	ChunksConsidered    prometheus.Counter
	ChunksPruned        prometheus.Counter
	ChunksDecoded       prometheus.Counter

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewRegistry creates a registry with all indexer metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.RowsIngestedTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainindex_rows_ingested_total",
			Help: "Total rows appended to the hot store",
		},
		[]string{"kind"},
	)
	r.BlocksIngestedTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "chainindex_blocks_ingested_total",
			Help: "Total blocks fully ingested",
		},
	)
	r.IngestFrontier = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "chainindex_ingest_frontier",
			Help: "Highest block fully ingested",
		},
	)
	r.IngestErrorsTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "chainindex_ingest_errors_total",
			Help: "Total upstream node errors during ingestion",
		},
	)

	r.CompactionFrontier = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "chainindex_compaction_frontier",
			Help: "Highest block folded into an immutable chunk",
		},
	)
	r.ChunksWrittenTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "chainindex_chunks_written_total",
			Help: "Total immutable chunks published",
		},
	)
	r.CompactionDuration = promauto.With(reg).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainindex_compaction_duration_seconds",
			Help:    "Duration of compaction cycles in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
	)
	r.CompactionRetries = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "chainindex_compaction_retries_total",
			Help: "Total abandoned compaction attempts",
		},
	)

	r.QueriesTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainindex_queries_total",
			Help: "Total queries executed",
		},
		[]string{"status"},
	)
	r.QueryDuration = promauto.With(reg).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainindex_query_duration_seconds",
			Help:    "Query execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
	)
	r.ChunksConsidered = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "chainindex_query_chunks_considered_total",
			Help: "Chunks intersecting query ranges",
		},
	)
	r.ChunksPruned = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "chainindex_query_chunks_pruned_total",
			Help: "Chunks skipped via bloom filters or statistics",
		},
	)
	r.ChunksDecoded = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "chainindex_query_chunks_decoded_total",
			Help: "Chunks whose columns were materialized",
		},
	)

	r.HTTPRequestsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainindex_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	r.HTTPRequestDuration = promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainindex_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return r
}

// RecordHTTPRequest records an HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the HTTP handler serving this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
