// Package metrics provides Prometheus metrics for the memesync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Image cache metrics
	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memesync_cache_hits_total",
			Help: "Total decoded-image cache hits",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memesync_cache_misses_total",
			Help: "Total decoded-image cache misses",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memesync_cache_evictions_total",
			Help: "Total decoded images evicted under memory pressure",
		},
	)

	cacheResidentBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memesync_cache_resident_bytes",
			Help: "Resident bytes of decoded images in the cache",
		},
	)

	// Decode pool metrics
	decodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memesync_decode_duration_seconds",
			Help:    "Image decode duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	decodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memesync_decodes_total",
			Help: "Total image decode attempts",
		},
		[]string{"status"},
	)

	// Pipeline metrics
	pipelinesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memesync_pipelines_active",
			Help: "Number of fetch/decode pipelines currently running",
		},
	)

	pipelinesQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memesync_pipelines_queued",
			Help: "Number of pipelines waiting for an execution slot",
		},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memesync_requests_total",
			Help: "Total image requests by result",
		},
		[]string{"result"},
	)

	// Sync metrics
	syncOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memesync_sync_outcomes_total",
			Help: "Total per-image sync outcomes",
		},
		[]string{"action", "status"},
	)

	syncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memesync_sync_pass_duration_seconds",
			Help:    "Duration of one reconcile or apply pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	syncBytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memesync_sync_bytes_transferred_total",
			Help: "Total bytes transferred during sync",
		},
		[]string{"direction"},
	)

	conflictsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memesync_conflicts_pending",
			Help: "Number of images in unresolved conflict state",
		},
	)

	// Object store metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memesync_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memesync_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheHit records a decoded-image cache hit.
func RecordCacheHit() {
	cacheHitsTotal.Inc()
}

// RecordCacheMiss records a decoded-image cache miss.
func RecordCacheMiss() {
	cacheMissesTotal.Inc()
}

// RecordCacheEviction records evicted entries.
func RecordCacheEviction(count int) {
	cacheEvictionsTotal.Add(float64(count))
}

// SetCacheResidentBytes sets the current resident byte count.
func SetCacheResidentBytes(bytes int64) {
	cacheResidentBytes.Set(float64(bytes))
}

// RecordDecode records a decode attempt.
func RecordDecode(duration time.Duration, success bool) {
	decodeDuration.Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	decodesTotal.WithLabelValues(status).Inc()
}

// SetPipelinesActive sets the number of running pipelines.
func SetPipelinesActive(count int64) {
	pipelinesActive.Set(float64(count))
}

// SetPipelinesQueued sets the number of queued pipelines.
func SetPipelinesQueued(count int64) {
	pipelinesQueued.Set(float64(count))
}

// RecordRequest records an image request result.
func RecordRequest(result string) {
	requestsTotal.WithLabelValues(result).Inc()
}

// RecordSyncOutcome records one per-image sync outcome.
func RecordSyncOutcome(action string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	syncOutcomesTotal.WithLabelValues(action, status).Inc()
}

// RecordSyncPass records the duration of a reconcile or apply pass.
func RecordSyncPass(duration time.Duration) {
	syncPassDuration.Observe(duration.Seconds())
}

// RecordSyncBytes records bytes moved during sync.
func RecordSyncBytes(direction string, bytes int64) {
	syncBytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

// SetConflictsPending sets the number of unresolved conflicts.
func SetConflictsPending(count int) {
	conflictsPending.Set(float64(count))
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}
