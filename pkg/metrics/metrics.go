// Package metrics defines the process-wide Prometheus registry shared by
// every pipeline component, plus a Timer helper for histogram
// observations and a Collector that periodically polls cursor/queue
// state into gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fetcher metrics
	FetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_fetch_duration_seconds",
			Help:    "Time taken to fetch one page from the ledger source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard"},
	)

	FetchResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_fetch_results_total",
			Help: "Total fetch results by kind: success_data, success_empty, failure",
		},
		[]string{"shard", "kind"},
	)

	// Encoder metrics
	EncodeQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archiver_encode_queue_depth",
			Help: "Number of batches queued for encoding",
		},
		[]string{"shard"},
	)

	EncodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_encode_duration_seconds",
			Help:    "Time taken to encode and compress one batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard", "kind"},
	)

	// Upload queue metrics
	UploadQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archiver_upload_queue_depth",
			Help: "Number of files queued or in flight for upload",
		},
	)

	UploadQueueBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archiver_upload_queue_bytes",
			Help: "Total bytes queued or in flight for upload",
		},
	)

	UploadBackpressure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archiver_upload_backpressure",
			Help: "Whether the upload queue is currently paused (1) or flowing (0)",
		},
	)

	UploadRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_upload_retries_total",
			Help: "Total number of upload retry attempts",
		},
	)

	UploadTerminalFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_upload_terminal_failures_total",
			Help: "Total number of uploads that exhausted their retry budget",
		},
	)

	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archiver_upload_duration_seconds",
			Help:    "Time taken to upload one file",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cursor metrics
	CursorLastBefore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archiver_cursor_last_before_unixseconds",
			Help: "Cursor's last_before position, in Unix seconds",
		},
		[]string{"migration", "synchronizer", "shard"},
	)

	CursorLastGCSConfirmed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archiver_cursor_last_gcs_confirmed_unixseconds",
			Help: "Cursor's last_gcs_confirmed position, in Unix seconds",
		},
		[]string{"migration", "synchronizer", "shard"},
	)

	CursorComplete = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "archiver_cursor_complete",
			Help: "Whether a shard's cursor has reached terminal completion (1) or not (0)",
		},
		[]string{"migration", "synchronizer", "shard"},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archiver_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationDriftDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_reconciliation_drift_detected_total",
			Help: "Total number of cursors found drifted ahead of the store during reconciliation",
		},
	)

	// Gap recovery metrics
	GapsFoundTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_gaps_found_total",
			Help: "Total number of time gaps detected between durable files",
		},
	)

	GapsRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_gaps_recovered_total",
			Help: "Total number of gaps successfully refetched and uploaded",
		},
	)

	// Partition repair metrics
	PartitionsRepairedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_partitions_repaired_total",
			Help: "Total number of partition repair actions by kind: skip, move, split",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(
		FetchLatency,
		FetchResultsTotal,
		EncodeQueueDepth,
		EncodeDuration,
		UploadQueueDepth,
		UploadQueueBytes,
		UploadBackpressure,
		UploadRetriesTotal,
		UploadTerminalFailuresTotal,
		UploadDuration,
		CursorLastBefore,
		CursorLastGCSConfirmed,
		CursorComplete,
		ReconciliationDuration,
		ReconciliationDriftDetectedTotal,
		GapsFoundTotal,
		GapsRecoveredTotal,
		PartitionsRepairedTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
