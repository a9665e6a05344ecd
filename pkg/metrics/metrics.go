package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan metrics
	FilesScannedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodupe_files_scanned_total",
			Help: "Total number of files visited by the scanner, by record state",
		},
		[]string{"state"},
	)

	BytesHashedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodupe_bytes_hashed_total",
			Help: "Total bytes read by the hasher, by hash kind (quick, full)",
		},
		[]string{"kind"},
	)

	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodupe_scan_duration_seconds",
			Help:    "Duration of complete scan runs in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	HashThroughput = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodupe_hash_throughput_bytes_per_second",
			Help: "Measured throughput per hash algorithm from the autotuner benchmark",
		},
		[]string{"algorithm"},
	)

	// Catalog metrics
	CatalogBatchCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodupe_catalog_batch_commit_duration_seconds",
			Help:    "Duration of catalog batch commits in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CatalogRecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodupe_catalog_records_total",
			Help: "Number of file records in the catalog by state",
		},
		[]string{"state"},
	)

	// Planner metrics
	PlanActionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodupe_plan_actions_total",
			Help: "Actions in the most recently produced plan, by kind",
		},
		[]string{"kind"},
	)

	PlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodupe_plan_duration_seconds",
			Help:    "Duration of plan computation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Apply metrics
	ApplyActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodupe_apply_actions_total",
			Help: "Apply actions executed, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodupe_apply_duration_seconds",
			Help:    "Duration of apply transactions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Snapshot metrics
	SnapshotObjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodupe_snapshot_objects_total",
			Help: "Number of content objects in the snapshot store",
		},
	)

	SnapshotBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodupe_snapshot_bytes_total",
			Help: "Total bytes written into the snapshot store",
		},
	)

	// Rollback metrics
	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodupe_rollbacks_total",
			Help: "Rollback operations, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(FilesScannedTotal)
	prometheus.MustRegister(BytesHashedTotal)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(HashThroughput)
	prometheus.MustRegister(CatalogBatchCommitDuration)
	prometheus.MustRegister(CatalogRecordsTotal)
	prometheus.MustRegister(PlanActionsTotal)
	prometheus.MustRegister(PlanDuration)
	prometheus.MustRegister(ApplyActionsTotal)
	prometheus.MustRegister(ApplyDuration)
	prometheus.MustRegister(SnapshotObjectsTotal)
	prometheus.MustRegister(SnapshotBytesTotal)
	prometheus.MustRegister(RollbacksTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
