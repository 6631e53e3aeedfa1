package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ChunksInQueue       prometheus.Gauge
	ProbesTotal         *prometheus.CounterVec
	SplitsTotal         prometheus.Counter
	LeafItems           prometheus.Histogram
	PageFetchesTotal    *prometheus.CounterVec
	ItemFetchesTotal    *prometheus.CounterVec
	DetailFetchDuration *prometheus.HistogramVec
	ChunksTotal         *prometheus.CounterVec
	PlanningDuration    prometheus.Histogram
	JobsTotal           *prometheus.CounterVec

	initOnce sync.Once
)

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(register)
}

func register() {
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ChunksInQueue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunks_in_queue",
			Help: "Current number of chunk tasks waiting in the dispatch queue.",
		},
	)

	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "range_probes_total",
			Help: "Total number of range count probes.",
		},
		[]string{"result"}, // ok, cached, error
	)

	SplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "range_splits_total",
			Help: "Total number of price range splits.",
		},
	)

	LeafItems = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "range_leaf_items",
			Help:    "Items found per scraped leaf range.",
			Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 2000},
		},
	)

	PageFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_page_fetches_total",
			Help: "Total number of search page fetches.",
		},
		[]string{"result"}, // success, failure
	)

	ItemFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "item_detail_fetches_total",
			Help: "Total number of item detail fetches.",
		},
		[]string{"result", "mode"}, // result: success, failure; mode: full, fast
	)

	DetailFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "item_detail_fetch_duration_seconds",
			Help:    "Duration of item detail fetches including retries.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_chunks_total",
			Help: "Total number of chunk outcomes recorded.",
		},
		[]string{"outcome"}, // completed, failed, skipped
	)

	PlanningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "import_planning_duration_seconds",
			Help:    "Duration of import planning crawls.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_jobs_finished_total",
			Help: "Total number of import jobs reaching a terminal status.",
		},
		[]string{"status"},
	)
}
