// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest Endpoint
	IngestConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ingest_connections_total",
			Help: "Total ingest connections accepted, by outcome",
		},
		[]string{"outcome"}, // accepted, malformed, timeout
	)

	// Index Store
	IndexObjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_index_objects_total",
			Help: "Number of objects currently admitted into the index tree",
		},
	)

	IndexHashLookupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_index_hash_lookups_total",
			Help: "Total hash lookups issued to the arbiter for ingest records with an empty sha1sum",
		},
	)

	IndexSnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_index_snapshot_duration_seconds",
			Help:    "Time taken to produce a deep-copied index snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cluster Arbiter
	ArbiterQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_arbiter_queue_depth",
			Help: "Pending tasks per arbiter queue, by task kind",
		},
		[]string{"kind"},
	)

	ArbiterPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_arbiter_pool_size",
			Help: "Number of live cluster connection workers",
		},
	)

	ArbiterTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_arbiter_task_duration_seconds",
			Help:    "Time taken to service an arbiter task, by task kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ArbiterTaskErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_arbiter_task_errors_total",
			Help: "Transient cluster errors observed servicing arbiter tasks, by task kind",
		},
		[]string{"kind"},
	)

	// Refresher
	RefresherSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_refresher_sweep_duration_seconds",
			Help:    "Time taken for a full refresher sweep",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	RefresherSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_refresher_sweeps_total",
			Help: "Total number of completed refresher sweeps",
		},
	)

	RefresherObjectsSeenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_refresher_objects_seen_total",
			Help: "Total objects observed across all refresher sweeps",
		},
	)

	// Backend Endpoint
	BackendConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_backend_connections_active",
			Help: "Active backend conversations, by conversation type",
		},
		[]string{"conversation"},
	)

	BackendFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_backend_frames_total",
			Help: "Total framed messages exchanged with the backend, by conversation and direction",
		},
		[]string{"conversation", "direction"},
	)

	BackendNacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_backend_nacks_total",
			Help: "Total nacks received from the backend, by conversation",
		},
		[]string{"conversation"},
	)
)

func init() {
	prometheus.MustRegister(IngestConnectionsTotal)
	prometheus.MustRegister(IndexObjectsTotal)
	prometheus.MustRegister(IndexHashLookupsTotal)
	prometheus.MustRegister(IndexSnapshotDuration)
	prometheus.MustRegister(ArbiterQueueDepth)
	prometheus.MustRegister(ArbiterPoolSize)
	prometheus.MustRegister(ArbiterTaskDuration)
	prometheus.MustRegister(ArbiterTaskErrorsTotal)
	prometheus.MustRegister(RefresherSweepDuration)
	prometheus.MustRegister(RefresherSweepsTotal)
	prometheus.MustRegister(RefresherObjectsSeenTotal)
	prometheus.MustRegister(BackendConnectionsActive)
	prometheus.MustRegister(BackendFramesTotal)
	prometheus.MustRegister(BackendNacksTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a vector histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
