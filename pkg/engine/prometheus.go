package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus
// metrics on a private registry.
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec

	fetchDuration   *prometheus.HistogramVec
	recordsIngested *prometheus.CounterVec

	errors *prometheus.CounterVec

	queueDepth      prometheus.Gauge
	queueAdds       *prometheus.CounterVec
	queueRetries    *prometheus.CounterVec
	backoffDuration *prometheus.HistogramVec

	storagePaused prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector with its own registry.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "medmirror"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_state_transitions_total",
			Help:      "Total number of job state transitions",
		},
		[]string{"source_id", "from_state", "to_state"},
	)

	pmc.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_fetch_duration_seconds",
			Help:      "Duration of page fetches including bounded retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source_id", "status"},
	)

	pmc.recordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Records ingested per source by outcome",
		},
		[]string{"source_id", "outcome"},
	)

	pmc.errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_errors_total",
			Help:      "Total number of job errors by taxonomy code",
		},
		[]string{"source_id", "error_type"},
	)

	pmc.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "work_queue_depth",
			Help:      "Current depth of the job work queue",
		},
	)

	pmc.queueAdds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_queue_adds_total",
			Help:      "Total number of sources scheduled onto the work queue",
		},
		[]string{"source_id"},
	)

	pmc.queueRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_queue_retries_total",
			Help:      "Total number of sources dequeued for another attempt",
		},
		[]string{"source_id"},
	)

	pmc.backoffDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "work_queue_backoff_duration_seconds",
			Help:      "Backoff applied after page failures",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"source_id"},
	)

	pmc.storagePaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_paused",
			Help:      "1 while the storage governor holds jobs paused",
		},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.fetchDuration,
		pmc.recordsIngested,
		pmc.errors,
		pmc.queueDepth,
		pmc.queueAdds,
		pmc.queueRetries,
		pmc.backoffDuration,
		pmc.storagePaused,
	)

	return pmc
}

// JobStateTransition records a state transition
func (pmc *PrometheusMetricsCollector) JobStateTransition(sourceID string, from, to JobState) {
	pmc.stateTransitions.WithLabelValues(sourceID, from.String(), to.String()).Inc()
}

// PageFetchDuration records the duration of a page fetch
func (pmc *PrometheusMetricsCollector) PageFetchDuration(sourceID string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pmc.fetchDuration.WithLabelValues(sourceID, status).Observe(duration.Seconds())
}

// PageIngested records the outcome counts of one committed page
func (pmc *PrometheusMetricsCollector) PageIngested(sourceID string, inserted, refreshed, merged, rejected int) {
	pmc.recordsIngested.WithLabelValues(sourceID, "inserted").Add(float64(inserted))
	pmc.recordsIngested.WithLabelValues(sourceID, "refreshed").Add(float64(refreshed))
	pmc.recordsIngested.WithLabelValues(sourceID, "merged").Add(float64(merged))
	pmc.recordsIngested.WithLabelValues(sourceID, "rejected").Add(float64(rejected))
}

// JobError records a job error
func (pmc *PrometheusMetricsCollector) JobError(sourceID string, errorType string) {
	pmc.errors.WithLabelValues(sourceID, errorType).Inc()
}

// WorkQueueDepth records the current work queue depth
func (pmc *PrometheusMetricsCollector) WorkQueueDepth(depth int) {
	pmc.queueDepth.Set(float64(depth))
}

// WorkQueueAdd records a source scheduled onto the work queue
func (pmc *PrometheusMetricsCollector) WorkQueueAdd(sourceID string, delay time.Duration) {
	pmc.queueAdds.WithLabelValues(sourceID).Inc()
}

// WorkQueueRetry records a source dequeued for another attempt
func (pmc *PrometheusMetricsCollector) WorkQueueRetry(sourceID string) {
	pmc.queueRetries.WithLabelValues(sourceID).Inc()
}

// WorkQueueBackoff records the backoff applied after a page failure
func (pmc *PrometheusMetricsCollector) WorkQueueBackoff(sourceID string, delay time.Duration) {
	pmc.backoffDuration.WithLabelValues(sourceID).Observe(delay.Seconds())
}

// StoragePaused records storage governor pause transitions
func (pmc *PrometheusMetricsCollector) StoragePaused(paused bool) {
	v := 0.0
	if paused {
		v = 1.0
	}
	pmc.storagePaused.Set(v)
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Compile-time interface compliance check
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
