package engine

import (
	"time"
)

// MetricsCollector receives job manager telemetry. Implementations must be
// safe for concurrent use from every job worker.
type MetricsCollector interface {
	// JobStateTransition records a state transition for a job
	JobStateTransition(sourceID string, from, to JobState)

	// PageFetchDuration records one page fetch, including its bounded retries
	PageFetchDuration(sourceID string, duration time.Duration, err error)

	// PageIngested records the outcome counts of one committed page
	PageIngested(sourceID string, inserted, refreshed, merged, rejected int)

	// JobError records a page-level or job-level error by taxonomy code
	JobError(sourceID string, errorType string)

	// WorkQueueDepth records the current work queue depth
	WorkQueueDepth(depth int)

	// WorkQueueAdd records a source scheduled onto the work queue
	WorkQueueAdd(sourceID string, delay time.Duration)

	// WorkQueueRetry records a source dequeued for another attempt
	WorkQueueRetry(sourceID string)

	// WorkQueueBackoff records the backoff applied after a page failure
	WorkQueueBackoff(sourceID string, delay time.Duration)

	// StoragePaused records storage governor pause transitions
	StoragePaused(paused bool)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) JobStateTransition(sourceID string, from, to JobState) {}
func (n *noopMetricsCollector) PageFetchDuration(sourceID string, duration time.Duration, err error) {
}
func (n *noopMetricsCollector) PageIngested(sourceID string, inserted, refreshed, merged, rejected int) {
}
func (n *noopMetricsCollector) JobError(sourceID string, errorType string)            {}
func (n *noopMetricsCollector) WorkQueueDepth(depth int)                              {}
func (n *noopMetricsCollector) WorkQueueAdd(sourceID string, delay time.Duration)     {}
func (n *noopMetricsCollector) WorkQueueRetry(sourceID string)                        {}
func (n *noopMetricsCollector) WorkQueueBackoff(sourceID string, delay time.Duration) {}
func (n *noopMetricsCollector) StoragePaused(paused bool)                             {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
