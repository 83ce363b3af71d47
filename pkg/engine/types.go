// Package engine supervises one synchronization job per source. Each source
// gets a worker goroutine that drives the fetch, ingest, checkpoint loop one
// page at a time; a shared work queue schedules retries and resumes with
// backoff. Jobs are independent: a failure or pause in one source never
// affects another.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/record"
)

// JobState is the lifecycle state of a synchronization job.
type JobState int

const (
	// JobStateQueued - job accepted, waiting for its first page
	JobStateQueued JobState = iota
	// JobStateFetching - downloading the next page from the source
	JobStateFetching
	// JobStateRateLimited - waiting out a source-imposed cooldown
	JobStateRateLimited
	// JobStateParsing - page waiting for a slot on the parse pool
	JobStateParsing
	// JobStateIngesting - normalizing, classifying, and writing the page
	JobStateIngesting
	// JobStateCheckpointing - committing the page's resume cursor
	JobStateCheckpointing
	// JobStatePaused - parked by an operator or the storage governor
	JobStatePaused
	// JobStateCompleted - source exhausted, terminal
	JobStateCompleted
	// JobStateFailed - consecutive-failure budget exhausted, terminal
	JobStateFailed
)

// String returns the string representation of a JobState
func (s JobState) String() string {
	switch s {
	case JobStateQueued:
		return "Queued"
	case JobStateFetching:
		return "Fetching"
	case JobStateRateLimited:
		return "RateLimited"
	case JobStateParsing:
		return "Parsing"
	case JobStateIngesting:
		return "Ingesting"
	case JobStateCheckpointing:
		return "Checkpointing"
	case JobStatePaused:
		return "Paused"
	case JobStateCompleted:
		return "Completed"
	case JobStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state ends the run. A terminal job is kept
// for status queries until a new run is started for the same source.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// MarshalJSON renders the state name so status payloads stay readable.
func (s JobState) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

// UnmarshalJSON parses a state name back into its JobState value.
func (s *JobState) UnmarshalJSON(data []byte) error {
	name, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("job state must be a JSON string: %w", err)
	}
	for st := JobStateQueued; st <= JobStateFailed; st++ {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", name)
}

// JobStatus is a point-in-time snapshot of one job, safe to hold after the
// job has moved on.
type JobStatus struct {
	JobID    string             `json:"job_id"`
	SourceID string             `json:"source_id"`
	Kind     record.DatasetKind `json:"kind"`
	State    JobState           `json:"state"`
	Healthy  bool               `json:"healthy"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	LastPageAt  time.Time `json:"last_page_at"`

	PagesDone      int   `json:"pages_done"`
	PagesSkipped   int   `json:"pages_skipped"`
	ItemsProcessed int64 `json:"items_processed"`
	ItemsFailed    int64 `json:"items_failed"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`

	// Checkpoint is the last committed resume position, nil before the
	// first page commits
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`

	// RateCooldown is the remaining source-imposed penalty window
	RateCooldown time.Duration `json:"rate_cooldown,omitempty"`
}

// Health summarizes the manager for liveness endpoints.
type Health struct {
	TotalJobs     int `json:"total_jobs"`
	ActiveJobs    int `json:"active_jobs"`
	PausedJobs    int `json:"paused_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
	QueueDepth    int `json:"queue_depth"`
}

// StoragePauser is the slice of the storage governor the manager consumes.
// Subscribe delivers pause transitions; Err describes the active pressure
// condition while paused.
type StoragePauser interface {
	Subscribe() <-chan bool
	Paused() bool
	Err() error
}

// jobStatus is the manager-private state of one job. Every field is guarded
// by the manager mutex; the worker goroutine takes snapshots under the lock
// and writes results back under it.
type jobStatus struct {
	jobID    string
	sourceID string
	kind     record.DatasetKind

	ctx    context.Context
	cancel context.CancelFunc

	state       JobState
	resumeState JobState
	working     bool

	pauseOperator bool
	pauseStorage  bool

	// fetchCancel interrupts the fetch phase only. Ingest writes and
	// checkpoint commits always run to completion once started.
	fetchCancel context.CancelFunc

	cp       *checkpoint.Checkpoint
	cpLoaded bool

	startedAt   time.Time
	completedAt time.Time
	syncedAt    time.Time

	pagesDone      int
	pagesSkipped   int
	itemsProcessed int64
	itemsFailed    int64

	consecutiveFails int
	lastError        error
}

func (js *jobStatus) paused() bool {
	return js.pauseOperator || js.pauseStorage
}
