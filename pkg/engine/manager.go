package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/ingest"
	"github.com/medmirror/medmirror/pkg/retry"
	"github.com/medmirror/medmirror/pkg/source"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

const (
	defaultFailureBudget = 5
	defaultBackOffBase   = 1 * time.Second
	defaultBackOffMax    = 5 * time.Minute

	// workQueueTick guards against missed queue notifications
	workQueueTick = 1 * time.Second
)

// Control-surface errors, matched by callers with errors.Is.
var (
	ErrUnknownSource = errors.New("no adapter registered for source")
	ErrNoJob         = errors.New("no job exists for source")
	ErrJobTerminal   = errors.New("job already reached a terminal state")
)

// Manager runs one job per source. Each job advances one page per work-queue
// signal: fetch with bounded retries, ingest on the shared parse pool, then
// commit the page's checkpoint. Failures requeue the same page with backoff
// until the consecutive-failure budget runs out; poisoned pages with a usable
// successor cursor are skipped and logged instead.
type Manager struct {
	mu sync.Mutex

	adapters   map[string]source.Adapter
	jobUpdates map[string]chan struct{}
	jobs       map[string]*jobStatus

	checkpoints checkpoint.Store
	batcher     *ingest.Batcher
	storage     StoragePauser
	pool        *Pool
	ownPool     bool

	fetchPolicy   retry.Policy
	failureBudget int
	backOffBase   time.Duration
	backOffMax    time.Duration

	workQueue WorkQueue
	metrics   MetricsCollector
	logger    *slog.Logger
	now       func() time.Time

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
}

// NewManager creates a job manager and starts its work queue consumer.
func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		adapters:       make(map[string]source.Adapter),
		jobUpdates:     make(map[string]chan struct{}),
		jobs:           make(map[string]*jobStatus),
		fetchPolicy:    retry.DefaultPolicy(),
		failureBudget:  defaultFailureBudget,
		backOffBase:    defaultBackOffBase,
		backOffMax:     defaultBackOffMax,
		workQueue:      NewWorkQueue(),
		metrics:        NewNoopMetricsCollector(),
		logger:         slog.Default(),
		now:            time.Now,
		ownPool:        true,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.pool == nil {
		m.pool = NewPool(0)
	}

	m.wg.Add(1)
	go m.workQueueConsumer()

	if m.storage != nil {
		m.wg.Add(1)
		go m.storageWatcher()
	}

	return m
}

// Register makes a source adapter startable. Registering a source twice
// replaces its adapter for future runs.
func (m *Manager) Register(adapter source.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[adapter.SourceID()] = adapter
}

// Start begins a new run for a source, resuming from its stored checkpoint.
// Starting a source whose job is still active returns the live status
// unchanged; a terminal job is replaced by a fresh run.
func (m *Manager) Start(sourceID string) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	adapter, ok := m.adapters[sourceID]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}

	if prev, exists := m.jobs[sourceID]; exists {
		if !prev.state.Terminal() {
			return m.statusLocked(prev), nil
		}
		if prev.cancel != nil {
			prev.cancel()
		}
	}

	js := &jobStatus{
		jobID:     uuid.NewString(),
		sourceID:  sourceID,
		kind:      adapter.Kind(),
		state:     JobStateQueued,
		startedAt: m.now(),
	}
	js.ctx, js.cancel = context.WithCancel(m.shutdownCtx)
	if m.storage != nil && m.storage.Paused() {
		js.pauseStorage = true
	}
	m.jobs[sourceID] = js
	m.ensureWorkerLocked(sourceID)

	m.logger.Info("job started", "source_id", sourceID, "job_id", js.jobID, "kind", js.kind)
	m.enqueueLocked(sourceID, 0)

	return m.statusLocked(js), nil
}

// Pause parks a source's job before its next page. A fetch or rate wait in
// progress is interrupted; an ingest write in progress finishes first.
func (m *Manager) Pause(sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	js, ok := m.jobs[sourceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoJob, sourceID)
	}
	if js.state.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobTerminal, sourceID, js.state)
	}

	js.pauseOperator = true
	if js.fetchCancel != nil {
		js.fetchCancel()
	}
	if !js.working {
		m.parkLocked(js)
	}
	return nil
}

// Resume lifts an operator pause. The job stays parked while the storage
// governor still holds it.
func (m *Manager) Resume(sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	js, ok := m.jobs[sourceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoJob, sourceID)
	}
	if js.state.Terminal() {
		return fmt.Errorf("%w: %s is %s; start a new run", ErrJobTerminal, sourceID, js.state)
	}

	js.pauseOperator = false
	if js.pauseStorage {
		m.logger.Info("resume deferred, storage governor still holds the job", "source_id", sourceID)
		return nil
	}
	if js.state == JobStatePaused && !js.working {
		m.enqueueLocked(sourceID, 0)
	}
	return nil
}

// Status returns the snapshot of a source's current or last job.
func (m *Manager) Status(sourceID string) (JobStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	js, ok := m.jobs[sourceID]
	if !ok {
		return JobStatus{}, false
	}
	return m.statusLocked(js), true
}

// StatusAll returns snapshots of every known job, ordered by source id.
func (m *Manager) StatusAll() []JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]JobStatus, 0, len(m.jobs))
	for _, js := range m.jobs {
		out = append(out, m.statusLocked(js))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Health returns aggregate counts for liveness endpoints.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{QueueDepth: m.workQueue.Len()}
	for _, js := range m.jobs {
		h.TotalJobs++
		switch {
		case js.state == JobStatePaused:
			h.PausedJobs++
		case js.state == JobStateCompleted:
			h.CompletedJobs++
		case js.state == JobStateFailed:
			h.FailedJobs++
		default:
			h.ActiveJobs++
		}
	}
	return h
}

// Shutdown stops all jobs and waits for their workers. In-flight waits are
// interrupted; a batch already past its lock aborts via transaction rollback
// and its page is redone on the next run.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("job manager shutting down")
	m.shutdownCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if m.ownPool {
			m.pool.Close()
		}
		m.logger.Info("job manager shutdown complete")
		return nil
	case <-ctx.Done():
		m.logger.Warn("job manager shutdown timed out")
		return ctx.Err()
	}
}

// workQueueConsumer drains ready queue items and signals their job workers.
func (m *Manager) workQueueConsumer() {
	defer m.wg.Done()

	ticker := time.NewTicker(workQueueTick)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdownCtx.Done():
			return
		case <-m.workQueue.Wait():
			m.drainWorkQueue()
		case <-ticker.C:
			m.drainWorkQueue()
		}
	}
}

func (m *Manager) drainWorkQueue() {
	for {
		sourceID, ok := m.workQueue.Dequeue()
		if !ok {
			return
		}

		m.metrics.WorkQueueRetry(sourceID)
		m.metrics.WorkQueueDepth(m.workQueue.Len())

		m.mu.Lock()
		if _, exists := m.jobs[sourceID]; !exists {
			m.mu.Unlock()
			continue
		}
		updateCh := m.ensureWorkerLocked(sourceID)
		m.mu.Unlock()

		select {
		case updateCh <- struct{}{}:
		default:
			// Worker already has a pending signal
		}
	}
}

// storageWatcher relays storage governor transitions onto every job.
func (m *Manager) storageWatcher() {
	defer m.wg.Done()

	sub := m.storage.Subscribe()
	for {
		select {
		case <-m.shutdownCtx.Done():
			return
		case paused, ok := <-sub:
			if !ok {
				return
			}
			m.setStoragePaused(paused)
		}
	}
}

func (m *Manager) setStoragePaused(paused bool) {
	m.metrics.StoragePaused(paused)

	m.mu.Lock()
	defer m.mu.Unlock()

	for sourceID, js := range m.jobs {
		if js.state.Terminal() {
			continue
		}
		js.pauseStorage = paused
		if paused {
			if !js.working {
				m.parkLocked(js)
			}
			continue
		}
		if !js.pauseOperator {
			m.enqueueLocked(sourceID, 0)
		}
	}

	if paused {
		m.logger.Warn("storage pressure: pausing jobs before their next fetch")
	} else {
		m.logger.Info("storage recovered: resuming jobs")
	}
}

// ensureWorkerLocked spawns the source's worker goroutine on first use.
// Workers live until shutdown; one worker serves every run of its source.
func (m *Manager) ensureWorkerLocked(sourceID string) chan struct{} {
	updateCh, ok := m.jobUpdates[sourceID]
	if !ok {
		updateCh = make(chan struct{}, 1)
		m.jobUpdates[sourceID] = updateCh
		m.wg.Add(1)
		go m.jobWorkerLoop(sourceID, updateCh)
	}
	return updateCh
}

func (m *Manager) jobWorkerLoop(sourceID string, updateCh <-chan struct{}) {
	defer m.wg.Done()
	m.logger.Debug("job worker started", "source_id", sourceID)
	defer m.logger.Debug("job worker stopped", "source_id", sourceID)

	for {
		select {
		case <-m.shutdownCtx.Done():
			return
		case <-updateCh:
			m.advanceJob(sourceID)
		}
	}
}

// advanceJob runs one page iteration for the source's current job.
func (m *Manager) advanceJob(sourceID string) {
	m.mu.Lock()
	js, ok := m.jobs[sourceID]
	if !ok || js.state.Terminal() || js.working {
		m.mu.Unlock()
		return
	}
	if js.paused() {
		m.parkLocked(js)
		m.mu.Unlock()
		return
	}
	if js.state == JobStatePaused {
		m.transitionLocked(js, js.resumeState)
	}
	adapter := m.adapters[sourceID]
	js.working = true
	m.mu.Unlock()

	res, err := m.syncPage(js, adapter)
	m.completeWork(js, res, err)
}

// pageResult reports what one iteration did with its page.
type pageResult struct {
	// committed is true when the checkpoint advanced past the page
	committed bool
	// skipped marks a poisoned page the job stepped over
	skipped bool
	hasMore bool
}

// syncPage runs one fetch, ingest, checkpoint cycle. It returns the page
// outcome plus the error that should count toward the failure budget.
func (m *Manager) syncPage(js *jobStatus, adapter source.Adapter) (*pageResult, error) {
	if m.batcher == nil || m.checkpoints == nil {
		return nil, syncerr.ErrInvalidConfiguration("engine", nil,
			"job manager needs a batcher and a checkpoint store")
	}

	m.mu.Lock()
	ctx := js.ctx
	cp := js.cp
	loaded := js.cpLoaded
	m.mu.Unlock()

	if !loaded {
		stored, err := m.checkpoints.Load(ctx, js.sourceID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		js.cp = stored
		js.cpLoaded = true
		m.mu.Unlock()
		cp = stored
		if stored != nil {
			m.logger.Info("resuming from checkpoint",
				"source_id", js.sourceID, "page", stored.Page, "seq", stored.Seq)
		}
	}

	if adapter.Governor().CooldownRemaining() > 0 {
		m.setState(js, JobStateRateLimited)
	}

	// The fetch phase has its own cancel so Pause can interrupt a rate wait
	// or a slow download without touching a write in progress.
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	m.setFetchCancel(js, cancelFetch)
	defer m.setFetchCancel(js, nil)

	policy := m.fetchPolicy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		if syncerr.GetErrorCode(err) == syncerr.ErrorCodeRateLimited {
			m.setState(js, JobStateRateLimited)
		}
		m.logger.Warn("page fetch retrying",
			"source_id", js.sourceID, "attempt", attempt,
			"delay", delay.String(), "error", err)
	}

	var page *source.Page
	fetchStart := time.Now()
	err := retry.Do(fetchCtx, policy, func(ctx context.Context) error {
		m.setState(js, JobStateFetching)
		p, ferr := adapter.FetchPage(ctx, cp)
		if p != nil {
			page = p
		}
		return ferr
	})
	m.metrics.PageFetchDuration(js.sourceID, time.Since(fetchStart), err)

	if err != nil {
		// A permanent page with a usable successor cursor is skipped, not
		// retried: the job logs it and moves on.
		if syncerr.IsErrorCode(err, syncerr.ErrorCodePermanentRecord) && page != nil {
			return m.skipPage(ctx, js, page, err)
		}
		return nil, err
	}
	if page == nil {
		return nil, syncerr.NewError(syncerr.ErrorCodeInternalError,
			fmt.Sprintf("adapter for source '%s' returned no page and no error", js.sourceID))
	}

	next := page.Next

	var ingRes ingest.Result
	if len(page.Records) > 0 {
		// CPU-bound normalize/classify runs on the shared pool; the job
		// goroutine suspends here while every pool slot is busy.
		m.setState(js, JobStateParsing)
		resCh := m.pool.Submit(ctx, func(taskCtx context.Context) error {
			m.setState(js, JobStateIngesting)
			var ierr error
			ingRes, ierr = m.batcher.IngestPage(taskCtx, js.sourceID, js.kind, page.Records)
			return ierr
		})
		if ierr := <-resCh; ierr != nil {
			return nil, ierr
		}
		m.metrics.PageIngested(js.sourceID,
			ingRes.Inserted, ingRes.Refreshed, ingRes.Merged, ingRes.Rejected)
	}

	m.setState(js, JobStateCheckpointing)
	if cerr := m.checkpoints.Commit(ctx, &next); cerr != nil {
		return nil, cerr
	}

	m.mu.Lock()
	js.cp = &next
	js.pagesDone++
	js.syncedAt = m.now()
	js.itemsProcessed += int64(ingRes.Inserted + ingRes.Refreshed + ingRes.Merged)
	js.itemsFailed += int64(ingRes.Rejected)
	m.mu.Unlock()

	m.logger.Debug("page committed",
		"source_id", js.sourceID, "page", next.Page, "seq", next.Seq,
		"inserted", ingRes.Inserted, "refreshed", ingRes.Refreshed,
		"merged", ingRes.Merged, "rejected", ingRes.Rejected,
		"has_more", page.HasMore)

	return &pageResult{committed: true, hasMore: page.HasMore}, nil
}

// skipPage advances the checkpoint past a poisoned page.
func (m *Manager) skipPage(ctx context.Context, js *jobStatus, page *source.Page, cause error) (*pageResult, error) {
	next := page.Next
	m.logger.Warn("page failed permanently, skipping",
		"source_id", js.sourceID, "page", next.Page, "error", cause)

	m.setState(js, JobStateCheckpointing)
	if cerr := m.checkpoints.Commit(ctx, &next); cerr != nil {
		return nil, cerr
	}

	m.mu.Lock()
	js.cp = &next
	js.pagesSkipped++
	m.mu.Unlock()

	return &pageResult{committed: true, skipped: true, hasMore: page.HasMore}, cause
}

// completeWork routes an iteration's outcome: requeue, park, finish, or fail.
func (m *Manager) completeWork(js *jobStatus, res *pageResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	js.working = false

	// Shutdown wins: leave the job as-is, the process is exiting
	if m.shutdownCtx.Err() != nil {
		return
	}

	// A pause interrupt parks the job without charging a failure
	if err != nil && errors.Is(err, context.Canceled) && js.paused() {
		m.parkLocked(js)
		return
	}

	if err != nil {
		js.lastError = err
		m.metrics.JobError(js.sourceID, string(syncerr.GetErrorCode(err)))
	}

	code := syncerr.GetErrorCode(err)

	switch {
	case err == nil:
		js.consecutiveFails = 0
		if !res.hasMore {
			m.transitionLocked(js, JobStateCompleted)
			js.completedAt = m.now()
			m.logger.Info("source sync completed",
				"source_id", js.sourceID, "job_id", js.jobID,
				"pages", js.pagesDone, "pages_skipped", js.pagesSkipped,
				"items_processed", js.itemsProcessed, "items_failed", js.itemsFailed)
			return
		}
		if js.paused() {
			m.parkLocked(js)
			return
		}
		m.enqueueLocked(js.sourceID, 0)

	case res != nil && res.skipped:
		// The checkpoint moved past the bad page. Only an unbroken run of
		// page failures ends the job; any success resets the counter.
		js.consecutiveFails++
		if js.consecutiveFails >= m.failureBudget {
			m.failLocked(js, err)
			return
		}
		if js.paused() {
			m.parkLocked(js)
			return
		}
		m.enqueueLocked(js.sourceID, 0)

	case code == syncerr.ErrorCodeInvalidConfiguration || code == syncerr.ErrorCodeCheckpointCorrupt:
		// Deterministic local failures: another attempt cannot change them
		m.failLocked(js, err)

	default:
		js.consecutiveFails++
		if js.consecutiveFails >= m.failureBudget {
			m.failLocked(js, err)
			return
		}
		if js.paused() {
			m.parkLocked(js)
			return
		}
		delay := retry.Jitter(
			retry.ExponentialBackoff(js.consecutiveFails-1, m.backOffBase, m.backOffMax), 0.25)
		m.logger.Warn("page failed, backing off",
			"source_id", js.sourceID, "consecutive_failures", js.consecutiveFails,
			"delay", delay.String(), "error", err)
		m.metrics.WorkQueueBackoff(js.sourceID, delay)
		m.enqueueLocked(js.sourceID, delay)
	}
}

func (m *Manager) failLocked(js *jobStatus, cause error) {
	js.lastError = syncerr.ErrPermanentJob(js.sourceID, js.consecutiveFails, cause)
	m.transitionLocked(js, JobStateFailed)
	js.completedAt = m.now()
	m.metrics.JobError(js.sourceID, string(syncerr.ErrorCodePermanentJob))
	m.logger.Error("job failed, manual restart required",
		"source_id", js.sourceID, "job_id", js.jobID,
		"consecutive_failures", js.consecutiveFails, "error", cause)
}

func (m *Manager) parkLocked(js *jobStatus) {
	if js.state == JobStatePaused || js.state.Terminal() {
		return
	}
	js.resumeState = js.state
	m.transitionLocked(js, JobStatePaused)

	reason := "operator"
	if js.pauseStorage {
		reason = "storage"
		if m.storage != nil {
			if serr := m.storage.Err(); serr != nil {
				js.lastError = serr
			}
		}
	}
	m.logger.Info("job paused",
		"source_id", js.sourceID, "job_id", js.jobID, "reason", reason)
}

func (m *Manager) enqueueLocked(sourceID string, delay time.Duration) {
	m.workQueue.Enqueue(sourceID, delay)
	m.metrics.WorkQueueAdd(sourceID, delay)
	m.metrics.WorkQueueDepth(m.workQueue.Len())
}

func (m *Manager) transitionLocked(js *jobStatus, next JobState) {
	if js.state == next {
		return
	}
	prev := js.state
	js.state = next
	m.metrics.JobStateTransition(js.sourceID, prev, next)
	m.logger.Debug("job state",
		"source_id", js.sourceID, "job_id", js.jobID,
		"from", prev.String(), "to", next.String())
}

func (m *Manager) setState(js *jobStatus, next JobState) {
	m.mu.Lock()
	m.transitionLocked(js, next)
	m.mu.Unlock()
}

func (m *Manager) setFetchCancel(js *jobStatus, cancel context.CancelFunc) {
	m.mu.Lock()
	js.fetchCancel = cancel
	m.mu.Unlock()
}

func (m *Manager) statusLocked(js *jobStatus) JobStatus {
	st := JobStatus{
		JobID:               js.jobID,
		SourceID:            js.sourceID,
		Kind:                js.kind,
		State:               js.state,
		Healthy:             js.state != JobStateFailed && js.consecutiveFails < m.failureBudget,
		StartedAt:           js.startedAt,
		CompletedAt:         js.completedAt,
		LastPageAt:          js.syncedAt,
		PagesDone:           js.pagesDone,
		PagesSkipped:        js.pagesSkipped,
		ItemsProcessed:      js.itemsProcessed,
		ItemsFailed:         js.itemsFailed,
		ConsecutiveFailures: js.consecutiveFails,
	}
	if js.lastError != nil {
		st.LastError = js.lastError.Error()
	}
	if js.cp != nil {
		cp := *js.cp
		st.Checkpoint = &cp
	}
	if adapter, ok := m.adapters[js.sourceID]; ok {
		st.RateCooldown = adapter.Governor().CooldownRemaining()
	}
	return st
}
