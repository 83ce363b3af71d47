// Package spool governs the data volume the mirror writes to: it watches
// free space, pauses ingestion under a low-water mark, resumes above a
// higher one, and reclaims droppings (stale temp files, uncompressed dumps
// that already have a compressed sibling) when space runs short.
package spool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/medmirror/medmirror/pkg/syncerr"
)

const (
	defaultPauseBelow  = 5 << 30  // 5 GiB
	defaultResumeAbove = 10 << 30 // 10 GiB
	defaultInterval    = 30 * time.Second
	defaultStaleAfter  = 1 * time.Hour

	// minCheckGap throttles watcher-triggered checks
	minCheckGap = 500 * time.Millisecond
)

// Snapshot is the externally visible storage state.
type Snapshot struct {
	Volume      string    `json:"volume"`
	TotalBytes  uint64    `json:"total_bytes"`
	FreeBytes   uint64    `json:"free_bytes"`
	TotalHuman  string    `json:"total"`
	FreeHuman   string    `json:"free"`
	PauseBelow  uint64    `json:"pause_below_bytes"`
	ResumeAbove uint64    `json:"resume_above_bytes"`
	Paused      bool      `json:"paused"`
	CheckedAt   time.Time `json:"checked_at"`

	// Cleanup accounting since process start
	ReclaimedBytes uint64    `json:"reclaimed_bytes"`
	RemovedFiles   int       `json:"removed_files"`
	LastCleanup    time.Time `json:"last_cleanup,omitempty"`
}

type statfsFunc func(path string) (free, total uint64, err error)

func systemStatfs(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize, nil
}

// Governor watches one volume. Subscribers get pause (true) and resume
// (false) notifications; sends never block, the latest state wins.
type Governor struct {
	dir         string
	pauseBelow  uint64
	resumeAbove uint64
	interval    time.Duration
	staleAfter  time.Duration
	// compressAfter enables compressing aged plain dumps during cleanup;
	// zero disables
	compressAfter time.Duration
	watch         bool
	statfs        statfsFunc
	logger        *slog.Logger

	mu        sync.Mutex
	paused    bool
	snapshot  Snapshot
	subs      []chan bool
	lastCheck time.Time

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Governor.
type Option func(*Governor)

// WithThresholds sets the pause low-water and resume high-water marks.
func WithThresholds(pauseBelow, resumeAbove uint64) Option {
	return func(g *Governor) {
		g.pauseBelow = pauseBelow
		g.resumeAbove = resumeAbove
	}
}

// WithInterval sets the periodic check interval.
func WithInterval(d time.Duration) Option {
	return func(g *Governor) { g.interval = d }
}

// WithStaleAfter sets how old a temp file must be before cleanup removes it.
func WithStaleAfter(d time.Duration) Option {
	return func(g *Governor) { g.staleAfter = d }
}

// WithCompressAfter enables gzip compression of plain dump files older than
// the given age during cleanup.
func WithCompressAfter(d time.Duration) Option {
	return func(g *Governor) { g.compressAfter = d }
}

// WithWatcher toggles filesystem event watching on the volume directory.
func WithWatcher(enabled bool) Option {
	return func(g *Governor) { g.watch = enabled }
}

func withStatfs(fn statfsFunc) Option {
	return func(g *Governor) { g.statfs = fn }
}

func NewGovernor(dir string, logger *slog.Logger, opts ...Option) (*Governor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Governor{
		dir:         dir,
		pauseBelow:  defaultPauseBelow,
		resumeAbove: defaultResumeAbove,
		interval:    defaultInterval,
		staleAfter:  defaultStaleAfter,
		statfs:      systemStatfs,
		logger:      logger.With("volume", dir),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.resumeAbove <= g.pauseBelow {
		return nil, syncerr.ErrInvalidConfiguration("resume_above", g.resumeAbove,
			"resume threshold must sit above the pause threshold")
	}
	g.snapshot = Snapshot{
		Volume:      dir,
		PauseBelow:  g.pauseBelow,
		ResumeAbove: g.resumeAbove,
	}
	return g, nil
}

// Subscribe returns a channel receiving true on pause and false on resume.
// The channel is buffered; only the most recent unconsumed state is kept.
func (g *Governor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	return ch
}

func (g *Governor) notify(paused bool) {
	g.mu.Lock()
	subs := append([]chan bool(nil), g.subs...)
	g.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- paused:
		default:
			// Drop the stale value so the latest state lands
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- paused:
			default:
			}
		}
	}
}

// Paused reports whether ingestion is currently storage-paused.
func (g *Governor) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Err returns the resource-exhausted error describing the current pause,
// or nil when not paused.
func (g *Governor) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return nil
	}
	return syncerr.ErrResourceExhausted(g.dir, g.snapshot.FreeBytes, g.pauseBelow)
}

// Status returns the current snapshot.
func (g *Governor) Status() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshot
}

// Start launches the monitoring loop and returns after the first check.
func (g *Governor) Start(ctx context.Context) error {
	if err := g.Check(ctx); err != nil {
		return err
	}

	var watcher *fsnotify.Watcher
	if g.watch {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return syncerr.ErrTransient("storage-governor", err)
		}
		if err := watcher.Add(g.dir); err != nil {
			watcher.Close()
			return syncerr.ErrTransient("storage-governor", err)
		}
	}

	g.started.Store(true)
	go g.run(ctx, watcher)
	return nil
}

func (g *Governor) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(g.done)
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	events := make(<-chan fsnotify.Event)
	errs := make(<-chan error)
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ticker.C:
			if err := g.Check(ctx); err != nil {
				g.logger.Error("storage check failed", "error", err)
			}
		case ev := <-events:
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) == 0 {
				continue
			}
			g.mu.Lock()
			throttled := time.Since(g.lastCheck) < minCheckGap
			g.mu.Unlock()
			if throttled {
				continue
			}
			if err := g.Check(ctx); err != nil {
				g.logger.Error("storage check failed", "error", err)
			}
		case err := <-errs:
			if err != nil {
				g.logger.Warn("storage watcher error", "error", err)
			}
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		}
	}
}

// Stop terminates the monitoring loop and waits for it to exit.
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	if g.started.Load() {
		<-g.done
	}
}

// Check samples free space and applies the hysteresis: pause strictly below
// the low-water mark, resume only once strictly above the high-water mark.
// Between the marks the current state holds.
func (g *Governor) Check(ctx context.Context) error {
	free, total, err := g.statfs(g.dir)
	if err != nil {
		return syncerr.ErrTransient("storage-governor", err).WithContext("volume", g.dir)
	}

	g.mu.Lock()
	g.lastCheck = time.Now()
	g.snapshot.FreeBytes = free
	g.snapshot.TotalBytes = total
	g.snapshot.FreeHuman = humanize.IBytes(free)
	g.snapshot.TotalHuman = humanize.IBytes(total)
	g.snapshot.CheckedAt = g.lastCheck

	pausedNow := !g.paused && free < g.pauseBelow
	resumedNow := g.paused && free > g.resumeAbove
	if pausedNow {
		g.paused = true
		g.snapshot.Paused = true
	}
	if resumedNow {
		g.paused = false
		g.snapshot.Paused = false
	}
	g.mu.Unlock()

	if pausedNow {
		g.logger.Warn("storage paused, free space below low-water mark",
			"free", humanize.IBytes(free),
			"pause_below", humanize.IBytes(g.pauseBelow))
		g.notify(true)
		if _, err := g.Cleanup(ctx); err != nil {
			g.logger.Error("cleanup failed", "error", err)
		}
		// Cleanup may have freed enough to resume; re-sample now
		if free2, _, err := g.statfs(g.dir); err == nil && free2 > g.resumeAbove {
			return g.Check(ctx)
		}
	}
	if resumedNow {
		g.logger.Info("storage resumed, free space above high-water mark",
			"free", humanize.IBytes(free),
			"resume_above", humanize.IBytes(g.resumeAbove))
		g.notify(false)
	}
	return nil
}
