package engine

import (
	"log/slog"
	"time"

	"github.com/medmirror/medmirror/pkg/checkpoint"
	"github.com/medmirror/medmirror/pkg/ingest"
	"github.com/medmirror/medmirror/pkg/retry"
)

// Option configures the Manager
type Option func(*Manager)

// WithCheckpointStore sets the durable checkpoint store
func WithCheckpointStore(cs checkpoint.Store) Option {
	return func(m *Manager) {
		m.checkpoints = cs
	}
}

// WithBatcher sets the ingestion batcher pages are committed through
func WithBatcher(b *ingest.Batcher) Option {
	return func(m *Manager) {
		m.batcher = b
	}
}

// WithStorageGovernor subscribes the manager to storage pause transitions.
// Without one, jobs never pause for disk pressure.
func WithStorageGovernor(sg StoragePauser) Option {
	return func(m *Manager) {
		m.storage = sg
	}
}

// WithWorkerPool sets the shared parse pool. The caller keeps ownership and
// must close it after the manager shuts down.
func WithWorkerPool(p *Pool) Option {
	return func(m *Manager) {
		m.pool = p
		m.ownPool = false
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = mc
	}
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithFetchPolicy sets the bounded retry policy for page fetches.
// Rate-limited responses retry without consuming the attempt budget.
func WithFetchPolicy(p retry.Policy) Option {
	return func(m *Manager) {
		m.fetchPolicy = p
	}
}

// WithFailureBudget sets how many back-to-back page failures a job tolerates
// before it is declared Failed.
func WithFailureBudget(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.failureBudget = n
		}
	}
}

// WithBackOff sets the base and cap for the delay between page-level retry
// attempts scheduled through the work queue.
func WithBackOff(base, max time.Duration) Option {
	return func(m *Manager) {
		if base > 0 {
			m.backOffBase = base
		}
		if max > 0 {
			m.backOffMax = max
		}
	}
}

// WithClock overrides the time source for job timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}
