// Package ingest turns a fetched page of raw records into a committed
// store batch: normalize, classify against the dedup engine, then write
// under the kind lock with bounded conflict retries. The caller advances
// its checkpoint only when IngestPage returns a committed result.
package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/medmirror/medmirror/pkg/dedup"
	"github.com/medmirror/medmirror/pkg/record"
	"github.com/medmirror/medmirror/pkg/retry"
	"github.com/medmirror/medmirror/pkg/store"
)

// State tracks one batch through its write lifecycle.
type State string

const (
	StatePending   State = "Pending"
	StateLocking   State = "Locking"
	StateWriting   State = "Writing"
	StateCommitted State = "Committed"
	StateAborted   State = "Aborted"
)

// Result summarizes one ingested page.
type Result struct {
	State State

	Inserted  int
	Refreshed int
	Merged    int

	// Rejected counts records dropped with permanent record errors
	Rejected int
}

// Batcher ingests pages for all sources. It is safe for concurrent use;
// each call owns its own batch.
type Batcher struct {
	store   store.RecordStore
	engine  *dedup.Engine
	policy  retry.Policy
	workers int
	// maxBatch splits oversized pages into separately committed
	// sub-batches; replay after a mid-page crash is idempotent
	maxBatch int
	logger   *slog.Logger
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithRetryPolicy sets the write-conflict retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(b *Batcher) { b.policy = p }
}

// WithWorkers sets the normalize/classify worker count.
func WithWorkers(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithMaxBatch caps how many operations commit in one transaction.
func WithMaxBatch(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.maxBatch = n
		}
	}
}

func NewBatcher(st store.RecordStore, engine *dedup.Engine, logger *slog.Logger, opts ...Option) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Batcher{
		store:    st,
		engine:   engine,
		policy:   retry.DefaultPolicy(),
		workers:  4,
		maxBatch: 500,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// classified is one record's pipeline outcome, ready for batching.
type classified struct {
	rec     record.CanonicalRecord
	outcome dedup.Outcome
}

// IngestPage runs one page through normalize, classify, and commit. On an
// aborted batch the returned error is non-nil and nothing about the page
// may be considered durable beyond sub-batches that already committed,
// which a replay re-applies without double-counting.
func (b *Batcher) IngestPage(ctx context.Context, sourceID string, kind record.DatasetKind, raws []record.RawRecord) (Result, error) {
	res := Result{State: StatePending}
	if len(raws) == 0 {
		res.State = StateCommitted
		return res, nil
	}

	ops, rejected, err := b.classifyAll(ctx, sourceID, raws)
	if err != nil {
		res.State = StateAborted
		return res, err
	}
	res.Rejected = rejected

	batch := store.Batch{Kind: kind}
	var inserts []record.CanonicalRecord
	for i := range ops {
		op := &ops[i]
		switch op.outcome.Decision {
		case dedup.DecisionExactDuplicate:
			batch.Refreshes = append(batch.Refreshes, store.Refresh{
				Fingerprint: op.outcome.MatchFingerprint,
				Provenance:  op.rec.Provenance,
			})
		case dedup.DecisionMergeCandidate:
			batch.Merges = append(batch.Merges, store.Merge{
				MatchFingerprint: op.outcome.MatchFingerprint,
				Incoming:         op.rec,
			})
		default:
			batch.Inserts = append(batch.Inserts, op.rec)
			inserts = append(inserts, op.rec)
		}
	}

	for _, sub := range b.split(batch) {
		subResult, err := b.commit(ctx, sourceID, sub)
		if err != nil {
			res.State = StateAborted
			b.logger.Error("batch aborted, page will not checkpoint",
				"source_id", sourceID,
				"kind", kind,
				"committed_inserts", res.Inserted,
				"error", err)
			return res, err
		}
		res.Inserted += subResult.Inserted
		res.Refreshed += subResult.Refreshed
		res.Merged += subResult.Merged
	}
	res.State = StateCommitted

	// Index new fingerprints only after their rows are durable. A crash
	// here is recovered by the store's uniqueness constraint.
	for i := range inserts {
		if err := b.engine.Observe(ctx, &inserts[i]); err != nil {
			b.logger.Warn("failed to index committed record",
				"source_id", sourceID,
				"fingerprint", inserts[i].Fingerprint,
				"error", err)
		}
	}

	return res, nil
}

// classifyAll fans raw records across the worker pool. Normalization and
// fingerprinting are CPU work and must not stall the fetch loop; permanent
// record rejects are dropped here with a log line, never failing the page.
func (b *Batcher) classifyAll(ctx context.Context, sourceID string, raws []record.RawRecord) ([]classified, int, error) {
	in := make(chan record.RawRecord)
	var (
		mu       sync.Mutex
		ops      []classified
		rejected int
		firstErr error
	)

	var wg sync.WaitGroup
	for w := 0; w < b.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range in {
				rec, err := record.Normalize(raw)
				if err != nil {
					mu.Lock()
					rejected++
					mu.Unlock()
					b.logger.Warn("rejected record",
						"source_id", sourceID,
						"kind", raw.Kind,
						"error", err)
					continue
				}

				outcome, err := b.engine.Classify(ctx, &rec)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					continue
				}

				mu.Lock()
				ops = append(ops, classified{rec: rec, outcome: outcome})
				mu.Unlock()
			}
		}()
	}

	for i := range raws {
		select {
		case in <- raws[i]:
		case <-ctx.Done():
			close(in)
			wg.Wait()
			return nil, 0, ctx.Err()
		}
	}
	close(in)
	wg.Wait()

	if firstErr != nil {
		return nil, 0, firstErr
	}
	return ops, rejected, nil
}

func (b *Batcher) split(batch store.Batch) []store.Batch {
	if batch.Size() <= b.maxBatch {
		if batch.Size() == 0 {
			return nil
		}
		return []store.Batch{batch}
	}

	var subs []store.Batch
	current := store.Batch{Kind: batch.Kind}
	flush := func() {
		if current.Size() > 0 {
			subs = append(subs, current)
			current = store.Batch{Kind: batch.Kind}
		}
	}
	for _, rec := range batch.Inserts {
		current.Inserts = append(current.Inserts, rec)
		if current.Size() >= b.maxBatch {
			flush()
		}
	}
	for _, r := range batch.Refreshes {
		current.Refreshes = append(current.Refreshes, r)
		if current.Size() >= b.maxBatch {
			flush()
		}
	}
	for _, m := range batch.Merges {
		current.Merges = append(current.Merges, m)
		if current.Size() >= b.maxBatch {
			flush()
		}
	}
	flush()
	return subs
}

// commit drives one sub-batch through Locking and Writing, retrying write
// conflicts under the batcher's policy.
func (b *Batcher) commit(ctx context.Context, sourceID string, batch store.Batch) (store.Result, error) {
	var out store.Result
	state := StatePending

	transition := func(next State) {
		state = next
		b.logger.Debug("batch state",
			"source_id", sourceID,
			"kind", batch.Kind,
			"state", state,
			"ops", batch.Size())
	}

	batch.OnLocked = func() { transition(StateWriting) }

	err := retry.Do(ctx, b.policy, func(ctx context.Context) error {
		transition(StateLocking)
		res, err := b.store.Apply(ctx, batch)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		transition(StateAborted)
		return out, err
	}
	transition(StateCommitted)
	return out, nil
}
