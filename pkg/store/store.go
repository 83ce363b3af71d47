// Package store persists canonical records. One batch is applied in one
// transaction under a dataset-kind-scoped advisory lock, so writers for the
// same kind serialize across every mirror node sharing the database.
package store

import (
	"context"

	"github.com/medmirror/medmirror/pkg/record"
)

// Refresh marks an exact duplicate: the stored row only gets its provenance
// last-seen stamp moved forward.
type Refresh struct {
	Fingerprint string
	Provenance  record.Provenance
}

// Merge carries a near-duplicate into the transaction. The store reads the
// matched row inside the lock and applies the merge function to it, so
// concurrent writers cannot interleave between read and write.
type Merge struct {
	MatchFingerprint string
	Incoming         record.CanonicalRecord
}

// Batch is the unit of durable ingestion for one dataset kind.
type Batch struct {
	Kind      record.DatasetKind
	Inserts   []record.CanonicalRecord
	Refreshes []Refresh
	Merges    []Merge

	// OnLocked, when set, fires once the kind lock is held and writing
	// begins. Used by the batcher to surface batch lifecycle states.
	OnLocked func()
}

// Size returns the number of operations in the batch.
func (b *Batch) Size() int {
	return len(b.Inserts) + len(b.Refreshes) + len(b.Merges)
}

// Result reports what a committed batch did.
type Result struct {
	Inserted  int
	Refreshed int
	Merged    int
}

// MergeFunc consolidates an incoming record into an existing row. Supplied
// by the dedup engine so merge policy stays out of the storage layer.
type MergeFunc func(existing, incoming record.CanonicalRecord) record.CanonicalRecord

// RecordStore is the persistence contract for canonical records. Apply is
// atomic: either every operation in the batch is durable or none is, and a
// deadlock or serialization failure surfaces as a WRITE_CONFLICT error for
// the caller's retry policy.
type RecordStore interface {
	Apply(ctx context.Context, batch Batch) (Result, error)

	// Get returns nil when no row matches.
	Get(ctx context.Context, kind record.DatasetKind, fingerprint string) (*record.CanonicalRecord, error)

	Count(ctx context.Context, kind record.DatasetKind) (int64, error)

	Close()
}
