package store

import (
	"context"
	"sync"

	"github.com/medmirror/medmirror/pkg/record"
)

// MemoryStore is the in-process RecordStore used by tests and by runs that
// do not need durability. The single mutex stands in for the kind-scoped
// advisory lock; FailNext injects write conflicts to exercise retry paths.
type MemoryStore struct {
	mu      sync.Mutex
	records map[record.DatasetKind]map[string]*record.CanonicalRecord
	mergeFn MergeFunc

	applyCalls int
	failures   []error
}

var _ RecordStore = (*MemoryStore)(nil)

func NewMemoryStore(mergeFn MergeFunc) *MemoryStore {
	return &MemoryStore{
		records: make(map[record.DatasetKind]map[string]*record.CanonicalRecord),
		mergeFn: mergeFn,
	}
}

// FailNext queues errors returned by upcoming Apply calls, one per call,
// before any state changes.
func (m *MemoryStore) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// ApplyCalls reports how many times Apply ran, including injected failures.
func (m *MemoryStore) ApplyCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyCalls
}

// Apply implements RecordStore
func (m *MemoryStore) Apply(ctx context.Context, batch Batch) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	if batch.OnLocked != nil {
		batch.OnLocked()
	}

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return Result{}, err
	}

	kindRecords := m.records[batch.Kind]
	if kindRecords == nil {
		kindRecords = make(map[string]*record.CanonicalRecord)
		m.records[batch.Kind] = kindRecords
	}

	var res Result
	for i := range batch.Inserts {
		rec := batch.Inserts[i]
		if existing, ok := kindRecords[rec.Fingerprint]; ok {
			kindRecords[rec.Fingerprint] = m.merged(existing, rec)
			res.Merged++
			continue
		}
		clone := cloneRecord(&rec)
		kindRecords[rec.Fingerprint] = clone
		res.Inserted++
	}

	for _, r := range batch.Refreshes {
		if existing, ok := kindRecords[r.Fingerprint]; ok {
			existing.Provenance.LastSeenAt = r.Provenance.LastSeenAt
		}
		res.Refreshed++
	}

	for _, mg := range batch.Merges {
		existing, ok := kindRecords[mg.MatchFingerprint]
		if !ok {
			kindRecords[mg.Incoming.Fingerprint] = cloneRecord(&mg.Incoming)
			res.Merged++
			continue
		}
		kindRecords[mg.MatchFingerprint] = m.merged(existing, mg.Incoming)
		res.Merged++
	}

	return res, nil
}

func (m *MemoryStore) merged(existing *record.CanonicalRecord, incoming record.CanonicalRecord) *record.CanonicalRecord {
	if m.mergeFn == nil {
		clone := cloneRecord(&incoming)
		return clone
	}
	out := m.mergeFn(*existing, incoming)
	return cloneRecord(&out)
}

// Get implements RecordStore
func (m *MemoryStore) Get(_ context.Context, kind record.DatasetKind, fingerprint string) (*record.CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[kind][fingerprint]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

// Count implements RecordStore
func (m *MemoryStore) Count(_ context.Context, kind record.DatasetKind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records[kind])), nil
}

// Close implements RecordStore
func (m *MemoryStore) Close() {}

func cloneRecord(rec *record.CanonicalRecord) *record.CanonicalRecord {
	clone := *rec
	clone.NaturalKey = make(map[string]string, len(rec.NaturalKey))
	for k, v := range rec.NaturalKey {
		clone.NaturalKey[k] = v
	}
	clone.Payload.Fields = make(map[string]string, len(rec.Payload.Fields))
	for k, v := range rec.Payload.Fields {
		clone.Payload.Fields[k] = v
	}
	clone.Secondary = append([]record.Provenance(nil), rec.Secondary...)
	return &clone
}
