package dedup

import (
	"context"
	"sort"
	"sync"

	"github.com/medmirror/medmirror/pkg/record"
)

// maxCandidates bounds how many near-key entries a lookup may return, so a
// hot token (a common word in titles) cannot turn one classify into a scan.
const maxCandidates = 256

// Entry is one indexed record: its fingerprint plus the key tokens it was
// indexed under.
type Entry struct {
	Fingerprint string
	Tokens      []string
}

// Index answers two questions per dataset kind: has this exact fingerprint
// been committed, and which committed records share key tokens with this
// one. Entries are added only after their batch commits, so the index never
// claims a record the store does not hold; a missed entry is recovered by
// the store's uniqueness constraint.
type Index interface {
	Seen(ctx context.Context, kind record.DatasetKind, fingerprint string) (bool, error)
	Candidates(ctx context.Context, kind record.DatasetKind, tokens []string) ([]Entry, error)
	Add(ctx context.Context, kind record.DatasetKind, fingerprint string, tokens []string) error
	Close() error
}

// MemoryIndex is the in-process implementation, used in tests and for
// single-node runs without Redis.
type MemoryIndex struct {
	mu      sync.RWMutex
	byFP    map[record.DatasetKind]map[string][]string
	byToken map[record.DatasetKind]map[string]map[string]struct{}
}

var _ Index = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byFP:    make(map[record.DatasetKind]map[string][]string),
		byToken: make(map[record.DatasetKind]map[string]map[string]struct{}),
	}
}

// Seen implements Index
func (m *MemoryIndex) Seen(_ context.Context, kind record.DatasetKind, fingerprint string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byFP[kind][fingerprint]
	return ok, nil
}

// Candidates implements Index
func (m *MemoryIndex) Candidates(_ context.Context, kind record.DatasetKind, tokens []string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fps := make(map[string]struct{})
	for _, tok := range tokens {
		for fp := range m.byToken[kind][tok] {
			fps[fp] = struct{}{}
		}
	}

	ordered := make([]string, 0, len(fps))
	for fp := range fps {
		ordered = append(ordered, fp)
	}
	sort.Strings(ordered)
	if len(ordered) > maxCandidates {
		ordered = ordered[:maxCandidates]
	}

	entries := make([]Entry, 0, len(ordered))
	for _, fp := range ordered {
		entries = append(entries, Entry{Fingerprint: fp, Tokens: m.byFP[kind][fp]})
	}
	return entries, nil
}

// Add implements Index
func (m *MemoryIndex) Add(_ context.Context, kind record.DatasetKind, fingerprint string, tokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byFP[kind] == nil {
		m.byFP[kind] = make(map[string][]string)
	}
	m.byFP[kind][fingerprint] = append([]string(nil), tokens...)

	if m.byToken[kind] == nil {
		m.byToken[kind] = make(map[string]map[string]struct{})
	}
	for _, tok := range tokens {
		if m.byToken[kind][tok] == nil {
			m.byToken[kind][tok] = make(map[string]struct{})
		}
		m.byToken[kind][tok][fingerprint] = struct{}{}
	}
	return nil
}

// Close implements Index
func (m *MemoryIndex) Close() error {
	return nil
}
