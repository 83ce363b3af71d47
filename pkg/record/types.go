package record

import (
	"fmt"
	"time"
)

// DatasetKind identifies one of the mirrored reference dataset families.
// Every canonical record, batch, and advisory lock is scoped to a kind.
type DatasetKind string

const (
	// KindBibliographic - bibliographic citation archive
	KindBibliographic DatasetKind = "bibliographic"
	// KindTrials - clinical trial registry
	KindTrials DatasetKind = "trials"
	// KindDrugLabels - regulatory drug listing / label registry
	KindDrugLabels DatasetKind = "drug-labels"
	// KindCodeSets - diagnostic and billing code sets
	KindCodeSets DatasetKind = "code-sets"
	// KindTopics - consumer health topic corpus
	KindTopics DatasetKind = "topics"
)

// Kinds lists every supported dataset kind.
func Kinds() []DatasetKind {
	return []DatasetKind{KindBibliographic, KindTrials, KindDrugLabels, KindCodeSets, KindTopics}
}

// ParseKind validates a configured kind string.
func ParseKind(s string) (DatasetKind, error) {
	k := DatasetKind(s)
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown dataset kind %q", s)
}

// RawRecord is one source-native unit before normalization. It exists only
// inside the pipeline for the lifetime of a single record.
type RawRecord struct {
	SourceID      string
	Kind          DatasetKind
	SchemaVersion string

	// Fields holds the source's structured values keyed by canonical field name
	Fields map[string]string

	// Text holds free text extracted from the record body
	Text string

	// Revision is the source's own change marker for this record
	Revision string

	// RetrievedAt is stamped by the adapter when the page was fetched
	RetrievedAt time.Time
}

// Payload is the stored body of a canonical record.
type Payload struct {
	Fields map[string]string `json:"fields"`
	Text   string            `json:"text,omitempty"`
}

// Completeness counts populated payload fields. Used by the
// prefer-more-complete-payload merge policy.
func (p Payload) Completeness() int {
	n := 0
	for _, v := range p.Fields {
		if v != "" {
			n++
		}
	}
	if p.Text != "" {
		n++
	}
	return n
}

// Provenance records where and when a canonical record was observed.
type Provenance struct {
	SourceID    string    `json:"source_id"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Revision    string    `json:"revision,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// CanonicalRecord is the normalized form persisted to the record store.
// Fingerprint is a pure function of the natural-key fields; two records with
// the same logical identity always carry the same fingerprint regardless of
// source formatting drift.
type CanonicalRecord struct {
	Kind DatasetKind `json:"kind"`

	// NaturalKey holds the normalized identity fields, keyed by field name
	NaturalKey map[string]string `json:"natural_key"`

	Fingerprint string     `json:"fingerprint"`
	Payload     Payload    `json:"payload"`
	Provenance  Provenance `json:"provenance"`

	// Secondary retains the provenance of records that lost a merge.
	// Never pruned by the engine.
	Secondary []Provenance `json:"secondary,omitempty"`
}
