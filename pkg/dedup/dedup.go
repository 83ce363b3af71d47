// Package dedup classifies incoming canonical records against what the
// mirror already holds: exact duplicates by fingerprint, near duplicates by
// key similarity, everything else as new. It also consolidates merge
// candidates under the dataset kind's configured policy.
package dedup

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/medmirror/medmirror/pkg/catalog"
	"github.com/medmirror/medmirror/pkg/record"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

// Decision classifies one incoming record.
type Decision string

const (
	DecisionNew            Decision = "NEW"
	DecisionExactDuplicate Decision = "EXACT_DUPLICATE"
	DecisionMergeCandidate Decision = "MERGE_CANDIDATE"
)

// Outcome is the result of classifying one record. MatchFingerprint names
// the stored record an exact or merge decision refers to.
type Outcome struct {
	Decision         Decision
	MatchFingerprint string
	Similarity       float64
}

// Engine classifies and merges records. It holds no per-record state; all
// history lives in the index and the record store.
type Engine struct {
	index    Index
	policies *catalog.Catalog
	logger   *slog.Logger
}

func NewEngine(index Index, cat *catalog.Catalog, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{index: index, policies: cat, logger: logger}
}

// KeyTokens derives the similarity tokens for a record: each whitespace
// token of each natural-key value, scoped by its field name so a title word
// can never match a journal word. Values are already normalized, so tokens
// compare case- and spacing-insensitively.
func KeyTokens(rec *record.CanonicalRecord) []string {
	seen := make(map[string]struct{})
	for field, value := range rec.NaturalKey {
		for _, tok := range strings.Fields(value) {
			seen[field+"="+tok] = struct{}{}
		}
	}
	tokens := make([]string, 0, len(seen))
	for tok := range seen {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return tokens
}

// Jaccard computes set similarity between two token slices: intersection
// over union, 0 when either side is empty.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, tok := range a {
		setA[tok] = struct{}{}
	}
	inter := 0
	setB := make(map[string]struct{}, len(b))
	for _, tok := range b {
		if _, dup := setB[tok]; dup {
			continue
		}
		setB[tok] = struct{}{}
		if _, ok := setA[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// Classify decides how an incoming record relates to committed records of
// its kind. The exact check is a fingerprint lookup; the fuzzy check scores
// Jaccard similarity over key tokens against candidates sharing at least
// one token, accepting the best match at or above the kind's threshold.
func (e *Engine) Classify(ctx context.Context, rec *record.CanonicalRecord) (Outcome, error) {
	seen, err := e.index.Seen(ctx, rec.Kind, rec.Fingerprint)
	if err != nil {
		return Outcome{}, syncerr.ErrTransient(rec.Provenance.SourceID, err).
			WithContext("op", "dedup index lookup")
	}
	if seen {
		return Outcome{
			Decision:         DecisionExactDuplicate,
			MatchFingerprint: rec.Fingerprint,
			Similarity:       1.0,
		}, nil
	}

	tokens := KeyTokens(rec)
	candidates, err := e.index.Candidates(ctx, rec.Kind, tokens)
	if err != nil {
		return Outcome{}, syncerr.ErrTransient(rec.Provenance.SourceID, err).
			WithContext("op", "dedup candidate scan")
	}

	threshold := e.policies.Policy(rec.Kind).SimilarityThreshold
	best := Outcome{Decision: DecisionNew}
	for _, cand := range candidates {
		if cand.Fingerprint == rec.Fingerprint {
			continue
		}
		sim := Jaccard(tokens, cand.Tokens)
		if sim >= threshold && sim > best.Similarity {
			best = Outcome{
				Decision:         DecisionMergeCandidate,
				MatchFingerprint: cand.Fingerprint,
				Similarity:       sim,
			}
		}
	}
	return best, nil
}

// Observe indexes a record after its batch has committed. Called for new
// records only; duplicates and merges keep the stored record's entry.
func (e *Engine) Observe(ctx context.Context, rec *record.CanonicalRecord) error {
	return e.index.Add(ctx, rec.Kind, rec.Fingerprint, KeyTokens(rec))
}

// Merge consolidates an incoming merge candidate into the stored record it
// matched, under the kind's policy. The merged record keeps the stored
// identity (fingerprint, natural key); the losing side's provenance is
// appended to Secondary, never discarded. Every merge is logged with the
// payload before and after.
func (e *Engine) Merge(existing, incoming record.CanonicalRecord) record.CanonicalRecord {
	policy := e.policies.Policy(existing.Kind).MergePolicy
	before := payloadJSON(existing.Payload)

	merged := existing
	merged.Secondary = append([]record.Provenance(nil), existing.Secondary...)

	incomingNewer := incoming.Provenance.RetrievedAt.After(existing.Provenance.RetrievedAt)

	switch policy {
	case catalog.MergePreferMoreComplete:
		if in, ex := incoming.Payload.Completeness(), existing.Payload.Completeness(); in > ex ||
			(in == ex && incomingNewer) {
			merged.Payload = incoming.Payload
			merged.Provenance = incoming.Provenance
			merged.Secondary = append(merged.Secondary, existing.Provenance)
		} else {
			merged.Secondary = append(merged.Secondary, incoming.Provenance)
		}

	case catalog.MergeUnionOfFields:
		newer, older := incoming, existing
		if !incomingNewer {
			newer, older = existing, incoming
		}
		fields := make(map[string]string, len(older.Payload.Fields)+len(newer.Payload.Fields))
		for k, v := range older.Payload.Fields {
			fields[k] = v
		}
		for k, v := range newer.Payload.Fields {
			if v != "" {
				fields[k] = v
			}
		}
		text := newer.Payload.Text
		if text == "" {
			text = older.Payload.Text
		}
		merged.Payload = record.Payload{Fields: fields, Text: text}
		merged.Provenance = newer.Provenance
		merged.Secondary = append(merged.Secondary, older.Provenance)

	default: // prefer-newest-source
		if incomingNewer {
			merged.Payload = incoming.Payload
			merged.Provenance = incoming.Provenance
			merged.Secondary = append(merged.Secondary, existing.Provenance)
		} else {
			merged.Secondary = append(merged.Secondary, incoming.Provenance)
		}
	}

	e.logger.Info("merged near-duplicate record",
		"kind", existing.Kind,
		"fingerprint", existing.Fingerprint,
		"incoming_fingerprint", incoming.Fingerprint,
		"incoming_source", incoming.Provenance.SourceID,
		"policy", policy,
		"payload_before", before,
		"payload_after", payloadJSON(merged.Payload))

	return merged
}

func payloadJSON(p record.Payload) string {
	b, err := json.Marshal(p)
	if err != nil {
		return "<unencodable>"
	}
	return string(b)
}
