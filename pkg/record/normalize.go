package record

import (
	"fmt"

	"github.com/medmirror/medmirror/pkg/syncerr"
)

// Normalize maps a source-native record into its canonical form. It is a
// pure function of the raw record: the same input always yields the same
// canonical record and fingerprint.
//
// A raw record missing any natural-key field for its kind is rejected with a
// PERMANENT_RECORD error. An unstable fingerprint built from partial data
// would corrupt deduplication, so there is no best-effort path.
func Normalize(raw RawRecord) (CanonicalRecord, error) {
	fields := naturalKeyFields[raw.Kind]
	if fields == nil {
		return CanonicalRecord{}, syncerr.ErrPermanentRecord(
			raw.SourceID, "record", fmt.Sprintf("unknown dataset kind %q", raw.Kind))
	}

	key := make(map[string]string, len(fields))
	for _, f := range fields {
		v := NormalizeValue(raw.Fields[f])
		if v == "" {
			return CanonicalRecord{}, syncerr.ErrPermanentRecord(
				raw.SourceID, "record", fmt.Sprintf("missing natural-key field %q", f)).
				WithContext("dataset_kind", string(raw.Kind))
		}
		key[f] = v
	}

	fp, ok := Fingerprint(raw.Kind, key)
	if !ok {
		return CanonicalRecord{}, syncerr.ErrPermanentRecord(
			raw.SourceID, "record", "fingerprint computation failed")
	}

	payload := Payload{
		Fields: make(map[string]string, len(raw.Fields)),
		Text:   raw.Text,
	}
	for k, v := range raw.Fields {
		payload.Fields[k] = v
	}

	return CanonicalRecord{
		Kind:        raw.Kind,
		NaturalKey:  key,
		Fingerprint: fp,
		Payload:     payload,
		Provenance: Provenance{
			SourceID:    raw.SourceID,
			RetrievedAt: raw.RetrievedAt,
			Revision:    raw.Revision,
			LastSeenAt:  raw.RetrievedAt,
		},
	}, nil
}
