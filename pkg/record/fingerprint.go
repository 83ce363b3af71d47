package record

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// naturalKeyFields fixes the identity fields per dataset kind, in fingerprint
// order. Changing an ordering changes every fingerprint of that kind and
// forces a full resync, so additions go at the end of the list only.
var naturalKeyFields = map[DatasetKind][]string{
	KindBibliographic: {"title", "journal", "year", "authors"},
	KindTrials:        {"registry_id"},
	KindDrugLabels:    {"generic_name", "strength", "route"},
	KindCodeSets:      {"system", "code"},
	KindTopics:        {"title", "language"},
}

// fieldSep keeps adjacent values from colliding ("ab"+"c" vs "a"+"bc")
const fieldSep = "\x1f"

// NaturalKeyFields returns the fingerprint field ordering for a kind.
func NaturalKeyFields(kind DatasetKind) []string {
	return naturalKeyFields[kind]
}

// NormalizeValue canonicalizes one natural-key value: lower-cased with runs
// of whitespace collapsed to single spaces.
func NormalizeValue(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Fingerprint computes the identity hash for a kind over already-normalized
// natural-key values. Every field in the kind's ordering must be present and
// non-empty; partial fingerprints are never produced.
func Fingerprint(kind DatasetKind, key map[string]string) (string, bool) {
	fields, ok := naturalKeyFields[kind]
	if !ok {
		return "", false
	}

	var b strings.Builder
	b.WriteString(string(kind))
	for _, f := range fields {
		v, ok := key[f]
		if !ok || v == "" {
			return "", false
		}
		b.WriteString(fieldSep)
		b.WriteString(v)
	}

	return CalculateSHA256([]byte(b.String())), true
}

// CalculateSHA256 computes the SHA-256 checksum of data and returns it as a hex string
func CalculateSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
