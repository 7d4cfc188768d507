// Package docid implements the identity contract between store document
// identifiers and the raw artifacts they were imported from. The backend
// returns, in retrieval grounding metadata, an identifier of the form
// "<prefix>-<suffix>" where the prefix is the raw-artifact id used at import
// time, capped at 12 characters. This package is the only place that split
// is performed.
package docid

import "strings"

// prefixLen is the maximum length of the raw-artifact prefix embedded in a
// store document id.
const prefixLen = 12

// RawPrefix returns the raw-artifact prefix of a store document id: the
// portion before the first '-' separator, truncated to 12 characters.
// Retrieval joins from grounding metadata back to catalog records use this
// derivation exclusively.
func RawPrefix(docID string) string {
	prefix, _, _ := strings.Cut(docID, "-")
	if len(prefix) > prefixLen {
		prefix = prefix[:prefixLen]
	}

	return prefix
}

// Matches reports whether a retrieved identifier refers to the given store
// document id, comparing raw-artifact prefixes.
func Matches(retrieved, docID string) bool {
	return retrieved != "" && RawPrefix(retrieved) == RawPrefix(docID)
}

// FromRaw returns the prefix the backend embeds in document ids derived
// from the given raw artifact id at import time.
func FromRaw(rawID string) string {
	return RawPrefix(rawID)
}

// DerivedFrom reports whether a store document was imported from the given
// raw artifact. Crash recovery and the orphan sweep use this to locate the
// document belonging to a raw id when no document id was persisted.
func DerivedFrom(docID, rawID string) bool {
	return rawID != "" && RawPrefix(docID) == FromRaw(rawID)
}
