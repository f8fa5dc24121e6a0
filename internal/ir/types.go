package ir

import (
	"sort"
	"time"
)

// DocumentID names one logical document stream.
type DocumentID string

// ContentHash is the base32 multibase text of a record's CIDv1.
// Lexicographic order on ContentHash is the deterministic tie-break used
// wherever the dependency graph leaves an order unconstrained.
type ContentHash string

// Timestamp is a store insertion time in milliseconds since the Unix epoch.
type Timestamp int64

// Time converts the timestamp to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// ChangeRecord is one immutable, content-addressed unit of edit history.
type ChangeRecord struct {
	Hash         ContentHash   `json:"hash"`
	DocumentID   DocumentID    `json:"document_id"`
	Dependencies []ContentHash `json:"dependencies"`
	Payload      []byte        `json:"payload"`

	// CreatedAt is assigned on insertion by the persisting store.
	CreatedAt Timestamp `json:"created_at,omitempty"`
}

// DependsOn reports whether h is one of the record's declared dependencies.
func (r ChangeRecord) DependsOn(h ContentHash) bool {
	i := sort.Search(len(r.Dependencies), func(i int) bool { return r.Dependencies[i] >= h })
	return i < len(r.Dependencies) && r.Dependencies[i] == h
}

// Snapshot is the folded state of a document plus the boundary it covers.
type Snapshot struct {
	DocumentID  DocumentID    `json:"document_id"`
	State       []byte        `json:"state"`
	CoveredUpTo Timestamp     `json:"covered_up_to"`
	Folded      []ContentHash `json:"folded"`
}

// FoldedSet returns the snapshot's folded hashes as a set.
func (s Snapshot) FoldedSet() map[ContentHash]bool {
	set := make(map[ContentHash]bool, len(s.Folded))
	for _, h := range s.Folded {
		set[h] = true
	}
	return set
}

// AppendOutcome reports what an append did.
type AppendOutcome int

const (
	// Stored means the record was newly persisted.
	Stored AppendOutcome = iota + 1
	// Duplicate means a record with the same hash was already present
	// (or already folded into a snapshot). Not an error.
	Duplicate
)

// String returns the metric/log label for the outcome.
func (o AppendOutcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// NormalizeHashes sorts and de-duplicates a hash set in place and returns it.
// A nil input yields an empty, non-nil slice so encodings stay stable.
func NormalizeHashes(hs []ContentHash) []ContentHash {
	if len(hs) == 0 {
		return []ContentHash{}
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	out := hs[:1]
	for _, h := range hs[1:] {
		if h != out[len(out)-1] {
			out = append(out, h)
		}
	}
	return out
}

// SortRecords orders records by hash. Used wherever a set of records must
// be presented deterministically without a causal order.
func SortRecords(recs []ChangeRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Hash < recs[j].Hash })
}

// Hashes returns the hashes of recs in their current order.
func Hashes(recs []ChangeRecord) []ContentHash {
	out := make([]ContentHash, len(recs))
	for i, r := range recs {
		out[i] = r.Hash
	}
	return out
}
