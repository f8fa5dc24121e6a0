package ir

import (
	"encoding/base64"
	"errors"
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// DomainChange is the domain prefix for change record identity.
// Version suffix enables future algorithm migration.
const DomainChange = "autowiki/change/v1"

// ErrHashMismatch is returned when a record's Hash does not match its content.
var ErrHashMismatch = errors.New("content hash mismatch")

// hashWithDomain computes a CIDv1 (raw codec, SHA2-256) over
// domain + 0x00 + data and returns its base32 multibase text.
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) (ContentHash, error) {
	preimage := make([]byte, 0, len(domain)+1+len(data))
	preimage = append(preimage, domain...)
	preimage = append(preimage, 0x00)
	preimage = append(preimage, data...)

	mh, err := multihash.Sum(preimage, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("multihash: %w", err)
	}
	c := gocid.NewCidV1(gocid.Raw, mh)
	encoded, err := multibase.Encode(multibase.Base32, c.Bytes())
	if err != nil {
		return "", fmt.Errorf("multibase: %w", err)
	}
	return ContentHash(encoded), nil
}

// ComputeHash returns the content hash of a record with the given document,
// dependencies and payload. The dependency order does not matter.
//
// The document id enters the preimage as base64 of its raw bytes, like the
// payload, so ids that differ only in Unicode normalization stay distinct.
func ComputeHash(doc DocumentID, deps []ContentHash, payload []byte) (ContentHash, error) {
	sorted := NormalizeHashes(append([]ContentHash(nil), deps...))
	canonical, err := MarshalCanonical(map[string]any{
		"document_id":  base64.StdEncoding.EncodeToString([]byte(doc)),
		"dependencies": sorted,
		"payload":      base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return "", fmt.Errorf("ComputeHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainChange, canonical)
}

// NewRecord builds a record for a local edit, computing its hash.
// CreatedAt is left zero; the store stamps it on append.
func NewRecord(doc DocumentID, payload []byte, deps []ContentHash) (ChangeRecord, error) {
	if doc == "" {
		return ChangeRecord{}, fmt.Errorf("new record: empty document id")
	}
	deps = NormalizeHashes(append([]ContentHash(nil), deps...))
	h, err := ComputeHash(doc, deps, payload)
	if err != nil {
		return ChangeRecord{}, fmt.Errorf("new record: %w", err)
	}
	return ChangeRecord{
		Hash:         h,
		DocumentID:   doc,
		Dependencies: deps,
		Payload:      append([]byte(nil), payload...),
	}, nil
}

// MustNewRecord is like NewRecord but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustNewRecord(doc DocumentID, payload []byte, deps ...ContentHash) ChangeRecord {
	rec, err := NewRecord(doc, payload, deps)
	if err != nil {
		panic(err)
	}
	return rec
}

// Verify checks that rec.Hash matches the record content and that its
// dependencies are well-formed. Records received from peers must pass
// Verify before they are persisted.
func Verify(rec ChangeRecord) error {
	if rec.DocumentID == "" {
		return fmt.Errorf("verify %s: empty document id", rec.Hash)
	}
	for _, d := range rec.Dependencies {
		if d == rec.Hash {
			return fmt.Errorf("verify %s: record depends on itself", rec.Hash)
		}
	}
	want, err := ComputeHash(rec.DocumentID, rec.Dependencies, rec.Payload)
	if err != nil {
		return fmt.Errorf("verify %s: %w", rec.Hash, err)
	}
	if want != rec.Hash {
		return fmt.Errorf("verify %s: %w (computed %s)", rec.Hash, ErrHashMismatch, want)
	}
	return nil
}

// ParseHash validates the text form of a content hash.
func ParseHash(s string) (ContentHash, error) {
	_, raw, err := multibase.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode hash %q: %w", s, err)
	}
	c, err := gocid.Cast(raw)
	if err != nil {
		return "", fmt.Errorf("decode hash %q: %w", s, err)
	}
	if c.Prefix().MhType != multihash.SHA2_256 {
		return "", fmt.Errorf("decode hash %q: unsupported multihash type %d", s, c.Prefix().MhType)
	}
	return ContentHash(s), nil
}
