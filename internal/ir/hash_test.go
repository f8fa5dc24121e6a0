package ir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHashDeterminism(t *testing.T) {
	deps := []ContentHash{"b", "a"}

	h1, err := ComputeHash("doc-1", deps, []byte("payload"))
	require.NoError(t, err)

	h2, err := ComputeHash("doc-1", []ContentHash{"a", "b", "a"}, []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "dependency order and duplicates must not change identity")
	assert.True(t, strings.HasPrefix(string(h1), "b"), "base32 multibase prefix")
}

func TestComputeHashChangesWithInput(t *testing.T) {
	base := MustNewRecord("doc-1", []byte("x"))
	otherDoc := MustNewRecord("doc-2", []byte("x"))
	otherPayload := MustNewRecord("doc-1", []byte("y"))
	withDep := MustNewRecord("doc-1", []byte("x"), base.Hash)

	assert.NotEqual(t, base.Hash, otherDoc.Hash, "document id is part of identity")
	assert.NotEqual(t, base.Hash, otherPayload.Hash, "payload is part of identity")
	assert.NotEqual(t, base.Hash, withDep.Hash, "dependencies are part of identity")
}

func TestComputeHashKeepsDocumentNormalizationForms(t *testing.T) {
	composed := DocumentID("caf\u00e9")
	decomposed := DocumentID("cafe\u0301")

	a := MustNewRecord(composed, []byte("x"))
	b := MustNewRecord(decomposed, []byte("x"))
	assert.NotEqual(t, a.Hash, b.Hash)
	assert.NoError(t, Verify(b))

	moved := b
	moved.DocumentID = composed
	assert.ErrorIs(t, Verify(moved), ErrHashMismatch)
}

func TestNewRecordNormalizesDependencies(t *testing.T) {
	r1 := MustNewRecord("doc", []byte("1"))
	r2 := MustNewRecord("doc", []byte("2"))

	rec, err := NewRecord("doc", []byte("3"), []ContentHash{r2.Hash, r1.Hash, r2.Hash})
	require.NoError(t, err)

	assert.Len(t, rec.Dependencies, 2)
	assert.True(t, rec.Dependencies[0] < rec.Dependencies[1])
	assert.True(t, rec.DependsOn(r1.Hash))
	assert.True(t, rec.DependsOn(r2.Hash))
	assert.False(t, rec.DependsOn(rec.Hash))
}

func TestNewRecordRejectsEmptyDocument(t *testing.T) {
	_, err := NewRecord("", []byte("x"), nil)
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	rec := MustNewRecord("doc", []byte("hello"))
	require.NoError(t, Verify(rec))

	tampered := rec
	tampered.Payload = []byte("hellO")
	err := Verify(tampered)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestVerifyIgnoresCreatedAt(t *testing.T) {
	rec := MustNewRecord("doc", []byte("hello"))
	rec.CreatedAt = 12345
	assert.NoError(t, Verify(rec))
}

func TestParseHash(t *testing.T) {
	rec := MustNewRecord("doc", []byte("hello"))

	h, err := ParseHash(string(rec.Hash))
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, h)

	_, err = ParseHash("not-a-hash")
	assert.Error(t, err)
}

func TestNormalizeHashes(t *testing.T) {
	assert.Equal(t, []ContentHash{}, NormalizeHashes(nil))
	assert.Equal(t, []ContentHash{"a", "b", "c"}, NormalizeHashes([]ContentHash{"c", "a", "b", "a"}))
}
