package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autowiki/internal/ir"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestAppend_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	rec := ir.MustNewRecord("doc", []byte("a"))

	out, err := s.Append(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, ir.Stored, out)

	out, err = s.Append(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, ir.Duplicate, out)

	recs, err := s.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.Hash, recs[0].Hash)
	assert.Equal(t, []byte("a"), recs[0].Payload)
	assert.Equal(t, ir.Timestamp(1000), recs[0].CreatedAt)
}

func TestAppend_StampsStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	a := ir.MustNewRecord("doc", []byte("a"))
	b := ir.MustNewRecord("doc", []byte("b"), a.Hash)
	_, err := s.Append(ctx, a)
	require.NoError(t, err)
	_, err = s.Append(ctx, b)
	require.NoError(t, err)

	recs, err := s.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, a.Hash, recs[0].Hash)
	assert.Less(t, recs[0].CreatedAt, recs[1].CreatedAt)
	assert.Equal(t, []ir.ContentHash{a.Hash}, recs[1].Dependencies)
	assert.Empty(t, recs[0].Dependencies)
}

func TestAppend_IgnoresWireCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	rec := ir.MustNewRecord("doc", []byte("a"))
	rec.CreatedAt = 1 << 40
	_, err := s.Append(ctx, rec)
	require.NoError(t, err)

	recs, err := s.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, ir.Timestamp(1000), recs[0].CreatedAt)
}

func TestRecordsFor_HidesPendingRecords(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	a := ir.MustNewRecord("doc", []byte("a"))
	b := ir.MustNewRecord("doc", []byte("b"), a.Hash)

	_, err := s.Append(ctx, b)
	require.NoError(t, err)

	visible, err := s.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, visible, "record with missing dependency must not be visible")

	unfolded, err := s.Unfolded(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, unfolded, 1, "pending record stays stored")

	_, err = s.Append(ctx, a)
	require.NoError(t, err)

	visible, err = s.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, visible, 2)
}

func TestDocumentsAndHas(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	a := ir.MustNewRecord("beta", []byte("a"))
	b := ir.MustNewRecord("alpha", []byte("b"))
	for _, r := range []ir.ChangeRecord{a, b} {
		_, err := s.Append(ctx, r)
		require.NoError(t, err)
	}

	docs, err := s.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ir.DocumentID{"alpha", "beta"}, docs)

	ok, err := s.Has(ctx, a.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Has(ctx, "bmissing")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.AllRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSnapshotAndDeleteFolded(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	a := ir.MustNewRecord("doc", []byte("a"))
	b := ir.MustNewRecord("doc", []byte("b"), a.Hash)
	missing := ir.MustNewRecord("doc", []byte("missing"))
	pending := ir.MustNewRecord("doc", []byte("pending"), missing.Hash)
	for _, r := range []ir.ChangeRecord{a, b, pending} {
		_, err := s.Append(ctx, r)
		require.NoError(t, err)
	}

	recs, err := s.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	snap := ir.Snapshot{
		DocumentID:  "doc",
		State:       []byte("state"),
		CoveredUpTo: recs[1].CreatedAt,
		Folded:      []ir.ContentHash{a.Hash, b.Hash},
	}
	require.NoError(t, s.PutSnapshot(ctx, snap))

	// Folded records are hidden as soon as the snapshot is durable.
	recs, err = s.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, recs)

	n, err := s.DeleteFolded(ctx, "doc", snap.CoveredUpTo)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	unfolded, err := s.Unfolded(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, unfolded, 1)
	assert.Equal(t, pending.Hash, unfolded[0].Hash, "pending record survives compaction")

	got, ok, err := s.Snapshot(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("state"), got.State)
	assert.Equal(t, ir.NormalizeHashes([]ir.ContentHash{a.Hash, b.Hash}), got.Folded)

	// A folded record arriving again is a duplicate, not a new record.
	out, err := s.Append(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, ir.Duplicate, out)

	// Dependency closure holds through the snapshot.
	c := ir.MustNewRecord("doc", []byte("c"), b.Hash)
	_, err = s.Append(ctx, c)
	require.NoError(t, err)
	recs, err = s.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []ir.ContentHash{c.Hash}, ir.Hashes(recs))
}

func TestSnapshot_Missing(t *testing.T) {
	s := createTestStore(t)
	_, ok, err := s.Snapshot(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReopenRestoresClock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	a := ir.MustNewRecord("doc", []byte("a"))
	_, err = s.Append(ctx, a)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	recs := func(s *Store) []ir.ChangeRecord {
		r, err := s.RecordsFor(ctx, "doc")
		require.NoError(t, err)
		return r
	}

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	first := recs(s2)[0].CreatedAt

	b := ir.MustNewRecord("doc", []byte("b"), a.Hash)
	_, err = s2.Append(ctx, b)
	require.NoError(t, err)
	assert.Greater(t, recs(s2)[1].CreatedAt, first)
}

func TestFlushAndPendingWrites(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	assert.False(t, s.PendingWrites())

	_, err := s.Append(ctx, ir.MustNewRecord("doc", []byte("a")))
	require.NoError(t, err)
	assert.True(t, s.PendingWrites())

	require.NoError(t, s.Flush(ctx))
	assert.False(t, s.PendingWrites())
}

func TestDeleteFolded_NothingToDeleteLeavesNoPendingWrites(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	_, err := s.Append(ctx, ir.MustNewRecord("doc", []byte("a")))
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	n, err := s.DeleteFolded(ctx, "doc", ir.Timestamp(1<<40))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, s.PendingWrites())
}

func TestClosedStore(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")

	_, err := s.Append(context.Background(), ir.MustNewRecord("doc", []byte("a")))
	assert.ErrorIs(t, err, ErrClosed)
}
