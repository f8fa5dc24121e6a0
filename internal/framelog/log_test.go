package framelog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/autowiki/internal/ir"
)

func quietOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func openTestLog(t *testing.T, dir string, opts Options) *Log {
	t.Helper()
	l, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func appendAll(t *testing.T, l *Log, recs ...ir.ChangeRecord) {
	t.Helper()
	for _, r := range recs {
		out, err := l.Append(context.Background(), r)
		require.NoError(t, err)
		require.Equal(t, ir.Stored, out)
	}
}

func TestAppendReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := ir.MustNewRecord("doc", []byte("a"))
	b := ir.MustNewRecord("doc", []byte("b"), a.Hash)

	l, err := Open(dir, quietOptions())
	require.NoError(t, err)
	appendAll(t, l, a, b)

	out, err := l.Append(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, ir.Duplicate, out)

	assert.True(t, l.PendingWrites())
	require.NoError(t, l.Close())

	l2 := openTestLog(t, dir, quietOptions())
	recs, err := l2.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []ir.ContentHash{a.Hash, b.Hash}, ir.Hashes(recs))
	assert.Less(t, recs[0].CreatedAt, recs[1].CreatedAt)
	assert.False(t, l2.PendingWrites())
}

func TestReplayTruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := ir.MustNewRecord("doc", []byte("a"))
	b := ir.MustNewRecord("doc", []byte("b"), a.Hash)

	l, err := Open(dir, quietOptions())
	require.NoError(t, err)
	appendAll(t, l, a)
	require.NoError(t, l.Flush(ctx))
	st, err := os.Stat(logPath(dir))
	require.NoError(t, err)
	goodSize := st.Size()
	appendAll(t, l, b)
	require.NoError(t, l.Close())

	// Simulate a crash midway through the second frame.
	st, err = os.Stat(logPath(dir))
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath(dir), st.Size()-3))

	rep, err := Check(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Records)
	assert.Positive(t, rep.TornBytes)

	var dropped int64
	opts := quietOptions()
	opts.OnTruncate = func(n int64) { dropped = n }
	l2 := openTestLog(t, dir, opts)

	recs, err := l2.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []ir.ContentHash{a.Hash}, ir.Hashes(recs))
	assert.Equal(t, st.Size()-3-goodSize, dropped)

	st, err = os.Stat(logPath(dir))
	require.NoError(t, err)
	assert.Equal(t, goodSize, st.Size(), "file truncated to last complete frame")

	// The log accepts new appends after recovery.
	appendAll(t, l2, b)
	require.NoError(t, l2.Flush(ctx))
	rep, err = Check(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Records)
	assert.Zero(t, rep.TornBytes)
}

func TestReplaySkipsUndecodableFrame(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := ir.MustNewRecord("doc", []byte("a"))

	l, err := Open(dir, quietOptions())
	require.NoError(t, err)
	appendAll(t, l, a)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(logPath(dir), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.NoError(t, writeFrame(f, []byte("{not json")))
	require.NoError(t, f.Close())

	b := ir.MustNewRecord("doc", []byte("b"), a.Hash)
	l2, err := Open(dir, quietOptions())
	require.NoError(t, err)
	appendAll(t, l2, b)
	require.NoError(t, l2.Close())

	rep, err := Check(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Frames)
	assert.Equal(t, 1, rep.Undecodable)

	l3 := openTestLog(t, dir, quietOptions())
	recs, err := l3.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []ir.ContentHash{a.Hash, b.Hash}, ir.Hashes(recs))
}

func TestPendingRecordsStayHidden(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), quietOptions())

	a := ir.MustNewRecord("doc", []byte("a"))
	b := ir.MustNewRecord("doc", []byte("b"), a.Hash)
	appendAll(t, l, b)

	recs, err := l.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, recs)

	unfolded, err := l.Unfolded(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, unfolded, 1)

	appendAll(t, l, a)
	recs, err = l.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSnapshotDeleteFoldedRewritesLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := ir.NewClockFunc(func() time.Time { return time.UnixMilli(5000) })

	a := ir.MustNewRecord("doc", []byte("a"))
	b := ir.MustNewRecord("doc", []byte("b"), a.Hash)
	other := ir.MustNewRecord("other", []byte("x"))
	missing := ir.MustNewRecord("doc", []byte("missing"))
	pending := ir.MustNewRecord("doc", []byte("pending"), missing.Hash)

	opts := quietOptions()
	opts.Clock = clock
	l, err := Open(dir, opts)
	require.NoError(t, err)
	appendAll(t, l, a, other, b, pending)

	snap := ir.Snapshot{
		DocumentID:  "doc",
		State:       []byte("folded"),
		CoveredUpTo: 5002,
		Folded:      []ir.ContentHash{b.Hash, a.Hash},
	}
	require.NoError(t, l.PutSnapshot(ctx, snap))

	n, err := l.DeleteFolded(ctx, "doc", snap.CoveredUpTo)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	has, err := l.Has(ctx, a.Hash)
	require.NoError(t, err)
	assert.True(t, has, "folded hashes still count as present")

	out, err := l.Append(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, ir.Duplicate, out)
	require.NoError(t, l.Close())

	rep, err := Check(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Records, "log keeps only the other document and the pending record")

	l2 := openTestLog(t, dir, quietOptions())
	got, ok, err := l2.Snapshot(ctx, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("folded"), got.State)
	assert.Equal(t, ir.NormalizeHashes([]ir.ContentHash{a.Hash, b.Hash}), got.Folded)

	unfolded, err := l2.Unfolded(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []ir.ContentHash{pending.Hash}, ir.Hashes(unfolded))

	docs, err := l2.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ir.DocumentID{"doc", "other"}, docs)

	// New stamps exceed the snapshot boundary after restart.
	c := ir.MustNewRecord("doc", []byte("c"), b.Hash)
	appendAll(t, l2, c)
	recs, err := l2.RecordsFor(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, []ir.ContentHash{c.Hash}, ir.Hashes(recs))
	assert.Greater(t, recs[0].CreatedAt, snap.CoveredUpTo)
}

func TestSyncEveryAppend(t *testing.T) {
	opts := quietOptions()
	opts.SyncEveryAppend = true
	l := openTestLog(t, t.TempDir(), opts)

	appendAll(t, l, ir.MustNewRecord("doc", []byte("a")))
	assert.False(t, l.PendingWrites())
}

func TestClosedLog(t *testing.T) {
	l, err := Open(t.TempDir(), quietOptions())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Append(context.Background(), ir.MustNewRecord("doc", []byte("a")))
	assert.ErrorIs(t, err, ErrClosed)
}
