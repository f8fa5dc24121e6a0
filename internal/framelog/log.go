// Package framelog is the file-backed change record store used by the
// relay server.
//
// Records are appended to a single log file as length-prefixed JSON frames.
// Snapshots are separate files replaced atomically. The whole index lives
// in memory and is rebuilt by replaying the log on Open.
package framelog

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/metrics"
)

const (
	logFile     = "changes.log"
	snapshotDir = "snapshots"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("framelog closed")

// Options configures a Log.
type Options struct {
	// SyncEveryAppend flushes and fsyncs after every append.
	SyncEveryAppend bool

	// Clock stamps CreatedAt. Defaults to ir.NewClock().
	Clock *ir.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnTruncate is called when replay drops a torn tail.
	OnTruncate func(droppedBytes int64)
}

// Log is the framed-log record store.
//
// Thread-safety: Log is safe for concurrent use. Appends and compaction
// take the write lock; reads share the read lock.
type Log struct {
	dir    string
	opts   Options
	logger *slog.Logger
	clock  *ir.Clock

	mu        sync.RWMutex
	f         *os.File
	w         *bufio.Writer
	unflushed int
	closed    bool

	records   map[ir.ContentHash]ir.ChangeRecord
	byDoc     map[ir.DocumentID][]ir.ContentHash
	snapshots map[ir.DocumentID]ir.Snapshot
	folded    map[ir.ContentHash]ir.DocumentID
}

func logPath(dir string) string { return filepath.Join(dir, logFile) }

// Open opens or creates the log in dir, loading snapshots and replaying
// the log. A torn final frame is truncated away with a warning.
func Open(dir string, opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = ir.NewClock()
	}
	if err := os.MkdirAll(filepath.Join(dir, snapshotDir), 0o755); err != nil {
		return nil, fmt.Errorf("open framelog: %w", err)
	}

	l := &Log{
		dir:       dir,
		opts:      opts,
		logger:    opts.Logger,
		clock:     opts.Clock,
		records:   make(map[ir.ContentHash]ir.ChangeRecord),
		byDoc:     make(map[ir.DocumentID][]ir.ContentHash),
		snapshots: make(map[ir.DocumentID]ir.Snapshot),
		folded:    make(map[ir.ContentHash]ir.DocumentID),
	}

	if err := l.loadSnapshots(); err != nil {
		return nil, fmt.Errorf("open framelog: %w", err)
	}
	if err := l.replay(); err != nil {
		return nil, fmt.Errorf("open framelog: %w", err)
	}

	f, err := os.OpenFile(logPath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open framelog: %w", err)
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	return l, nil
}

func (l *Log) replay() error {
	path := logPath(l.dir)
	var kept, skipped int
	res, err := scanFile(path, func(rec ir.ChangeRecord, derr error) {
		if derr != nil {
			skipped++
			l.logger.Error("skipping undecodable frame", "error", derr)
			return
		}
		l.clock.Observe(rec.CreatedAt)
		if _, ok := l.folded[rec.Hash]; ok {
			return
		}
		if _, ok := l.records[rec.Hash]; ok {
			return
		}
		l.index(rec)
		kept++
	})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	if res.torn() {
		dropped := res.size - res.validEnd
		l.logger.Warn("truncating torn log tail",
			"path", path,
			"valid_bytes", res.validEnd,
			"dropped_bytes", dropped)
		if err := os.Truncate(path, res.validEnd); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
		metrics.LogTruncationsTotal.Inc()
		if l.opts.OnTruncate != nil {
			l.opts.OnTruncate(dropped)
		}
	}

	l.logger.Debug("replayed change log",
		"records", kept,
		"skipped", skipped,
		"snapshots", len(l.snapshots))
	return nil
}

func (l *Log) index(rec ir.ChangeRecord) {
	l.records[rec.Hash] = rec
	l.byDoc[rec.DocumentID] = append(l.byDoc[rec.DocumentID], rec.Hash)
}

// Append stamps and appends a record. The frame is buffered unless
// SyncEveryAppend is set; Flush makes buffered frames durable.
func (l *Log) Append(ctx context.Context, rec ir.ChangeRecord) (ir.AppendOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if _, ok := l.folded[rec.Hash]; ok {
		return ir.Duplicate, nil
	}
	if _, ok := l.records[rec.Hash]; ok {
		return ir.Duplicate, nil
	}

	rec.Dependencies = ir.NormalizeHashes(append([]ir.ContentHash(nil), rec.Dependencies...))
	rec.Payload = append([]byte(nil), rec.Payload...)
	rec.CreatedAt = l.clock.Next()

	data, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}
	if err := writeFrame(l.w, data); err != nil {
		return 0, fmt.Errorf("append %s: %w", rec.Hash, err)
	}
	if l.opts.SyncEveryAppend {
		if err := l.flushLocked(); err != nil {
			return 0, fmt.Errorf("append %s: %w", rec.Hash, err)
		}
	} else {
		l.unflushed++
	}

	l.index(rec)
	return ir.Stored, nil
}

// Flush writes buffered frames and fsyncs the log file.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	l.unflushed = 0
	return nil
}

// PendingWrites reports whether appended frames await Flush.
func (l *Log) PendingWrites() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unflushed > 0
}

// Close flushes and closes the log. Close is idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	flushErr := l.flushLocked()
	closeErr := l.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// snapshotPath maps a document id to a file name safe on any filesystem.
func (l *Log) snapshotPath(doc ir.DocumentID) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(doc)) + ".json"
	return filepath.Join(l.dir, snapshotDir, name)
}

func (l *Log) loadSnapshots() error {
	entries, err := os.ReadDir(filepath.Join(l.dir, snapshotDir))
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(l.dir, snapshotDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", e.Name(), err)
		}
		var snap ir.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode snapshot %s: %w", e.Name(), err)
		}
		l.snapshots[snap.DocumentID] = snap
		for _, h := range snap.Folded {
			l.folded[h] = snap.DocumentID
		}
		l.clock.Observe(snap.CoveredUpTo)
	}
	return nil
}

// PutSnapshot durably replaces the document's snapshot file. Folded
// records stay in the log until DeleteFolded.
func (l *Log) PutSnapshot(ctx context.Context, snap ir.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	snap.Folded = ir.NormalizeHashes(append([]ir.ContentHash(nil), snap.Folded...))
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.DocumentID, err)
	}
	err = safeWrite(l.snapshotPath(snap.DocumentID), 0o644, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.DocumentID, err)
	}

	l.snapshots[snap.DocumentID] = snap
	for _, h := range snap.Folded {
		l.folded[h] = snap.DocumentID
	}
	return nil
}

// DeleteFolded drops the document's folded records stamped at or before
// coveredUpTo, then rewrites the log without them. The rewrite replaces
// the file atomically; a crash leaves either the old or the new log.
func (l *Log) DeleteFolded(ctx context.Context, doc ir.DocumentID, coveredUpTo ir.Timestamp) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	var keep []ir.ContentHash
	var deleted []ir.ContentHash
	for _, h := range l.byDoc[doc] {
		rec := l.records[h]
		if _, folded := l.folded[h]; folded && rec.CreatedAt <= coveredUpTo {
			deleted = append(deleted, h)
			continue
		}
		keep = append(keep, h)
	}
	if len(deleted) == 0 {
		return 0, nil
	}

	if err := l.flushLocked(); err != nil {
		return 0, fmt.Errorf("delete folded %s: %w", doc, err)
	}

	survivors := make([]ir.ChangeRecord, 0, len(l.records)-len(deleted))
	dropped := make(map[ir.ContentHash]bool, len(deleted))
	for _, h := range deleted {
		dropped[h] = true
	}
	for h, rec := range l.records {
		if !dropped[h] {
			survivors = append(survivors, rec)
		}
	}
	// CreatedAt is strictly increasing, so this is append order.
	sort.Slice(survivors, func(i, j int) bool { return survivors[i].CreatedAt < survivors[j].CreatedAt })

	if err := l.rewrite(survivors); err != nil {
		return 0, fmt.Errorf("delete folded %s: %w", doc, err)
	}

	for _, h := range deleted {
		delete(l.records, h)
	}
	if len(keep) == 0 {
		delete(l.byDoc, doc)
	} else {
		l.byDoc[doc] = keep
	}
	return len(deleted), nil
}

// rewrite replaces the log file with recs and reopens the append handle.
func (l *Log) rewrite(recs []ir.ChangeRecord) error {
	path := logPath(l.dir)
	err := safeWrite(path, 0o644, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		for _, rec := range recs {
			data, err := encodeRecord(rec)
			if err != nil {
				return err
			}
			if err := writeFrame(bw, data); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
	if err != nil {
		return fmt.Errorf("rewrite log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log: %w", err)
	}
	l.f.Close()
	l.f = f
	l.w = bufio.NewWriter(f)
	return nil
}
