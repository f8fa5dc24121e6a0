package framelog

import (
	"context"
	"sort"

	"github.com/roach88/autowiki/internal/ir"
)

// unfoldedLocked returns the document's records not folded into its
// snapshot, in append order.
func (l *Log) unfoldedLocked(doc ir.DocumentID) []ir.ChangeRecord {
	out := []ir.ChangeRecord{}
	for _, h := range l.byDoc[doc] {
		if _, folded := l.folded[h]; folded {
			continue
		}
		out = append(out, l.records[h])
	}
	return out
}

func (l *Log) foldedSetLocked(doc ir.DocumentID) map[ir.ContentHash]bool {
	return l.snapshots[doc].FoldedSet()
}

// Unfolded returns the document's unfolded records, including pending ones.
func (l *Log) Unfolded(ctx context.Context, doc ir.DocumentID) ([]ir.ChangeRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	return l.unfoldedLocked(doc), nil
}

// RecordsFor returns the document's unfolded records whose dependencies
// are all visible, in append order.
func (l *Log) RecordsFor(ctx context.Context, doc ir.DocumentID) ([]ir.ChangeRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	visible, _ := ir.SplitVisible(l.unfoldedLocked(doc), l.foldedSetLocked(doc))
	if visible == nil {
		visible = []ir.ChangeRecord{}
	}
	return visible, nil
}

// AllRecords returns the visible records of every document.
func (l *Log) AllRecords(ctx context.Context) ([]ir.ChangeRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	out := []ir.ChangeRecord{}
	for _, doc := range l.documentsLocked() {
		visible, _ := ir.SplitVisible(l.unfoldedLocked(doc), l.foldedSetLocked(doc))
		out = append(out, visible...)
	}
	return out, nil
}

// Has reports whether a record is stored or folded into a snapshot.
func (l *Log) Has(ctx context.Context, h ir.ContentHash) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false, ErrClosed
	}
	if _, ok := l.records[h]; ok {
		return true, nil
	}
	_, ok := l.folded[h]
	return ok, nil
}

// Documents returns the sorted ids of documents with records or a snapshot.
func (l *Log) Documents(ctx context.Context) ([]ir.DocumentID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}
	return l.documentsLocked(), nil
}

func (l *Log) documentsLocked() []ir.DocumentID {
	seen := make(map[ir.DocumentID]bool, len(l.byDoc)+len(l.snapshots))
	for d := range l.byDoc {
		seen[d] = true
	}
	for d := range l.snapshots {
		seen[d] = true
	}
	docs := make([]ir.DocumentID, 0, len(seen))
	for d := range seen {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i] < docs[j] })
	return docs
}

// Snapshot returns the document's snapshot, if any.
func (l *Log) Snapshot(ctx context.Context, doc ir.DocumentID) (ir.Snapshot, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ir.Snapshot{}, false, ErrClosed
	}
	snap, ok := l.snapshots[doc]
	if !ok {
		return ir.Snapshot{}, false, nil
	}
	snap.State = append([]byte(nil), snap.State...)
	snap.Folded = append([]ir.ContentHash(nil), snap.Folded...)
	return snap, true, nil
}
