// Package compactor folds a document's change records into a snapshot and
// deletes the folded records once the snapshot is durable.
package compactor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/autowiki/internal/causal"
	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/merge"
	"github.com/roach88/autowiki/internal/metrics"
)

// DefaultThreshold is the number of unfolded records a document may hold
// before compaction folds them.
const DefaultThreshold = 100

// Store is the slice of the record store compaction needs.
type Store interface {
	Snapshot(ctx context.Context, doc ir.DocumentID) (ir.Snapshot, bool, error)
	RecordsFor(ctx context.Context, doc ir.DocumentID) ([]ir.ChangeRecord, error)
	PutSnapshot(ctx context.Context, snap ir.Snapshot) error
	DeleteFolded(ctx context.Context, doc ir.DocumentID, coveredUpTo ir.Timestamp) (int, error)
}

// Result reports what a compaction did.
type Result struct {
	Skipped     bool
	Folded      int
	Deleted     int
	CoveredUpTo ir.Timestamp
}

// Compactor folds records into snapshots.
//
// Compact must run inside the document's critical section; it does not
// lock on its own.
type Compactor struct {
	Store     Store
	Engine    merge.Engine
	Threshold int
	Logger    *slog.Logger
}

func (c *Compactor) threshold() int {
	if c.Threshold <= 0 {
		return DefaultThreshold
	}
	return c.Threshold
}

func (c *Compactor) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Compact folds the document's visible unfolded records into its snapshot
// when their count exceeds the threshold.
//
// The snapshot is written before anything is deleted. If the snapshot
// write fails nothing is deleted; if the delete fails the records stay
// and are hidden by the folded set until the next run removes them.
func (c *Compactor) Compact(ctx context.Context, doc ir.DocumentID) (res Result, err error) {
	defer func() {
		switch {
		case err != nil:
			metrics.CompactionsTotal.WithLabelValues(metrics.Fail).Inc()
		case res.Skipped:
			metrics.CompactionsTotal.WithLabelValues(metrics.Skipped).Inc()
		default:
			metrics.CompactionsTotal.WithLabelValues(metrics.Ok).Inc()
		}
	}()

	prev, hasSnap, err := c.Store.Snapshot(ctx, doc)
	if err != nil {
		return Result{}, fmt.Errorf("compact %s: %w", doc, err)
	}
	recs, err := c.Store.RecordsFor(ctx, doc)
	if err != nil {
		return Result{}, fmt.Errorf("compact %s: %w", doc, err)
	}
	if len(recs) <= c.threshold() {
		return Result{Skipped: true}, nil
	}

	order, err := causal.Sequence(recs)
	if err != nil {
		return Result{}, fmt.Errorf("compact %s: %w", doc, err)
	}
	// A snapshot folds records for good; never fold a misordered batch.
	if err := causal.Validate(order); err != nil {
		return Result{}, fmt.Errorf("compact %s: %w", doc, err)
	}

	state := c.Engine.Empty()
	if hasSnap {
		state, err = c.Engine.Decode(prev.State)
		if err != nil {
			return Result{}, fmt.Errorf("compact %s: decode snapshot: %w", doc, err)
		}
	}
	state, err = c.Engine.Apply(state, order)
	if err != nil {
		return Result{}, fmt.Errorf("compact %s: apply: %w", doc, err)
	}
	encoded, err := c.Engine.Encode(state)
	if err != nil {
		return Result{}, fmt.Errorf("compact %s: encode: %w", doc, err)
	}

	snap := ir.Snapshot{
		DocumentID:  doc,
		State:       encoded,
		CoveredUpTo: prev.CoveredUpTo,
		Folded:      append([]ir.ContentHash(nil), prev.Folded...),
	}
	for _, r := range recs {
		if r.CreatedAt > snap.CoveredUpTo {
			snap.CoveredUpTo = r.CreatedAt
		}
		snap.Folded = append(snap.Folded, r.Hash)
	}
	snap.Folded = ir.NormalizeHashes(snap.Folded)

	if err := c.Store.PutSnapshot(ctx, snap); err != nil {
		return Result{}, fmt.Errorf("compact %s: write snapshot: %w", doc, err)
	}

	res = Result{Folded: len(recs), CoveredUpTo: snap.CoveredUpTo}
	res.Deleted, err = c.Store.DeleteFolded(ctx, doc, snap.CoveredUpTo)
	if err != nil {
		return res, fmt.Errorf("compact %s: delete folded: %w", doc, err)
	}

	c.logger().Info("compacted document",
		"doc", doc,
		"folded", res.Folded,
		"deleted", res.Deleted,
		"covered_up_to", res.CoveredUpTo)
	return res, nil
}
