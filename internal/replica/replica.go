// Package replica owns the local document set: it serializes local edits,
// remote batches and compaction per document, persists records before
// applying them, and notifies subscribers of state changes.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/roach88/autowiki/internal/causal"
	"github.com/roach88/autowiki/internal/compactor"
	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/merge"
	"github.com/roach88/autowiki/internal/metrics"
)

// DefaultCacheSize bounds the number of decoded document states kept in
// memory.
const DefaultCacheSize = 256

// RecordStore is the change record store the replica persists into.
type RecordStore interface {
	compactor.Store

	Append(ctx context.Context, rec ir.ChangeRecord) (ir.AppendOutcome, error)
	AllRecords(ctx context.Context) ([]ir.ChangeRecord, error)
	Unfolded(ctx context.Context, doc ir.DocumentID) ([]ir.ChangeRecord, error)
	Has(ctx context.Context, h ir.ContentHash) (bool, error)
	Documents(ctx context.Context) ([]ir.DocumentID, error)
	Flush(ctx context.Context) error
	PendingWrites() bool
	Close() error
}

// CompactionRequester accepts opportunistic compaction requests.
type CompactionRequester interface {
	Request(doc ir.DocumentID)
}

// Origin tags where a state change came from.
type Origin int

const (
	// Local changes come from SubmitEdit.
	Local Origin = iota + 1
	// Remote changes arrive from a peer.
	Remote
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// StateChange describes records newly applied to a document.
type StateChange struct {
	Document ir.DocumentID
	Origin   Origin
	Records  []ir.ChangeRecord
	Heads    []ir.ContentHash
}

// Options configures a Replica.
type Options struct {
	// Engine defaults to merge.LWW.
	Engine merge.Engine
	// CacheSize defaults to DefaultCacheSize.
	CacheSize int
	// CompactionThreshold defaults to compactor.DefaultThreshold.
	CompactionThreshold int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Replica is the owned document set.
//
// Thread-safety: all methods are safe for concurrent use. Operations on
// one document are serialized; different documents proceed in parallel.
type Replica struct {
	store     RecordStore
	engine    merge.Engine
	compactor *compactor.Compactor
	logger    *slog.Logger

	locks  *keyedMutex
	states *lru.Cache

	subMu  sync.RWMutex
	subs   map[int]func(StateChange)
	nextID int

	reqMu     sync.RWMutex
	requester CompactionRequester
}

// New creates a replica over store.
func New(store RecordStore, opts Options) (*Replica, error) {
	if opts.Engine == nil {
		opts.Engine = merge.LWW{}
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("replica: %w", err)
	}
	return &Replica{
		store:  store,
		engine: opts.Engine,
		compactor: &compactor.Compactor{
			Store:     store,
			Engine:    opts.Engine,
			Threshold: opts.CompactionThreshold,
			Logger:    opts.Logger,
		},
		logger: opts.Logger,
		locks:  newKeyedMutex(),
		states: cache,
		subs:   make(map[int]func(StateChange)),
	}, nil
}

// Engine returns the merge engine the replica applies records with.
func (r *Replica) Engine() merge.Engine { return r.engine }

// SetCompactionRequester registers where post-batch compaction requests go.
func (r *Replica) SetCompactionRequester(req CompactionRequester) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()
	r.requester = req
}

func (r *Replica) requestCompaction(doc ir.DocumentID) {
	r.reqMu.RLock()
	req := r.requester
	r.reqMu.RUnlock()
	if req != nil {
		req.Request(doc)
	}
}

// Subscribe registers fn for state changes and returns a function that
// removes it. fn runs on the goroutine that applied the change, after the
// document lock is released; it must not block.
func (r *Replica) Subscribe(fn func(StateChange)) (unsubscribe func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Replica) notify(ch StateChange) {
	r.subMu.RLock()
	fns := make([]func(StateChange), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.RUnlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// stateLocked returns the document's state, rebuilding it from snapshot
// plus visible records on a cache miss. Caller holds the document lock.
func (r *Replica) stateLocked(ctx context.Context, doc ir.DocumentID) (merge.State, error) {
	if v, ok := r.states.Get(doc); ok {
		return v.(merge.State), nil
	}

	state := r.engine.Empty()
	snap, ok, err := r.store.Snapshot(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", doc, err)
	}
	if ok {
		state, err = r.engine.Decode(snap.State)
		if err != nil {
			return nil, fmt.Errorf("load %s: decode snapshot: %w", doc, err)
		}
	}

	recs, err := r.store.RecordsFor(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", doc, err)
	}
	order, err := causal.Sequence(recs)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", doc, err)
	}
	state, err = r.engine.Apply(state, order)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", doc, err)
	}

	r.states.Add(doc, state)
	return state, nil
}

// View runs fn with the document's current state under the document lock.
// fn must not retain or modify the state.
func (r *Replica) View(ctx context.Context, doc ir.DocumentID, fn func(merge.State) error) error {
	unlock := r.locks.Lock(doc)
	defer unlock()
	state, err := r.stateLocked(ctx, doc)
	if err != nil {
		return err
	}
	return fn(state)
}

// Documents lists the documents the replica holds.
func (r *Replica) Documents(ctx context.Context) ([]ir.DocumentID, error) {
	return r.store.Documents(ctx)
}

// Records returns the document's visible, unfolded records in causal order.
func (r *Replica) Records(ctx context.Context, doc ir.DocumentID) ([]ir.ChangeRecord, error) {
	recs, err := r.store.RecordsFor(ctx, doc)
	if err != nil {
		return nil, err
	}
	return causal.Sequence(recs)
}

// Snapshot returns the document's live snapshot, if any.
func (r *Replica) Snapshot(ctx context.Context, doc ir.DocumentID) (ir.Snapshot, bool, error) {
	return r.store.Snapshot(ctx, doc)
}

// Encoded returns the document's encoded state.
func (r *Replica) Encoded(ctx context.Context, doc ir.DocumentID) ([]byte, error) {
	var out []byte
	err := r.View(ctx, doc, func(s merge.State) error {
		var err error
		out, err = r.engine.Encode(s)
		return err
	})
	return out, err
}

// SubmitEdit records a local edit. With nil deps the edit depends on the
// document's current heads. The record is durable in the store before it
// is applied.
func (r *Replica) SubmitEdit(ctx context.Context, doc ir.DocumentID, payload []byte, deps []ir.ContentHash) (ir.ChangeRecord, error) {
	unlock := r.locks.Lock(doc)
	state, err := r.stateLocked(ctx, doc)
	if err != nil {
		unlock()
		return ir.ChangeRecord{}, err
	}
	if deps == nil {
		deps = r.engine.Heads(state)
	}
	for _, d := range deps {
		if !r.engine.Has(state, d) {
			unlock()
			return ir.ChangeRecord{}, fmt.Errorf("submit edit: %w %s", merge.ErrMissingDependency, d)
		}
	}

	rec, err := ir.NewRecord(doc, payload, deps)
	if err != nil {
		unlock()
		return ir.ChangeRecord{}, fmt.Errorf("submit edit: %w", err)
	}

	out, err := r.store.Append(context.WithoutCancel(ctx), rec)
	if err != nil {
		unlock()
		return ir.ChangeRecord{}, fmt.Errorf("submit edit: %w", err)
	}
	metrics.RecordsAppendedTotal.WithLabelValues(out.String()).Inc()

	applied := []ir.ChangeRecord{rec}
	if out == ir.Duplicate {
		applied = nil
	} else if _, err := r.applyLocked(doc, state, applied); err != nil {
		unlock()
		return ir.ChangeRecord{}, fmt.Errorf("submit edit: %w", err)
	}
	heads := r.headsLocked(doc)
	unlock()

	r.logger.Debug("local edit", "doc", doc, "hash", rec.Hash, "outcome", out)
	if len(applied) > 0 {
		r.notify(StateChange{Document: doc, Origin: Local, Records: applied, Heads: heads})
		r.requestCompaction(doc)
	}
	return rec, nil
}

// BatchResult reports the outcome of ApplyRemote.
type BatchResult struct {
	Stored     int
	Duplicates int
	// Applied are the records that changed the document state, including
	// earlier pending records the batch completed.
	Applied []ir.ChangeRecord
}

// ApplyRemote persists and applies a batch of records received from a
// peer.
//
// The batch is sequenced first: a cycle rejects the whole batch with
// *causal.NotADagError. Every record must belong to doc and carry a valid
// hash. Once persistence starts it runs to completion even if ctx is
// canceled. Records whose dependencies are still missing stay pending in
// the store and are applied when a later batch completes them.
func (r *Replica) ApplyRemote(ctx context.Context, doc ir.DocumentID, recs []ir.ChangeRecord) (BatchResult, error) {
	order, err := causal.Sequence(recs)
	if err != nil {
		return BatchResult{}, fmt.Errorf("apply remote %s: %w", doc, err)
	}
	for _, rec := range order {
		if rec.DocumentID != doc {
			return BatchResult{}, fmt.Errorf("apply remote %s: record %s belongs to %s", doc, rec.Hash, rec.DocumentID)
		}
		if err := ir.Verify(rec); err != nil {
			return BatchResult{}, fmt.Errorf("apply remote %s: %w", doc, err)
		}
	}

	unlock := r.locks.Lock(doc)
	var res BatchResult

	// Load the state before persisting so records stored by this batch
	// are applied below rather than folded silently into a rebuild.
	persistCtx := context.WithoutCancel(ctx)
	state, err := r.stateLocked(persistCtx, doc)
	if err != nil {
		unlock()
		return res, fmt.Errorf("apply remote %s: %w", doc, err)
	}

	for _, rec := range order {
		out, err := r.store.Append(persistCtx, rec)
		if err != nil {
			// Records already stored stay stored; drop the cached state so
			// the next access rebuilds from the store.
			r.states.Remove(doc)
			unlock()
			return res, fmt.Errorf("apply remote %s: %w", doc, err)
		}
		metrics.RecordsAppendedTotal.WithLabelValues(out.String()).Inc()
		if out == ir.Stored {
			res.Stored++
		} else {
			res.Duplicates++
		}
	}

	var heads []ir.ContentHash
	if res.Stored > 0 {
		res.Applied, err = r.catchUpLocked(persistCtx, doc, state)
		if err != nil {
			unlock()
			return res, fmt.Errorf("apply remote %s: %w", doc, err)
		}
		heads = r.headsLocked(doc)
	}
	unlock()

	r.logger.Debug("remote batch",
		"doc", doc,
		"stored", res.Stored,
		"duplicates", res.Duplicates,
		"applied", len(res.Applied))

	if len(res.Applied) > 0 {
		r.notify(StateChange{Document: doc, Origin: Remote, Records: res.Applied, Heads: heads})
		r.requestCompaction(doc)
	}
	return res, nil
}

// catchUpLocked applies every visible record the state does not reflect.
func (r *Replica) catchUpLocked(ctx context.Context, doc ir.DocumentID, state merge.State) ([]ir.ChangeRecord, error) {
	visible, err := r.store.RecordsFor(ctx, doc)
	if err != nil {
		return nil, err
	}
	var missing []ir.ChangeRecord
	for _, rec := range visible {
		if !r.engine.Has(state, rec.Hash) {
			missing = append(missing, rec)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	order, err := causal.Sequence(missing)
	if err != nil {
		return nil, err
	}
	return r.applyLocked(doc, state, order)
}

func (r *Replica) applyLocked(doc ir.DocumentID, state merge.State, order []ir.ChangeRecord) ([]ir.ChangeRecord, error) {
	next, err := r.engine.Apply(state, order)
	if err != nil {
		// Apply validates before mutating, but the cache must not serve
		// a state of unknown shape.
		r.states.Remove(doc)
		return nil, err
	}
	r.states.Add(doc, next)
	return order, nil
}

func (r *Replica) headsLocked(doc ir.DocumentID) []ir.ContentHash {
	if v, ok := r.states.Get(doc); ok {
		return r.engine.Heads(v.(merge.State))
	}
	return nil
}

// Compact runs compaction for doc inside its critical section.
func (r *Replica) Compact(ctx context.Context, doc ir.DocumentID) (compactor.Result, error) {
	unlock := r.locks.Lock(doc)
	defer unlock()
	return r.compactor.Compact(ctx, doc)
}

// Flush makes pending store writes durable.
func (r *Replica) Flush(ctx context.Context) error {
	return r.store.Flush(ctx)
}

// PendingWrites reports whether the store holds writes Flush has not made
// durable.
func (r *Replica) PendingWrites() bool {
	return r.store.PendingWrites()
}

// Close flushes and closes the store.
func (r *Replica) Close() error {
	var errs []error
	if r.store.PendingWrites() {
		if err := r.store.Flush(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
