package compactor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/queue"
)

// Target runs compaction for a document inside its critical section.
type Target interface {
	Compact(ctx context.Context, doc ir.DocumentID) (Result, error)
	Documents(ctx context.Context) ([]ir.DocumentID, error)
}

// Worker compacts documents in the background. Requests are processed in
// FIFO order and coalesce per document; a periodic sweep covers documents
// nobody asked about.
type Worker struct {
	target   Target
	interval time.Duration
	logger   *slog.Logger

	requests *queue.Queue[ir.DocumentID]
	mu       sync.Mutex
	queued   map[ir.DocumentID]bool
}

// NewWorker creates a worker. An interval of zero disables the sweep.
func NewWorker(target Target, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		target:   target,
		interval: interval,
		logger:   logger,
		requests: queue.New[ir.DocumentID](),
		queued:   make(map[ir.DocumentID]bool),
	}
}

// Request asks for doc to be compacted. It never blocks. Repeated requests
// for a document already queued are dropped.
func (w *Worker) Request(doc ir.DocumentID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queued[doc] {
		return
	}
	if w.requests.Push(doc) {
		w.queued[doc] = true
	}
}

// Run processes requests until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	defer w.requests.Close()

	var tick <-chan time.Time
	if w.interval > 0 {
		t := time.NewTicker(w.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		w.drain(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-w.requests.Wait():
		case <-tick:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		doc, ok := w.requests.TryPop()
		if !ok {
			return
		}
		w.mu.Lock()
		delete(w.queued, doc)
		w.mu.Unlock()
		w.compact(ctx, doc)
	}
}

func (w *Worker) sweep(ctx context.Context) {
	docs, err := w.target.Documents(ctx)
	if err != nil {
		w.logger.Warn("compaction sweep failed", "error", err)
		return
	}
	for _, doc := range docs {
		w.Request(doc)
	}
}

func (w *Worker) compact(ctx context.Context, doc ir.DocumentID) {
	res, err := w.target.Compact(ctx, doc)
	if err != nil {
		// Nothing was deleted; the next trigger retries.
		w.logger.Error("compaction failed", "doc", doc, "error", err)
		return
	}
	if !res.Skipped {
		w.logger.Debug("background compaction", "doc", doc, "folded", res.Folded)
	}
}
