package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/roach88/autowiki/internal/framelog"
	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/merge"
	"github.com/roach88/autowiki/internal/replica"
	"github.com/roach88/autowiki/internal/replication"
	"github.com/roach88/autowiki/internal/store"
	"github.com/roach88/autowiki/internal/testutil"
)

// DefaultTimeout bounds each wait_synced step.
const DefaultTimeout = 5 * time.Second

// epoch is the first CreatedAt reading of every run.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Options configures Run.
type Options struct {
	// Dir holds the replicas' data. Required; each replica gets a
	// subdirectory named after it.
	Dir string

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

type node struct {
	spec ReplicaSpec
	dir  string
	r    *replica.Replica
}

// link is a session pair between two replicas.
type link struct {
	client, server string
	pipe           *testutil.PipeEnd
	cs, ss         *replication.Session
	closed         bool
}

func (l *link) close() {
	if l.closed {
		return
	}
	l.pipe.Close()
	<-l.cs.Done()
	<-l.ss.Done()
	l.closed = true
}

func linkKey(client, server string) string { return client + "->" + server }

// Harness holds the replicas and connections of one scenario run.
type Harness struct {
	opts  Options
	clock *testutil.StepClock
	nodes map[string]*node
	order []string
	links map[string]*link
}

// Run executes a scenario:
//  1. Open every replica in its own directory under opts.Dir
//  2. Execute the steps in order, recording a trace
//  3. Evaluate assertions against the final state
//  4. Close every connection and replica
//
// A step that cannot execute returns an error. Failed assertions are
// reported in the result.
func Run(ctx context.Context, s *Scenario, opts Options) (*Result, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("harness: Dir is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Harness{
		opts:  opts,
		clock: testutil.NewStepClock(epoch, time.Millisecond),
		nodes: make(map[string]*node),
		links: make(map[string]*link),
	}
	defer h.teardown()

	for _, spec := range s.Replicas {
		n := &node{spec: spec, dir: filepath.Join(opts.Dir, spec.Name)}
		if err := h.open(ctx, n); err != nil {
			return nil, fmt.Errorf("open replica %s: %w", spec.Name, err)
		}
		h.nodes[spec.Name] = n
		h.order = append(h.order, spec.Name)
	}

	result := NewResult()
	for i, st := range s.Steps {
		ev, err := h.execute(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, st.Action, err)
		}
		ev.Step = i
		result.Trace = append(result.Trace, ev)
	}

	for _, msg := range h.evaluate(ctx, s.Assertions) {
		result.AddError(msg)
	}

	for _, name := range h.order {
		docs, err := h.capture(ctx, h.nodes[name].r)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", name, err)
		}
		result.State[name] = docs
	}
	return result, nil
}

func (h *Harness) open(ctx context.Context, n *node) error {
	var st replica.RecordStore
	switch n.spec.Store {
	case StoreFramelog:
		l, err := framelog.Open(n.dir, framelog.Options{Clock: h.clock.Clock(), Logger: h.opts.Logger})
		if err != nil {
			return err
		}
		st = l
	default:
		if err := os.MkdirAll(n.dir, 0o755); err != nil {
			return err
		}
		s, err := store.Open(filepath.Join(n.dir, "replica.db"),
			store.WithClock(h.clock.Clock()),
			store.WithLogger(h.opts.Logger))
		if err != nil {
			return err
		}
		st = s
	}

	r, err := replica.New(st, replica.Options{
		CompactionThreshold: n.spec.CompactionThreshold,
		Logger:              h.opts.Logger,
	})
	if err != nil {
		st.Close()
		return err
	}
	n.r = r
	return nil
}

func (h *Harness) teardown() {
	for _, l := range h.links {
		l.close()
	}
	for _, n := range h.nodes {
		if n.r != nil {
			n.r.Close()
		}
	}
}

func (h *Harness) execute(ctx context.Context, st Step) (TraceEvent, error) {
	ev := TraceEvent{Action: st.Action, Replica: st.Replica, Peer: st.Peer, Doc: st.Doc}
	n := h.nodes[st.Replica]

	switch st.Action {
	case ActionEdit:
		payload, err := editPayload(st)
		if err != nil {
			return ev, err
		}
		if _, err := n.r.SubmitEdit(ctx, ir.DocumentID(st.Doc), payload, nil); err != nil {
			return ev, err
		}
		ev.Writes = len(st.Set) + len(st.Delete)

	case ActionConnect:
		if l, ok := h.links[linkKey(st.Replica, st.Peer)]; ok && !l.closed {
			return ev, fmt.Errorf("%s is already connected to %s", st.Replica, st.Peer)
		}
		h.connect(n, h.nodes[st.Peer])

	case ActionDisconnect:
		l, err := h.openLink(st.Replica, st.Peer)
		if err != nil {
			return ev, err
		}
		l.close()
		ev.Liveness = l.cs.Liveness().String()

	case ActionWaitSynced:
		l, err := h.openLink(st.Replica, st.Peer)
		if err != nil {
			return ev, err
		}
		if err := h.waitSynced(ctx, l); err != nil {
			return ev, err
		}
		ev.Liveness = l.cs.Liveness().String()

	case ActionCompact:
		res, err := n.r.Compact(ctx, ir.DocumentID(st.Doc))
		if err != nil {
			return ev, err
		}
		ev.Folded, ev.Deleted = res.Folded, res.Deleted

	case ActionRestart:
		for _, l := range h.links {
			if l.client == st.Replica || l.server == st.Replica {
				l.close()
			}
		}
		if err := n.r.Close(); err != nil {
			return ev, fmt.Errorf("close: %w", err)
		}
		n.r = nil
		if err := h.open(ctx, n); err != nil {
			return ev, fmt.Errorf("reopen: %w", err)
		}
		docs, err := n.r.Documents(ctx)
		if err != nil {
			return ev, err
		}
		ev.Documents = len(docs)
	}
	return ev, nil
}

// editPayload builds the LWW payload of an edit step. Set writes come
// first in key order, then deletes in the order given.
func editPayload(st Step) ([]byte, error) {
	var p merge.Payload
	for _, k := range slices.Sorted(maps.Keys(st.Set)) {
		v, err := json.Marshal(st.Set[k])
		if err != nil {
			return nil, err
		}
		p.Writes = append(p.Writes, merge.Write{Key: k, Value: v})
	}
	for _, k := range st.Delete {
		p.Writes = append(p.Writes, merge.Write{Key: k, Delete: true})
	}
	return p.Encode()
}

func (h *Harness) connect(client, server *node) {
	a, b := testutil.Pipe()
	l := &link{
		client: client.spec.Name,
		server: server.spec.Name,
		pipe:   a,
		cs: replication.NewSession(client.r, a, replication.SessionOptions{
			Side:   replication.ClientSide,
			Peer:   server.spec.Name,
			Logger: h.opts.Logger,
		}),
		ss: replication.NewSession(server.r, b, replication.SessionOptions{
			Side:   replication.ServerSide,
			Peer:   client.spec.Name,
			Logger: h.opts.Logger,
		}),
	}
	a.Attach(l.cs.Deliver, l.cs.Close)
	b.Attach(l.ss.Deliver, l.ss.Close)
	l.cs.Open()
	l.ss.Open()
	h.links[linkKey(l.client, l.server)] = l
}

func (h *Harness) openLink(client, server string) (*link, error) {
	l, ok := h.links[linkKey(client, server)]
	if !ok || l.closed {
		return nil, fmt.Errorf("%s is not connected to %s", client, server)
	}
	return l, nil
}

// waitSynced polls until both sessions report synced and both replicas
// hold the same heads for every document. Liveness alone can lag a local
// edit the session has not seen yet.
func (h *Harness) waitSynced(ctx context.Context, l *link) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if l.cs.Liveness() == replication.Synced && l.ss.Liveness() == replication.Synced {
			same, err := sameHeads(ctx, h.nodes[l.client].r, h.nodes[l.server].r)
			if err != nil {
				return err
			}
			if same {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s and %s did not sync: client %s, server %s",
				l.client, l.server, l.cs.Liveness(), l.ss.Liveness())
		case <-ticker.C:
		}
	}
}

func sameHeads(ctx context.Context, a, b *replica.Replica) (bool, error) {
	docsA, err := a.Documents(ctx)
	if err != nil {
		return false, err
	}
	docsB, err := b.Documents(ctx)
	if err != nil {
		return false, err
	}
	if !slices.Equal(sortedDocs(docsA), sortedDocs(docsB)) {
		return false, nil
	}
	for _, doc := range docsA {
		ha, err := heads(ctx, a, doc)
		if err != nil {
			return false, err
		}
		hb, err := heads(ctx, b, doc)
		if err != nil {
			return false, err
		}
		if !slices.Equal(ha, hb) {
			return false, nil
		}
	}
	return true, nil
}

func sortedDocs(docs []ir.DocumentID) []ir.DocumentID {
	out := slices.Clone(docs)
	slices.Sort(out)
	return out
}

func heads(ctx context.Context, r *replica.Replica, doc ir.DocumentID) ([]ir.ContentHash, error) {
	var out []ir.ContentHash
	err := r.View(ctx, doc, func(s merge.State) error {
		out = r.Engine().Heads(s)
		return nil
	})
	return out, err
}

// registers returns the document's live registers. String values are
// unquoted; anything else is kept as raw JSON.
func registers(ctx context.Context, r *replica.Replica, doc ir.DocumentID) (map[string]string, error) {
	out := make(map[string]string)
	err := r.View(ctx, doc, func(s merge.State) error {
		for k, raw := range (merge.LWW{}).Registers(s) {
			var str string
			if err := json.Unmarshal(raw, &str); err != nil {
				str = string(raw)
			}
			out[k] = str
		}
		return nil
	})
	return out, err
}

func (h *Harness) capture(ctx context.Context, r *replica.Replica) (map[string]map[string]string, error) {
	docs, err := r.Documents(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string, len(docs))
	for _, doc := range docs {
		regs, err := registers(ctx, r, doc)
		if err != nil {
			return nil, err
		}
		out[string(doc)] = regs
	}
	return out, nil
}
