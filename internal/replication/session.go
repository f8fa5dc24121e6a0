// Package replication runs sync sessions between replicas: one session
// per transport connection, exchanging engine sync messages for every
// document until both sides hold the same change sets.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/autowiki/internal/causal"
	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/merge"
	"github.com/roach88/autowiki/internal/metrics"
	"github.com/roach88/autowiki/internal/queue"
	"github.com/roach88/autowiki/internal/replica"
)

// DefaultHandshakeTimeout bounds the wait for the peer's first message.
const DefaultHandshakeTimeout = 10 * time.Second

// maxRejections is how many batches in a row a document may have rejected
// before the session gives up on the peer.
const maxRejections = 3

// State is a session's lifecycle position.
type State int

const (
	// Connecting: client side, before the connection opens.
	Connecting State = iota
	// Authenticating: server side, before the connection is accepted.
	Authenticating
	// Exchanging: sync messages are in flight.
	Exchanging
	// Idle: every document is synced with the peer.
	Idle
	// Closed: terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Exchanging:
		return "exchanging"
	case Idle:
		return "idle"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Side is which end of the connection a session runs on.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

// Conn is the message channel a session talks over. *transport.Conn
// implements it.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Replica is the document set a session synchronizes.
// *replica.Replica implements it.
type Replica interface {
	Engine() merge.Engine
	Documents(ctx context.Context) ([]ir.DocumentID, error)
	View(ctx context.Context, doc ir.DocumentID, fn func(merge.State) error) error
	ApplyRemote(ctx context.Context, doc ir.DocumentID, recs []ir.ChangeRecord) (replica.BatchResult, error)
	Subscribe(fn func(replica.StateChange)) (unsubscribe func())
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Side Side
	// Peer names the remote end in logs.
	Peer string
	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	// OnLiveness, if set, is called from the session goroutine whenever
	// the peer's liveness changes. The last call reports Offline.
	OnLiveness func(Liveness)
}

type eventKind int

const (
	evOpen eventKind = iota
	evMessage
	evLocal
)

type event struct {
	kind eventKind
	msg  []byte
	doc  ir.DocumentID
}

// Session synchronizes a replica with one peer over one connection. It is
// never reused: a reconnect gets a new Session with fresh sync state.
//
// Thread-safety: Open, Deliver, Close and the getters are safe for
// concurrent use. Events are processed by a single goroutine in arrival
// order.
type Session struct {
	replica Replica
	engine  merge.Engine
	conn    Conn
	opts    SessionOptions
	logger  *slog.Logger

	inbox  *queue.Queue[event]
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	unsub  func()

	mu       sync.Mutex
	state    State
	liveness Liveness
	started  bool

	closeOnce sync.Once

	// Owned by the session goroutine.
	syncStates map[ir.DocumentID]merge.SyncState
	rejections map[ir.DocumentID]int
	received   bool
}

// NewSession creates a session over conn. It does nothing until Open.
func NewSession(r Replica, conn Conn, opts SessionOptions) *Session {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	initial := Connecting
	if opts.Side == ServerSide {
		initial = Authenticating
	}
	return &Session{
		replica:    r,
		engine:     r.Engine(),
		conn:       conn,
		opts:       opts,
		logger:     opts.Logger.With("peer", opts.Peer),
		inbox:      queue.New[event](),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      initial,
		syncStates: make(map[ir.DocumentID]merge.SyncState),
		rejections: make(map[ir.DocumentID]int),
	}
}

// Open starts the session on an open connection: it subscribes to local
// changes, sends the initial sync messages, and arms the handshake timer.
func (s *Session) Open() {
	s.mu.Lock()
	if s.started || s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.unsub = s.replica.Subscribe(func(ch replica.StateChange) {
		s.inbox.Push(event{kind: evLocal, doc: ch.Document})
	})
	s.inbox.Push(event{kind: evOpen})
	go s.run()
}

// Deliver queues an inbound message. A zero-length msg is the synced
// marker.
func (s *Session) Deliver(msg []byte) {
	s.inbox.Push(event{kind: evMessage, msg: msg})
}

// Close stops the session. Close is idempotent. A batch that is already
// being persisted completes.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.state = Closed
		s.mu.Unlock()

		s.cancel()
		s.inbox.Close()
		if !started {
			close(s.done)
		}
	})
}

// Done is closed when the session goroutine exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Liveness returns the peer's current liveness.
func (s *Session) Liveness() Liveness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveness
}

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		if s.unsub != nil {
			s.unsub()
		}
		s.setLiveness(Offline)
	}()

	handshake := time.NewTimer(s.opts.HandshakeTimeout)
	defer handshake.Stop()

	for {
		for {
			if s.ctx.Err() != nil {
				return
			}
			ev, ok := s.inbox.TryPop()
			if !ok {
				break
			}
			if err := s.handle(ev); err != nil {
				s.logger.Warn("closing sync session", "error", err)
				s.fail()
				return
			}
			if s.received {
				handshake.Stop()
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case <-handshake.C:
			if !s.received {
				s.logger.Warn("closing sync session", "error", "handshake timeout")
				s.fail()
				return
			}
		case _, ok := <-s.inbox.Wait():
			if !ok {
				return
			}
		}
	}
}

// fail closes the session and its connection.
func (s *Session) fail() {
	s.Close()
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("close connection", "error", err)
	}
}

func (s *Session) handle(ev event) error {
	switch ev.kind {
	case evOpen:
		return s.handleOpen()
	case evMessage:
		return s.handleMessage(ev.msg)
	case evLocal:
		return s.handleLocal(ev.doc)
	}
	return nil
}

func (s *Session) handleOpen() error {
	s.setState(Exchanging)
	s.setLiveness(Behind)
	docs, err := s.replica.Documents(s.ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	for _, doc := range docs {
		if err := s.generateAndSend(doc, true); err != nil {
			return err
		}
	}
	if len(docs) == 0 {
		// Let the peer count us as heard from.
		return s.send(nil)
	}
	return nil
}

func (s *Session) handleMessage(msg []byte) error {
	s.received = true
	if len(msg) == 0 {
		metrics.SyncMessagesTotal.WithLabelValues(metrics.Inbound, metrics.Marker).Inc()
		return s.updateLiveness()
	}
	metrics.SyncMessagesTotal.WithLabelValues(metrics.Inbound, metrics.Delta).Inc()
	s.setState(Exchanging)

	env, err := decodeEnvelope(msg)
	if err != nil {
		return err
	}

	var incoming []ir.ChangeRecord
	err = s.replica.View(s.ctx, env.Doc, func(st merge.State) error {
		ss, recs, err := s.engine.ReceiveSyncMessage(st, s.syncState(env.Doc), env.Sync)
		if err != nil {
			return err
		}
		s.syncStates[env.Doc] = ss
		incoming = recs
		return nil
	})
	if err != nil {
		return fmt.Errorf("receive %s: %w", env.Doc, err)
	}

	if len(incoming) > 0 {
		res, err := s.replica.ApplyRemote(s.ctx, env.Doc, incoming)
		switch {
		case causal.IsNotADag(err), errors.Is(err, ir.ErrHashMismatch):
			// The batch is rejected as a whole. Our next summary tells the
			// peer what we lack and it sends the records again.
			s.rejections[env.Doc]++
			s.logger.Error("rejected remote batch",
				"doc", env.Doc, "records", len(incoming), "attempt", s.rejections[env.Doc], "error", err)
			if s.rejections[env.Doc] >= maxRejections {
				return fmt.Errorf("doc %s: %d batches rejected in a row: %w", env.Doc, s.rejections[env.Doc], err)
			}
		case err != nil:
			return err
		default:
			delete(s.rejections, env.Doc)
			s.logger.Debug("applied remote batch",
				"doc", env.Doc, "stored", res.Stored, "duplicates", res.Duplicates, "applied", len(res.Applied))
		}
	}

	if err := s.generateAndSend(env.Doc, true); err != nil {
		return err
	}
	return s.updateLiveness()
}

func (s *Session) handleLocal(doc ir.DocumentID) error {
	if err := s.generateAndSend(doc, false); err != nil {
		return err
	}
	return s.updateLiveness()
}

// generateAndSend sends the engine's next message for doc. With an empty
// result it sends the synced marker if marker is set, and nothing
// otherwise.
func (s *Session) generateAndSend(doc ir.DocumentID, marker bool) error {
	var out []byte
	err := s.replica.View(s.ctx, doc, func(st merge.State) error {
		ss, msg, err := s.engine.GenerateSyncMessage(st, s.syncState(doc))
		if err != nil {
			return err
		}
		s.syncStates[doc] = ss
		out = msg
		return nil
	})
	if err != nil {
		return fmt.Errorf("generate %s: %w", doc, err)
	}

	switch {
	case out != nil:
		data, err := encodeEnvelope(doc, out)
		if err != nil {
			return err
		}
		return s.send(data)
	case marker:
		return s.send(nil)
	}
	return nil
}

func (s *Session) send(data []byte) error {
	kind := metrics.Delta
	if len(data) == 0 {
		kind = metrics.Marker
		data = []byte{}
	}
	if err := s.conn.Send(s.ctx, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	metrics.SyncMessagesTotal.WithLabelValues(metrics.Outbound, kind).Inc()
	return nil
}

func (s *Session) syncState(doc ir.DocumentID) merge.SyncState {
	ss, ok := s.syncStates[doc]
	if !ok {
		ss = s.engine.NewSyncState()
		s.syncStates[doc] = ss
	}
	return ss
}

// updateLiveness recomputes the peer's liveness: synced once we have
// heard from it and every document, ours and the ones it told us about,
// matches its last summary.
func (s *Session) updateLiveness() error {
	if !s.received {
		s.setLiveness(Behind)
		return nil
	}

	docs, err := s.replica.Documents(s.ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}
	seen := make(map[ir.DocumentID]bool, len(docs))
	for _, d := range docs {
		seen[d] = true
	}
	for d := range s.syncStates {
		if !seen[d] {
			docs = append(docs, d)
		}
	}

	synced := true
	for _, doc := range docs {
		var ok bool
		err := s.replica.View(s.ctx, doc, func(st merge.State) error {
			ok = s.engine.InSync(st, s.syncState(doc))
			return nil
		})
		if err != nil {
			return fmt.Errorf("check %s: %w", doc, err)
		}
		if !ok {
			synced = false
			break
		}
	}

	if synced {
		s.setState(Idle)
		s.setLiveness(Synced)
	} else {
		s.setState(Exchanging)
		s.setLiveness(Behind)
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Closed {
		s.state = st
	}
}

func (s *Session) setLiveness(l Liveness) {
	s.mu.Lock()
	changed := s.liveness != l
	s.liveness = l
	s.mu.Unlock()

	if changed {
		s.logger.Debug("peer liveness", "liveness", l)
		if s.opts.OnLiveness != nil {
			s.opts.OnLiveness(l)
		}
	}
}
