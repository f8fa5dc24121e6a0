package replication

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/autowiki/internal/metrics"
	"github.com/roach88/autowiki/internal/transport"
)

// DefaultShutdownTimeout bounds how long closing waits for sessions to
// finish the batch they are applying.
const DefaultShutdownTimeout = 10 * time.Second

// sessions maps open connections to their sessions. It is the
// transport.Handler shared by Hub and the client's per-peer dialers.
type sessions struct {
	replica          Replica
	side             Side
	handshakeTimeout time.Duration
	logger           *slog.Logger
	// onLiveness is called with the peer name and its new liveness.
	onLiveness func(peer string, l Liveness)

	shutdownTimeout time.Duration

	mu    sync.Mutex
	byCon map[*transport.Conn]*Session
	// live holds every session whose goroutine has not exited, including
	// those whose connection already closed.
	live map[*Session]struct{}
}

func newSessions(r Replica, side Side, handshakeTimeout time.Duration, logger *slog.Logger) *sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &sessions{
		replica:          r,
		side:             side,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		shutdownTimeout:  DefaultShutdownTimeout,
		byCon:            make(map[*transport.Conn]*Session),
		live:             make(map[*Session]struct{}),
	}
}

func (h *sessions) OnOpen(c *transport.Conn) {
	peer := c.Peer()
	opts := SessionOptions{
		Side:             h.side,
		Peer:             peer,
		HandshakeTimeout: h.handshakeTimeout,
		Logger:           h.logger.With("conn", c.ID()),
	}
	if h.onLiveness != nil {
		opts.OnLiveness = func(l Liveness) { h.onLiveness(peer, l) }
	}
	s := NewSession(h.replica, c, opts)

	h.mu.Lock()
	h.byCon[c] = s
	h.live[s] = struct{}{}
	h.mu.Unlock()
	metrics.SessionsActive.Inc()

	s.Open()
	go func() {
		<-s.Done()
		h.mu.Lock()
		delete(h.live, s)
		h.mu.Unlock()
	}()
}

func (h *sessions) OnMessage(c *transport.Conn, msg []byte) {
	if s := h.lookup(c); s != nil {
		s.Deliver(msg)
	}
}

func (h *sessions) OnClose(c *transport.Conn, err error) {
	h.mu.Lock()
	s, ok := h.byCon[c]
	delete(h.byCon, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.SessionsActive.Dec()
	if err != nil {
		h.logger.Info("sync session ended", "conn", c.ID(), "error", err)
	}
	s.Close()
}

func (h *sessions) lookup(c *transport.Conn) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byCon[c]
}

func (h *sessions) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byCon)
}

// closeAll stops every session and waits up to shutdownTimeout for their
// goroutines to exit, so the replica can be closed after it returns.
func (h *sessions) closeAll() error {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.live))
	for s := range h.live {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		s.Close()
	}

	timer := time.NewTimer(h.shutdownTimeout)
	defer timer.Stop()
	for i, s := range all {
		select {
		case <-s.Done():
		case <-timer.C:
			return fmt.Errorf("%d of %d sync sessions still running after %s", len(all)-i, len(all), h.shutdownTimeout)
		}
	}
	return nil
}

// Hub is the server side: a transport.Handler that runs one session per
// accepted connection.
type Hub struct {
	*sessions
}

// NewHub creates a hub synchronizing r with every connecting peer.
func NewHub(r Replica, handshakeTimeout time.Duration, logger *slog.Logger) *Hub {
	return &Hub{sessions: newSessions(r, ServerSide, handshakeTimeout, logger)}
}

// Active reports the number of open sessions.
func (h *Hub) Active() int { return h.count() }

// Close stops every session and waits for them to exit, up to
// DefaultShutdownTimeout.
func (h *Hub) Close() error { return h.closeAll() }
