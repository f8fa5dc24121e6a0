package transport

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/autowiki/internal/auth"
	"github.com/roach88/autowiki/internal/metrics"
)

// Server is the http.Handler peers connect to. It checks the key query
// parameter before upgrading; a mismatch is answered with 401 and the
// connection never becomes a websocket.
type Server struct {
	secret   auth.Secret
	handler  Handler
	settings Settings
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// NewServer creates a server that verifies peers against secret and hands
// accepted connections to h.
func NewServer(secret auth.Secret, h Handler, settings Settings, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	settings = settings.withDefaults()
	return &Server{
		secret:   secret,
		handler:  h,
		settings: settings,
		logger:   logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			// Peers are not browsers sharing cookies; the secret is the
			// only credential.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
}

// ServeHTTP authenticates and upgrades a peer connection, then serves it
// until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if !s.secret.Verify(key) {
		metrics.AuthFailuresTotal.Inc()
		s.logger.Warn("rejected peer", "remote", r.RemoteAddr, "reason", "bad key")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws, r.RemoteAddr, s.settings, s.logger)
	if !s.track(c) {
		c.Close()
		return
	}
	defer s.untrack(c)

	s.logger.Info("peer connected", "conn", c.ID(), "remote", r.RemoteAddr)
	s.handler.OnOpen(c)
	err = c.serve(s.handler)
	s.logger.Info("peer disconnected", "conn", c.ID(), "remote", r.RemoteAddr, "error", err)
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// CloseAll closes every open connection and refuses new ones.
// http.Server.Shutdown does not touch hijacked connections.
func (s *Server) CloseAll() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Mux returns a ServeMux with the server mounted at Path.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(Path, s)
	return mux
}
