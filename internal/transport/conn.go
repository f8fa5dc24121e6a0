package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one open websocket to a peer.
//
// Thread-safety: Send and Close are safe for concurrent use.
type Conn struct {
	id       string
	peer     string
	ws       *websocket.Conn
	settings Settings
	logger   *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, peer string, settings Settings, logger *slog.Logger) *Conn {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Conn{
		id:       id.String(),
		peer:     peer,
		ws:       ws,
		settings: settings,
		logger:   logger.With("conn", id.String(), "peer", peer),
		done:     make(chan struct{}),
	}
}

// ID identifies the connection in logs.
func (c *Conn) ID() string { return c.id }

// Peer is the remote address or configured peer name.
func (c *Conn) Peer() string { return c.peer }

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes msg as one binary message. A zero-length msg is sent as an
// empty binary message.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(c.settings.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		// A websocket write deadline cannot be recovered from.
		c.Close()
		return err
	}
	return nil
}

// Close closes the connection. Close is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// serve runs the read and keepalive loops until the connection closes,
// dispatching to h. It returns the error that ended the connection.
func (c *Conn) serve(h Handler) error {
	c.ws.SetReadLimit(c.settings.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	})

	go c.keepalive()

	var readErr error
	for {
		messageType, msg, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))

		switch messageType {
		case websocket.BinaryMessage:
			h.OnMessage(c, msg)
		default:
			c.logger.Debug("ignoring non-binary message", "type", messageType)
		}
	}

	select {
	case <-c.done:
		// Closed locally; the read error is the consequence.
		readErr = nil
	default:
		if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			readErr = nil
		}
	}
	c.Close()
	h.OnClose(c, readErr)
	return readErr
}

func (c *Conn) keepalive() {
	t := time.NewTicker(c.settings.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug("ping failed", "error", err)
				}
				c.Close()
				return
			}
		}
	}
}
