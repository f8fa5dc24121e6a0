// Package transport carries sync protocol messages over websockets: one
// binary message per protocol message, zero-length messages included.
// Keepalive uses websocket control frames so it never collides with the
// zero-length protocol marker.
package transport

import (
	"errors"
	"time"
)

// Path is the HTTP path peers upgrade on.
const Path = "/_changes"

// DefaultPort is the relay server's default listen port.
const DefaultPort = 3030

// ErrUnauthorized is reported when the server rejects the peer secret.
var ErrUnauthorized = errors.New("unauthorized")

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("connection closed")

// Settings bounds connection I/O.
type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout is how long a connection may stay silent, pongs
	// included, before it is considered dead.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	// MaxMessageSize bounds inbound messages.
	MaxMessageSize int64
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
		MaxMessageSize:   64 << 20,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = d.ReadTimeout
	}
	if s.PingInterval <= 0 {
		s.PingInterval = d.PingInterval
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = d.MaxMessageSize
	}
	return s
}

// Handler receives connection events. OnMessage calls for one connection
// are sequential; OnClose is called exactly once, last.
type Handler interface {
	OnOpen(c *Conn)
	OnMessage(c *Conn, msg []byte)
	OnClose(c *Conn, err error)
}
