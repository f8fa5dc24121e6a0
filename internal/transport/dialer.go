package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Backoff is an exponential reconnect schedule with jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of each delay randomized, in [0,1].
	Jitter float64
}

// DefaultBackoff starts at 500ms and caps at 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < n && d < float64(b.Max); i++ {
		d *= b.Multiplier
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Dialer keeps one connection to a peer open, reconnecting with backoff
// until its context ends. Every connection is served by Handler from a
// fresh OnOpen.
type Dialer struct {
	Address  PeerAddress
	Handler  Handler
	Backoff  Backoff
	Settings Settings
	Logger   *slog.Logger

	// OnRejected, if set, is called when the peer refuses the secret.
	OnRejected func(error)
	// OnDialError, if set, is called for every failed connection attempt.
	OnDialError func(error)
}

// Run dials until ctx is done. It only returns ctx.Err().
func (d *Dialer) Run(ctx context.Context) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("peer", d.Address.String())
	settings := d.Settings.withDefaults()
	backoff := d.Backoff
	if backoff.Initial <= 0 {
		backoff = DefaultBackoff()
	}

	attempt := 0
	for {
		err := d.connect(ctx, settings, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff.Delay(attempt)
		switch {
		case err == nil:
			// The session ran; start the schedule over.
			attempt = 0
			wait = backoff.Delay(0)
		case errors.Is(err, ErrUnauthorized):
			logger.Error("peer rejected secret", "error", err)
			if d.OnRejected != nil {
				d.OnRejected(err)
			}
			wait = backoff.Max
		default:
			logger.Warn("connect failed", "error", err, "retry_in", wait)
			if d.OnDialError != nil {
				d.OnDialError(err)
			}
			attempt++
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// connect dials once and serves the connection until it closes.
func (d *Dialer) connect(ctx context.Context, settings Settings, logger *slog.Logger) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, d.Address.URL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("dial %s: %w", d.Address, ErrUnauthorized)
		}
		return fmt.Errorf("dial %s: %w", d.Address, err)
	}

	c := newConn(ws, d.Address.String(), settings, logger)
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	logger.Info("connected", "conn", c.ID())
	d.Handler.OnOpen(c)
	if err := c.serve(d.Handler); err != nil {
		logger.Info("connection lost", "conn", c.ID(), "error", err)
	}
	return nil
}
