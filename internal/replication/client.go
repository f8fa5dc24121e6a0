package replication

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/autowiki/internal/transport"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	Peers    []transport.PeerAddress
	Settings transport.Settings
	Backoff  transport.Backoff
	Logger   *slog.Logger

	// OnPeerLiveness, if set, is called when a peer's liveness changes.
	OnPeerLiveness func(peer string, l Liveness)
	// OnAggregate, if set, is called when the combined liveness changes.
	OnAggregate func(l Liveness)
	// OnRejected, if set, is called when a peer refuses our secret.
	OnRejected func(peer string, err error)
}

// Client keeps a replica synchronized with a fixed set of relay peers,
// one reconnecting connection per peer.
type Client struct {
	replica Replica
	opts    ClientOptions
	logger  *slog.Logger

	mu        sync.Mutex
	liveness  map[string]Liveness
	aggregate Liveness
}

// NewClient creates a client for r. Nothing is dialed until Run.
func NewClient(r Replica, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		replica:  r,
		opts:     opts,
		logger:   opts.Logger,
		liveness: make(map[string]Liveness, len(opts.Peers)),
	}
	for _, p := range opts.Peers {
		c.liveness[p.String()] = Offline
	}
	return c
}

// Run dials every peer and keeps the connections up until ctx is done.
// It returns once every session has stopped.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range c.opts.Peers {
		handler := newSessions(c.replica, ClientSide, c.opts.Settings.HandshakeTimeout, c.logger)
		handler.onLiveness = c.setPeer
		d := &transport.Dialer{
			Address:  addr,
			Handler:  handler,
			Backoff:  c.opts.Backoff,
			Settings: c.opts.Settings,
			Logger:   c.logger,
		}
		if c.opts.OnRejected != nil {
			peer := addr.String()
			d.OnRejected = func(err error) { c.opts.OnRejected(peer, err) }
		}
		g.Go(func() error {
			err := d.Run(ctx)
			if cerr := handler.closeAll(); cerr != nil {
				c.logger.Warn("sync sessions did not stop", "peer", addr.String(), "error", cerr)
			}
			return err
		})
	}
	return g.Wait()
}

// Peer returns a peer's liveness.
func (c *Client) Peer(peer string) Liveness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveness[peer]
}

// Aggregate returns the combined liveness of all peers.
func (c *Client) Aggregate() Liveness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggregate
}

func (c *Client) setPeer(peer string, l Liveness) {
	c.mu.Lock()
	c.liveness[peer] = l
	all := make([]Liveness, 0, len(c.liveness))
	for _, v := range c.liveness {
		all = append(all, v)
	}
	agg := Aggregate(all...)
	aggChanged := agg != c.aggregate
	c.aggregate = agg
	c.mu.Unlock()

	c.logger.Info("peer liveness", "peer", peer, "liveness", l)
	if c.opts.OnPeerLiveness != nil {
		c.opts.OnPeerLiveness(peer, l)
	}
	if aggChanged && c.opts.OnAggregate != nil {
		c.opts.OnAggregate(agg)
	}
}

// WaitSynced blocks until the aggregate liveness is Synced or ctx is done.
func (c *Client) WaitSynced(ctx context.Context) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if c.Aggregate() == Synced {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
