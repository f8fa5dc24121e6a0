package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/autowiki/internal/auth"
	"github.com/roach88/autowiki/internal/compactor"
	"github.com/roach88/autowiki/internal/config"
	"github.com/roach88/autowiki/internal/metrics"
	"github.com/roach88/autowiki/internal/replica"
	"github.com/roach88/autowiki/internal/replication"
	"github.com/roach88/autowiki/internal/transport"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay server",
		Long: `Run a relay server peers sync with.

The server accepts websocket connections at /_changes from peers presenting
the shared secret, printed at startup. Configured peers are dialed too, so
relays can chain. Pending writes are flushed on an interval and on shutdown.

Examples:
  autowiki serve
  autowiki serve --listen :8080
  PORT=8080 AUTOWIKI_PERSISTENCE_DIR=/var/lib/autowiki autowiki serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	logger := opts.logger(cmd.ErrOrStderr())

	secret, created, err := auth.LoadOrCreate(cfg.SecretPath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load peer secret", err)
	}
	if created {
		logger.Info("generated peer secret", "path", cfg.SecretPath())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Peer key is %s\n", secret.Reveal())

	r, err := openReplica(cfg, logger)
	if err != nil {
		return err
	}
	defer closeReplica(r, logger)

	worker := compactor.NewWorker(r, cfg.Compaction.Interval.Std(), logger)
	r.SetCompactionRequester(worker)

	hub := replication.NewHub(r, cfg.HandshakeTimeout.Std(), logger)
	srv := transport.NewServer(secret, hub, cfg.TransportSettings(), logger)
	mux := srv.Mux()
	if cfg.Metrics {
		mux.Handle("/metrics", metricsHandler())
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.HandshakeTimeout.Std(),
	}
	logger.Info("serving", "addr", ln.Addr().String(), "store", cfg.Store, "data_dir", cfg.DataDir)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not covered by Shutdown.
		srv.CloseAll()
		if err := hub.Close(); err != nil {
			logger.Warn("sync sessions did not stop", "error", err)
		}
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return flushLoop(gctx, r, cfg.FlushInterval.Std(), logger) })

	if len(cfg.Peers) > 0 {
		client, err := newClient(r, cfg, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCanceled(client.Run(gctx)) })
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server failed", err)
	}
	logger.Info("server stopped")
	return nil
}

// flushLoop makes pending writes durable every interval until ctx is done.
func flushLoop(ctx context.Context, r *replica.Replica, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if !r.PendingWrites() {
				continue
			}
			if err := r.Flush(ctx); err != nil {
				logger.Error("flush failed", "error", err)
			}
		}
	}
}

// newClient builds a sync client for the configured peers.
func newClient(r *replica.Replica, cfg config.Config, logger *slog.Logger) (*replication.Client, error) {
	peers, err := cfg.PeerAddresses()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid peer address", err)
	}
	return replication.NewClient(r, replication.ClientOptions{
		Peers:    peers,
		Settings: cfg.TransportSettings(),
		Backoff:  cfg.Backoff(),
		Logger:   logger,
		OnAggregate: func(l replication.Liveness) {
			logger.Info("sync state", "state", l)
		},
		OnRejected: func(peer string, err error) {
			logger.Error("peer rejected our key", "peer", peer, "error", err)
		},
	}), nil
}

// metricsHandler serves the autowiki collectors plus the Go runtime ones.
func metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		panic(err)
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
