package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/autowiki/internal/replication"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Peers   []string
	Timeout time.Duration
	Watch   bool
}

// PeerStatus is one peer's liveness after a sync.
type PeerStatus struct {
	Peer  string               `json:"peer"`
	State replication.Liveness `json:"state"`
}

// SyncResult holds the sync command result.
type SyncResult struct {
	Peers     []PeerStatus         `json:"peers"`
	Aggregate replication.Liveness `json:"aggregate"`
	Documents int                  `json:"documents"`
}

// Text implements Texter.
func (r SyncResult) Text() string {
	var b strings.Builder
	for _, p := range r.Peers {
		fmt.Fprintf(&b, "%-30s %s\n", p.Peer, p.State)
	}
	fmt.Fprintf(&b, "%d documents, %s\n", r.Documents, r.Aggregate)
	return b.String()
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the local store with relay peers",
		Long: `Connect to relay peers and exchange change records until every peer
reports the same documents, then exit. With --watch, keep syncing until
interrupted.

Exit codes:
  0 - All peers synced
  1 - Timed out before every peer was synced
  2 - Command error (no peers, store cannot be opened, etc.)

Examples:
  autowiki sync --peer s3cret@relay.example.com
  autowiki sync --timeout 1m
  autowiki sync --watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Peers, "peer", nil, "peer address [secret@]host[:port] (repeatable, overrides config)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "give up if not synced within this time")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "keep syncing until interrupted")

	return cmd
}

func runSync(ctx context.Context, opts *SyncOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if len(opts.Peers) > 0 {
		cfg.Peers = opts.Peers
	}
	if len(cfg.Peers) == 0 {
		return NewExitError(ExitCommandError, "no peers configured: pass --peer or set peers in the config")
	}
	logger := opts.logger(cmd.ErrOrStderr())
	out := opts.formatter(cmd)

	r, err := openReplica(cfg, logger)
	if err != nil {
		return err
	}
	defer closeReplica(r, logger)

	client, err := newClient(r, cfg, logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- client.Run(runCtx) }()

	var waitErr error
	if opts.Watch {
		<-ctx.Done()
	} else {
		waitCtx, cancelWait := context.WithTimeout(ctx, opts.Timeout)
		waitErr = client.WaitSynced(waitCtx)
		cancelWait()
	}

	// Read liveness before the sessions close and report offline.
	result := SyncResult{Aggregate: client.Aggregate()}
	peers, _ := cfg.PeerAddresses()
	for _, p := range peers {
		result.Peers = append(result.Peers, PeerStatus{Peer: p.String(), State: client.Peer(p.String())})
	}
	cancel()
	<-done

	if err := r.Flush(context.Background()); err != nil {
		return WrapExitError(ExitCommandError, "failed to flush store", err)
	}
	docs, err := r.Documents(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list documents", err)
	}
	result.Documents = len(docs)

	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) {
			_ = out.Error(ErrCodeSyncTimeout, "peers not synced before timeout", result)
			return NewExitError(ExitFailure, "sync timed out")
		}
		return WrapExitError(ExitFailure, "sync interrupted", waitErr)
	}
	return out.Success(result)
}
