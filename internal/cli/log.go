package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/merge"
)

// LogEntry is one change record in the log listing.
type LogEntry struct {
	Hash         ir.ContentHash   `json:"hash"`
	CreatedAt    ir.Timestamp     `json:"created_at"`
	Dependencies []ir.ContentHash `json:"dependencies"`
	Writes       int              `json:"writes"`
}

// SnapshotInfo summarizes a document's snapshot.
type SnapshotInfo struct {
	CoveredUpTo ir.Timestamp `json:"covered_up_to"`
	Folded      int          `json:"folded"`
}

// LogResult holds the log command result.
type LogResult struct {
	Document ir.DocumentID `json:"document"`
	Snapshot *SnapshotInfo `json:"snapshot,omitempty"`
	Records  []LogEntry    `json:"records"`
}

// Text implements Texter.
func (r LogResult) Text() string {
	var b strings.Builder
	if r.Snapshot != nil {
		fmt.Fprintf(&b, "snapshot: %d changes folded, covered up to %d\n", r.Snapshot.Folded, r.Snapshot.CoveredUpTo)
	}
	for _, e := range r.Records {
		fmt.Fprintf(&b, "%s %d writes=%d", e.Hash, e.CreatedAt, e.Writes)
		for _, d := range e.Dependencies {
			fmt.Fprintf(&b, "\n    <- %s", d)
		}
		b.WriteByte('\n')
	}
	if len(r.Records) == 0 {
		b.WriteString("no unfolded records\n")
	}
	return b.String()
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <document>",
		Short: "List a document's change records",
		Long: `List the change records of a document that are not folded into its
snapshot, in causal order.

Examples:
  autowiki log notes
  autowiki log notes --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(cmd.Context(), rootOpts, cmd, ir.DocumentID(args[0]))
		},
	}
	return cmd
}

func runLog(ctx context.Context, opts *RootOptions, cmd *cobra.Command, id ir.DocumentID) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.logger(cmd.ErrOrStderr())
	r, err := openReplica(cfg, logger)
	if err != nil {
		return err
	}
	defer closeReplica(r, logger)

	result := LogResult{Document: id, Records: []LogEntry{}}
	snap, ok, err := r.Snapshot(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read snapshot", err)
	}
	if ok {
		result.Snapshot = &SnapshotInfo{CoveredUpTo: snap.CoveredUpTo, Folded: len(snap.Folded)}
	}

	recs, err := r.Records(ctx, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read records", err)
	}
	for _, rec := range recs {
		writes := 0
		if p, err := merge.DecodePayload(rec.Payload); err == nil {
			writes = len(p.Writes)
		}
		result.Records = append(result.Records, LogEntry{
			Hash:         rec.Hash,
			CreatedAt:    rec.CreatedAt,
			Dependencies: rec.Dependencies,
			Writes:       writes,
		})
	}
	return opts.formatter(cmd).Success(result)
}
