package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/autowiki/internal/ir"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	Threshold int
}

// CompactEntry is the outcome for one document.
type CompactEntry struct {
	Document    ir.DocumentID `json:"document"`
	Skipped     bool          `json:"skipped"`
	Folded      int           `json:"folded"`
	Deleted     int           `json:"deleted"`
	CoveredUpTo ir.Timestamp  `json:"covered_up_to"`
}

// CompactResult holds the compact command result.
type CompactResult struct {
	Documents []CompactEntry `json:"documents"`
}

// Text implements Texter.
func (r CompactResult) Text() string {
	var b strings.Builder
	for _, e := range r.Documents {
		if e.Skipped {
			fmt.Fprintf(&b, "%s: below threshold\n", e.Document)
			continue
		}
		fmt.Fprintf(&b, "%s: folded %d, deleted %d, covered up to %d\n", e.Document, e.Folded, e.Deleted, e.CoveredUpTo)
	}
	if len(r.Documents) == 0 {
		b.WriteString("no documents\n")
	}
	return b.String()
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact [document...]",
		Short: "Fold change records into snapshots",
		Long: `Fold the change records of documents above the compaction threshold into
their snapshots and delete the folded records. With no arguments every
document is considered.

Examples:
  autowiki compact
  autowiki compact notes --threshold 1`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(cmd.Context(), opts, cmd, args)
		},
	}

	cmd.Flags().IntVar(&opts.Threshold, "threshold", 0, "fold when more records than this are unfolded (overrides config)")

	return cmd
}

func runCompact(ctx context.Context, opts *CompactOptions, cmd *cobra.Command, args []string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Threshold > 0 {
		cfg.Compaction.Threshold = opts.Threshold
	}
	logger := opts.logger(cmd.ErrOrStderr())
	r, err := openReplica(cfg, logger)
	if err != nil {
		return err
	}
	defer closeReplica(r, logger)

	docs := make([]ir.DocumentID, 0, len(args))
	for _, a := range args {
		docs = append(docs, ir.DocumentID(a))
	}
	if len(docs) == 0 {
		docs, err = r.Documents(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list documents", err)
		}
	}

	result := CompactResult{Documents: []CompactEntry{}}
	for _, d := range docs {
		res, err := r.Compact(ctx, d)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to compact %s", d), err)
		}
		result.Documents = append(result.Documents, CompactEntry{
			Document:    d,
			Skipped:     res.Skipped,
			Folded:      res.Folded,
			Deleted:     res.Deleted,
			CoveredUpTo: res.CoveredUpTo,
		})
	}
	return opts.formatter(cmd).Success(result)
}
