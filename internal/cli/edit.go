package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/autowiki/internal/doc"
	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/merge"
)

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	Page        string
	Title       string
	Block       string
	Kind        string
	Text        string
	Level       int
	Done        bool
	Target      string
	Order       int
	DeleteBlock string
	Ops         []string
	Deps        []string
}

// EditResult holds the edit command result.
type EditResult struct {
	Document     ir.DocumentID    `json:"document"`
	Hash         ir.ContentHash   `json:"hash"`
	Dependencies []ir.ContentHash `json:"dependencies"`
	Ops          int              `json:"ops"`
}

// Text implements Texter.
func (r EditResult) Text() string {
	return fmt.Sprintf("Recorded %s in %s (%d ops, %d dependencies)\n", r.Hash, r.Document, r.Ops, len(r.Dependencies))
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <document>",
		Short: "Record an edit to a document",
		Long: `Record one change to a document. The change depends on the document's
current heads unless --dep names its dependencies. Flags describe ops on
one page; --op takes raw JSON ops and may be repeated.

Examples:
  autowiki edit notes --page home --title "Home"
  autowiki edit notes --page home --block b1 --kind text --text "Hello"
  autowiki edit notes --page home --block h1 --kind heading --level 2 --text "Plans"
  autowiki edit notes --page home --block t1 --kind todo --text "Ship it" --done
  autowiki edit notes --page home --block l1 --kind link --target other --text "Other page"
  autowiki edit notes --page home --delete-block b1
  autowiki edit notes --op '{"kind":"set_title","page":"home","title":"Home"}'
  autowiki edit notes --page home --title "Fork" --dep bafkrei...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(cmd.Context(), opts, cmd, ir.DocumentID(args[0]))
		},
	}

	cmd.Flags().StringVar(&opts.Page, "page", "", "page id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "set the page title")
	cmd.Flags().StringVar(&opts.Block, "block", "", "put the block with this id")
	cmd.Flags().StringVar(&opts.Kind, "kind", string(doc.KindText), "block kind (text|heading|todo|link)")
	cmd.Flags().StringVar(&opts.Text, "text", "", "block text, heading, todo or link label")
	cmd.Flags().IntVar(&opts.Level, "level", 1, "heading level (1-6)")
	cmd.Flags().BoolVar(&opts.Done, "done", false, "mark a todo block done")
	cmd.Flags().StringVar(&opts.Target, "target", "", "link target page")
	cmd.Flags().IntVar(&opts.Order, "order", 0, "block position on the page")
	cmd.Flags().StringVar(&opts.DeleteBlock, "delete-block", "", "delete the block with this id")
	cmd.Flags().StringArrayVar(&opts.Ops, "op", nil, "raw JSON op (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Deps, "dep", nil, "hash the edit depends on instead of the heads (repeatable)")

	return cmd
}

// parseDeps returns the --dep hashes, or nil when none were given.
func (o *EditOptions) parseDeps() ([]ir.ContentHash, error) {
	if len(o.Deps) == 0 {
		return nil, nil
	}
	deps := make([]ir.ContentHash, 0, len(o.Deps))
	for _, s := range o.Deps {
		h, err := ir.ParseHash(s)
		if err != nil {
			return nil, err
		}
		deps = append(deps, h)
	}
	return ir.NormalizeHashes(deps), nil
}

// buildOps turns the flags into ops.
func (o *EditOptions) buildOps() ([]doc.Op, error) {
	var ops []doc.Op
	for _, raw := range o.Ops {
		op, err := doc.ParseOp([]byte(raw))
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if o.Title != "" {
		ops = append(ops, doc.Op{SchemaVersion: doc.SchemaVersion, Kind: doc.OpSetTitle, Page: o.Page, Title: o.Title})
	}
	if o.Block != "" {
		b := &doc.Block{ID: o.Block, Kind: doc.BlockKind(o.Kind), Order: o.Order}
		switch b.Kind {
		case doc.KindText:
			b.Text = &doc.TextBlock{Body: o.Text}
		case doc.KindHeading:
			b.Heading = &doc.HeadingBlock{Level: o.Level, Text: o.Text}
		case doc.KindTodo:
			b.Todo = &doc.TodoBlock{Text: o.Text, Done: o.Done}
		case doc.KindLink:
			b.Link = &doc.LinkBlock{Target: o.Target, Label: o.Text}
		}
		ops = append(ops, doc.Op{SchemaVersion: doc.SchemaVersion, Kind: doc.OpPutBlock, Page: o.Page, Block: b})
	}
	if o.DeleteBlock != "" {
		ops = append(ops, doc.Op{SchemaVersion: doc.SchemaVersion, Kind: doc.OpDeleteBlock, Page: o.Page, BlockID: o.DeleteBlock})
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: nothing to record: pass --title, --block, --delete-block or --op", doc.ErrInvalidOp)
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

func runEdit(ctx context.Context, opts *EditOptions, cmd *cobra.Command, id ir.DocumentID) error {
	out := opts.formatter(cmd)

	ops, err := opts.buildOps()
	if err != nil {
		_ = out.Error(ErrCodeInvalidOp, "edit rejected", err.Error())
		return WrapExitError(ExitCommandError, "edit rejected", err)
	}
	payload, err := doc.EncodeOps(ops...)
	if err != nil {
		return WrapExitError(ExitCommandError, "edit rejected", err)
	}
	deps, err := opts.parseDeps()
	if err != nil {
		_ = out.Error(ErrCodeInvalidOp, "edit rejected", err.Error())
		return WrapExitError(ExitCommandError, "edit rejected", err)
	}

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

	rec, err := r.SubmitEdit(ctx, id, payload, deps)
	if err != nil {
		if errors.Is(err, doc.ErrInvalidOp) || errors.Is(err, merge.ErrMissingDependency) {
			_ = out.Error(ErrCodeInvalidOp, "edit rejected", err.Error())
			return WrapExitError(ExitCommandError, "edit rejected", err)
		}
		return WrapExitError(ExitFailure, "failed to record edit", err)
	}
	if err := r.Flush(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to flush store", err)
	}

	return out.Success(EditResult{
		Document:     id,
		Hash:         rec.Hash,
		Dependencies: rec.Dependencies,
		Ops:          len(ops),
	})
}
