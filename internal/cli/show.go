package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/autowiki/internal/doc"
	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/merge"
)

// ShowResult holds the show command result.
type ShowResult struct {
	Document ir.DocumentID    `json:"document"`
	Heads    []ir.ContentHash `json:"heads"`
	Changes  int              `json:"changes"`
	Content  *doc.Document    `json:"content"`
}

// Text implements Texter.
func (r ShowResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d changes)\n", r.Document, r.Changes)
	for _, p := range r.Content.SortedPages() {
		title := p.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "\n# %s [%s]\n", title, p.ID)
		for _, blk := range p.SortedBlocks() {
			b.WriteString(renderBlock(blk))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func renderBlock(blk *doc.Block) string {
	switch blk.Kind {
	case doc.KindText:
		return blk.Text.Body
	case doc.KindHeading:
		return strings.Repeat("#", blk.Heading.Level+1) + " " + blk.Heading.Text
	case doc.KindTodo:
		box := "[ ]"
		if blk.Todo.Done {
			box = "[x]"
		}
		return box + " " + blk.Todo.Text
	case doc.KindLink:
		label := blk.Link.Label
		if label == "" {
			label = blk.Link.Target
		}
		return fmt.Sprintf("[%s](%s)", label, blk.Link.Target)
	}
	return fmt.Sprintf("<%s>", blk.Kind)
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <document>",
		Short: "Print a document's current content",
		Long: `Materialize a document from its snapshot and change records and print it.

Examples:
  autowiki show notes
  autowiki show notes --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd.Context(), rootOpts, cmd, ir.DocumentID(args[0]))
		},
	}
	return cmd
}

func runShow(ctx context.Context, opts *RootOptions, cmd *cobra.Command, id ir.DocumentID) error {
	out := opts.formatter(cmd)
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

	docs, err := r.Documents(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list documents", err)
	}
	if !slices.Contains(docs, id) {
		_ = out.Error(ErrCodeNotFound, fmt.Sprintf("document %s not found", id), nil)
		return NewExitError(ExitFailure, "document not found")
	}

	result := ShowResult{Document: id}
	err = r.View(ctx, id, func(s merge.State) error {
		lww, ok := r.Engine().(merge.LWW)
		if !ok {
			return fmt.Errorf("engine %T cannot be materialized", r.Engine())
		}
		content, err := doc.Materialize(lww.Registers(s))
		if err != nil {
			return err
		}
		result.Content = content
		result.Heads = lww.Heads(s)
		result.Changes = s.Len()
		return nil
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to materialize document", err)
	}
	return out.Success(result)
}
