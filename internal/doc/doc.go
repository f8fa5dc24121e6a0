// Package doc defines the wiki document shape: pages holding typed blocks,
// edited through versioned ops that map onto merge engine registers.
package doc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SchemaVersion is the document schema this build reads and writes.
const SchemaVersion = 1

// ErrInvalidOp is returned for malformed ops, blocks, or unsupported schema
// versions.
var ErrInvalidOp = errors.New("invalid op")

// BlockKind tags a Block variant.
type BlockKind string

const (
	KindText    BlockKind = "text"
	KindHeading BlockKind = "heading"
	KindTodo    BlockKind = "todo"
	KindLink    BlockKind = "link"
)

// TextBlock is a paragraph of markdown source.
type TextBlock struct {
	Body string `json:"body"`
}

// HeadingBlock is a section heading, level 1 to 6.
type HeadingBlock struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// TodoBlock is a checklist item.
type TodoBlock struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// LinkBlock references another page by title.
type LinkBlock struct {
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Block is a tagged variant. Exactly the field matching Kind is set.
type Block struct {
	ID      string        `json:"id"`
	Kind    BlockKind     `json:"kind"`
	Order   int           `json:"order"`
	Text    *TextBlock    `json:"text,omitempty"`
	Heading *HeadingBlock `json:"heading,omitempty"`
	Todo    *TodoBlock    `json:"todo,omitempty"`
	Link    *LinkBlock    `json:"link,omitempty"`
}

// Validate checks the variant invariant.
func (b *Block) Validate() error {
	if err := validID("block id", b.ID); err != nil {
		return err
	}
	set := 0
	for _, present := range []bool{b.Text != nil, b.Heading != nil, b.Todo != nil, b.Link != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: block %s has %d variants set", ErrInvalidOp, b.ID, set)
	}
	switch b.Kind {
	case KindText:
		if b.Text == nil {
			return fmt.Errorf("%w: block %s: kind text without text", ErrInvalidOp, b.ID)
		}
	case KindHeading:
		if b.Heading == nil {
			return fmt.Errorf("%w: block %s: kind heading without heading", ErrInvalidOp, b.ID)
		}
		if b.Heading.Level < 1 || b.Heading.Level > 6 {
			return fmt.Errorf("%w: block %s: heading level %d", ErrInvalidOp, b.ID, b.Heading.Level)
		}
	case KindTodo:
		if b.Todo == nil {
			return fmt.Errorf("%w: block %s: kind todo without todo", ErrInvalidOp, b.ID)
		}
	case KindLink:
		if b.Link == nil {
			return fmt.Errorf("%w: block %s: kind link without link", ErrInvalidOp, b.ID)
		}
		if b.Link.Target == "" {
			return fmt.Errorf("%w: block %s: empty link target", ErrInvalidOp, b.ID)
		}
	default:
		return fmt.Errorf("%w: block %s: unknown kind %q", ErrInvalidOp, b.ID, b.Kind)
	}
	return nil
}

// Page is one wiki page.
type Page struct {
	ID     string            `json:"id"`
	Title  string            `json:"title"`
	Blocks map[string]*Block `json:"blocks"`
}

// SortedBlocks returns the page's blocks by Order, then ID.
func (p *Page) SortedBlocks() []*Block {
	out := make([]*Block, 0, len(p.Blocks))
	for _, b := range p.Blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Document is the materialized view of one document.
type Document struct {
	SchemaVersion int              `json:"schema_version"`
	Pages         map[string]*Page `json:"pages"`
}

// SortedPages returns pages ordered by ID.
func (d *Document) SortedPages() []*Page {
	out := make([]*Page, 0, len(d.Pages))
	for _, p := range d.Pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func validID(what, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidOp, what)
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("%w: %s %q contains '/'", ErrInvalidOp, what, id)
	}
	return nil
}

// Register keys.
func titleKey(page string) string        { return "page/" + page + "/title" }
func blockKey(page, block string) string { return "page/" + page + "/block/" + block }

// Materialize builds a Document from live register values.
// Unknown keys are ignored; malformed block values are reported.
func Materialize(registers map[string]json.RawMessage) (*Document, error) {
	d := &Document{SchemaVersion: SchemaVersion, Pages: make(map[string]*Page)}
	page := func(id string) *Page {
		p, ok := d.Pages[id]
		if !ok {
			p = &Page{ID: id, Blocks: make(map[string]*Block)}
			d.Pages[id] = p
		}
		return p
	}

	keys := make([]string, 0, len(registers))
	for k := range registers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		parts := strings.Split(k, "/")
		switch {
		case len(parts) == 3 && parts[0] == "page" && parts[2] == "title":
			var title string
			if err := json.Unmarshal(registers[k], &title); err != nil {
				return nil, fmt.Errorf("materialize %s: %w", k, err)
			}
			page(parts[1]).Title = title
		case len(parts) == 4 && parts[0] == "page" && parts[2] == "block":
			var b Block
			if err := json.Unmarshal(registers[k], &b); err != nil {
				return nil, fmt.Errorf("materialize %s: %w", k, err)
			}
			page(parts[1]).Blocks[parts[3]] = &b
		}
	}
	return d, nil
}
