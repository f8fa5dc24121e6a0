package doc

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/autowiki/internal/merge"
)

// OpKind names an edit operation.
type OpKind string

const (
	OpSetTitle    OpKind = "set_title"
	OpPutBlock    OpKind = "put_block"
	OpDeleteBlock OpKind = "delete_block"
)

// Op is one user edit.
type Op struct {
	SchemaVersion int    `json:"schema_version"`
	Kind          OpKind `json:"kind"`
	Page          string `json:"page"`
	Title         string `json:"title,omitempty"`
	Block         *Block `json:"block,omitempty"`
	BlockID       string `json:"block_id,omitempty"`
}

// Validate checks the op against the current schema.
func (o Op) Validate() error {
	if o.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema version %d (supported %d)", ErrInvalidOp, o.SchemaVersion, SchemaVersion)
	}
	if err := validID("page id", o.Page); err != nil {
		return err
	}
	switch o.Kind {
	case OpSetTitle:
		if o.Title == "" {
			return fmt.Errorf("%w: set_title with empty title", ErrInvalidOp)
		}
	case OpPutBlock:
		if o.Block == nil {
			return fmt.Errorf("%w: put_block without block", ErrInvalidOp)
		}
		return o.Block.Validate()
	case OpDeleteBlock:
		return validID("block id", o.BlockID)
	default:
		return fmt.Errorf("%w: unknown op kind %q", ErrInvalidOp, o.Kind)
	}
	return nil
}

// Writes translates the op into register writes.
func (o Op) Writes() ([]merge.Write, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	switch o.Kind {
	case OpSetTitle:
		v, err := json.Marshal(o.Title)
		if err != nil {
			return nil, err
		}
		return []merge.Write{{Key: titleKey(o.Page), Value: v}}, nil
	case OpPutBlock:
		v, err := json.Marshal(o.Block)
		if err != nil {
			return nil, err
		}
		return []merge.Write{{Key: blockKey(o.Page, o.Block.ID), Value: v}}, nil
	default:
		return []merge.Write{{Key: blockKey(o.Page, o.BlockID), Delete: true}}, nil
	}
}

// EncodeOps builds a change payload from one or more ops.
func EncodeOps(ops ...Op) ([]byte, error) {
	var p merge.Payload
	for i, o := range ops {
		ws, err := o.Writes()
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		p.Writes = append(p.Writes, ws...)
	}
	if len(p.Writes) == 0 {
		return nil, fmt.Errorf("%w: no ops", ErrInvalidOp)
	}
	return p.Encode()
}

// ParseOp decodes a JSON op. A missing schema version defaults to the
// current one.
func ParseOp(data []byte) (Op, error) {
	var o Op
	if err := json.Unmarshal(data, &o); err != nil {
		return Op{}, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	if o.SchemaVersion == 0 {
		o.SchemaVersion = SchemaVersion
	}
	if err := o.Validate(); err != nil {
		return Op{}, err
	}
	return o, nil
}
