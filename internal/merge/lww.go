package merge

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roach88/autowiki/internal/ir"
)

// lwwFormat versions the encoded LWW state.
const lwwFormat = 1

// LWW is a last-writer-wins register engine.
//
// Each change carries a Payload of register writes. Concurrent writes to
// the same key resolve by (depth, hash), where depth is one more than the
// deepest dependency. The state retains every change, so an encoded state
// can bring a peer with no history fully up to date.
type LWW struct{}

var _ Engine = LWW{}

type lwwEntry struct {
	rec   ir.ChangeRecord
	depth uint64
}

type register struct {
	depth   uint64
	hash    ir.ContentHash
	value   json.RawMessage
	deleted bool
}

func (r register) beats(depth uint64, hash ir.ContentHash) bool {
	if r.depth != depth {
		return r.depth > depth
	}
	return r.hash > hash
}

type lwwState struct {
	changes   map[ir.ContentHash]*lwwEntry
	dependent map[ir.ContentHash]bool
	regs      map[string]register
}

func newLWWState() *lwwState {
	return &lwwState{
		changes:   make(map[ir.ContentHash]*lwwEntry),
		dependent: make(map[ir.ContentHash]bool),
		regs:      make(map[string]register),
	}
}

// Len implements State.
func (s *lwwState) Len() int { return len(s.changes) }

// sorted returns entries in causal order: by depth, then hash.
func (s *lwwState) sorted() []*lwwEntry {
	out := make([]*lwwEntry, 0, len(s.changes))
	for _, e := range s.changes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].depth != out[j].depth {
			return out[i].depth < out[j].depth
		}
		return out[i].rec.Hash < out[j].rec.Hash
	})
	return out
}

func (s *lwwState) add(rec ir.ChangeRecord, depth uint64) {
	rec.CreatedAt = 0
	rec.Dependencies = ir.NormalizeHashes(append([]ir.ContentHash(nil), rec.Dependencies...))
	s.changes[rec.Hash] = &lwwEntry{rec: rec, depth: depth}
	for _, d := range rec.Dependencies {
		s.dependent[d] = true
	}

	// Payloads that are not LWW writes are kept in history but change no
	// register.
	p, err := DecodePayload(rec.Payload)
	if err != nil {
		return
	}
	for _, w := range p.Writes {
		cur, ok := s.regs[w.Key]
		if ok && cur.beats(depth, rec.Hash) {
			continue
		}
		s.regs[w.Key] = register{depth: depth, hash: rec.Hash, value: w.Value, deleted: w.Delete}
	}
}

func asLWW(s State) (*lwwState, error) {
	if s == nil {
		return newLWWState(), nil
	}
	ls, ok := s.(*lwwState)
	if !ok {
		return nil, fmt.Errorf("lww: foreign state type %T", s)
	}
	return ls, nil
}

func mustLWW(s State) *lwwState {
	ls, err := asLWW(s)
	if err != nil {
		panic(err)
	}
	return ls
}

// Empty implements Engine.
func (LWW) Empty() State { return newLWWState() }

// Apply implements Engine. The batch is validated before any change is
// applied, so a failed Apply leaves s untouched.
func (LWW) Apply(s State, recs []ir.ChangeRecord) (State, error) {
	ls, err := asLWW(s)
	if err != nil {
		return nil, err
	}

	depths := make(map[ir.ContentHash]uint64, len(recs))
	depthOf := func(h ir.ContentHash) (uint64, bool) {
		if e, ok := ls.changes[h]; ok {
			return e.depth, true
		}
		d, ok := depths[h]
		return d, ok
	}

	var batch []ir.ChangeRecord
	for _, rec := range recs {
		if _, ok := depthOf(rec.Hash); ok {
			continue
		}
		var depth uint64
		for _, d := range rec.Dependencies {
			dd, ok := depthOf(d)
			if !ok {
				return nil, fmt.Errorf("apply %s: %w %s", rec.Hash, ErrMissingDependency, d)
			}
			if dd > depth {
				depth = dd
			}
		}
		depths[rec.Hash] = depth + 1
		batch = append(batch, rec)
	}

	for _, rec := range batch {
		ls.add(rec, depths[rec.Hash])
	}
	return ls, nil
}

// Diff implements Engine.
func (LWW) Diff(a, b State) []ir.ChangeRecord {
	la, lb := mustLWW(a), mustLWW(b)
	var out []ir.ChangeRecord
	for _, e := range la.sorted() {
		if _, ok := lb.changes[e.rec.Hash]; !ok {
			out = append(out, e.rec)
		}
	}
	return out
}

// Heads implements Engine.
func (LWW) Heads(s State) []ir.ContentHash {
	ls := mustLWW(s)
	heads := make([]ir.ContentHash, 0)
	for h := range ls.changes {
		if !ls.dependent[h] {
			heads = append(heads, h)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })
	return heads
}

// Has implements Engine.
func (LWW) Has(s State, h ir.ContentHash) bool {
	_, ok := mustLWW(s).changes[h]
	return ok
}

type lwwEncoded struct {
	Format  int               `json:"format"`
	Changes []ir.ChangeRecord `json:"changes"`
}

// Encode implements Engine. Insertion timestamps are local to a store and
// are not part of the encoding.
func (LWW) Encode(s State) ([]byte, error) {
	ls, err := asLWW(s)
	if err != nil {
		return nil, err
	}
	enc := lwwEncoded{Format: lwwFormat, Changes: make([]ir.ChangeRecord, 0, len(ls.changes))}
	for _, e := range ls.sorted() {
		enc.Changes = append(enc.Changes, e.rec)
	}
	return json.Marshal(enc)
}

// Decode implements Engine.
func (e LWW) Decode(data []byte) (State, error) {
	var enc lwwEncoded
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("lww decode: %w", err)
	}
	if enc.Format != lwwFormat {
		return nil, fmt.Errorf("lww decode: unsupported format %d", enc.Format)
	}
	s, err := e.Apply(newLWWState(), enc.Changes)
	if err != nil {
		return nil, fmt.Errorf("lww decode: %w", err)
	}
	return s, nil
}

// Registers returns the live register values of s. Deleted registers are
// omitted.
func (LWW) Registers(s State) map[string]json.RawMessage {
	ls := mustLWW(s)
	out := make(map[string]json.RawMessage, len(ls.regs))
	for k, r := range ls.regs {
		if !r.deleted {
			out[k] = r.value
		}
	}
	return out
}
