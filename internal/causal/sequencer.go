// Package causal reconstructs a valid apply order for a set of change
// records from their declared dependencies.
package causal

import (
	"sort"

	"github.com/roach88/autowiki/internal/ir"
)

const (
	unvisited = iota
	temporary
	permanent
)

type sequencer struct {
	byHash map[ir.ContentHash]ir.ChangeRecord
	marks  map[ir.ContentHash]int
	path   []ir.ContentHash
	out    []ir.ChangeRecord
}

// Sequence returns records in an order where every record follows all of
// its dependencies that are present in the input.
//
// The result is a deterministic function of the record set: roots are
// visited in lexicographic hash order and so are each record's
// dependencies. Dependencies outside the input are treated as already
// applied. Duplicate hashes collapse to a single record.
//
// A cycle returns *NotADagError and no partial order.
func Sequence(records []ir.ChangeRecord) ([]ir.ChangeRecord, error) {
	s := &sequencer{
		byHash: make(map[ir.ContentHash]ir.ChangeRecord, len(records)),
		marks:  make(map[ir.ContentHash]int, len(records)),
		out:    make([]ir.ChangeRecord, 0, len(records)),
	}
	for _, r := range records {
		s.byHash[r.Hash] = r
	}

	roots := make([]ir.ContentHash, 0, len(s.byHash))
	for h := range s.byHash {
		roots = append(roots, h)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	for _, h := range roots {
		if err := s.visit(h); err != nil {
			return nil, err
		}
	}
	return s.out, nil
}

func (s *sequencer) visit(h ir.ContentHash) error {
	switch s.marks[h] {
	case permanent:
		return nil
	case temporary:
		return &NotADagError{Cycle: s.cycleFrom(h)}
	}

	rec := s.byHash[h]
	s.marks[h] = temporary
	s.path = append(s.path, h)

	deps := append([]ir.ContentHash(nil), rec.Dependencies...)
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	for _, d := range deps {
		if _, ok := s.byHash[d]; !ok {
			continue
		}
		if err := s.visit(d); err != nil {
			return err
		}
	}

	s.path = s.path[:len(s.path)-1]
	s.marks[h] = permanent
	s.out = append(s.out, rec)
	return nil
}

// cycleFrom extracts the cycle ending at h from the current DFS path.
func (s *sequencer) cycleFrom(h ir.ContentHash) []ir.ContentHash {
	for i := len(s.path) - 1; i >= 0; i-- {
		if s.path[i] == h {
			cycle := append([]ir.ContentHash(nil), s.path[i:]...)
			return append(cycle, h)
		}
	}
	return []ir.ContentHash{h, h}
}

// Validate checks that order places every record after its in-order
// dependencies. Dependencies absent from order are ignored.
func Validate(order []ir.ChangeRecord) error {
	pos := make(map[ir.ContentHash]int, len(order))
	for i, r := range order {
		if _, seen := pos[r.Hash]; !seen {
			pos[r.Hash] = i
		}
	}
	for i, r := range order {
		for _, d := range r.Dependencies {
			if j, ok := pos[d]; ok && j >= i {
				return &OrderError{Record: r.Hash, Dependency: d}
			}
		}
	}
	return nil
}
