package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/roach88/autowiki/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, actual %s", e.Type, e.Expected, e.Actual)
}

// evaluate checks every assertion and returns the failure messages.
func (h *Harness) evaluate(ctx context.Context, as []Assertion) []string {
	var out []string
	for i, a := range as {
		if err := h.check(ctx, a); err != nil {
			out = append(out, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return out
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	doc := ir.DocumentID(a.Doc)
	switch a.Type {
	case AssertConverged:
		return h.checkConverged(ctx, a)

	case AssertRegister:
		regs, err := registers(ctx, h.nodes[a.Replica].r, doc)
		if err != nil {
			return err
		}
		v, ok := regs[a.Key]
		switch {
		case a.Absent && ok:
			return &AssertionError{Type: a.Type, Expected: a.Key + " absent", Actual: strconv.Quote(v)}
		case a.Absent:
			return nil
		case !ok:
			return &AssertionError{Type: a.Type, Expected: strconv.Quote(a.Value), Actual: a.Key + " absent"}
		case v != a.Value:
			return &AssertionError{Type: a.Type, Expected: strconv.Quote(a.Value), Actual: strconv.Quote(v)}
		}
		return nil

	case AssertRecords:
		recs, err := h.nodes[a.Replica].r.Records(ctx, doc)
		if err != nil {
			return err
		}
		return expectCount(a, len(recs))

	case AssertDocuments:
		docs, err := h.nodes[a.Replica].r.Documents(ctx)
		if err != nil {
			return err
		}
		return expectCount(a, len(docs))

	case AssertSnapshot:
		_, ok, err := h.nodes[a.Replica].r.Snapshot(ctx, doc)
		if err != nil {
			return err
		}
		if ok != *a.Exists {
			return &AssertionError{Type: a.Type, Expected: "exists=" + strconv.FormatBool(*a.Exists), Actual: "exists=" + strconv.FormatBool(ok)}
		}
		return nil

	case AssertLiveness:
		l, ok := h.links[linkKey(a.Replica, a.Peer)]
		if !ok {
			return fmt.Errorf("%s never connected to %s", a.Replica, a.Peer)
		}
		if got := l.cs.Liveness().String(); got != a.State {
			return &AssertionError{Type: a.Type, Expected: a.State, Actual: got}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func expectCount(a Assertion, got int) error {
	if got != *a.Count {
		return &AssertionError{Type: a.Type, Expected: strconv.Itoa(*a.Count), Actual: strconv.Itoa(got)}
	}
	return nil
}

// checkConverged compares registers and heads of doc across replicas.
func (h *Harness) checkConverged(ctx context.Context, a Assertion) error {
	names := a.Replicas
	if len(names) == 0 {
		names = h.order
	}
	doc := ir.DocumentID(a.Doc)

	var (
		firstRegs  map[string]string
		firstHeads []ir.ContentHash
	)
	for i, name := range names {
		r := h.nodes[name].r
		regs, err := registers(ctx, r, doc)
		if err != nil {
			return err
		}
		hs, err := heads(ctx, r, doc)
		if err != nil {
			return err
		}
		if i == 0 {
			firstRegs, firstHeads = regs, hs
			continue
		}
		if !maps.Equal(regs, firstRegs) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s registers %v", names[0], firstRegs),
				Actual:   fmt.Sprintf("%s registers %v", name, regs),
			}
		}
		if !slices.Equal(hs, firstHeads) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s heads %v", names[0], firstHeads),
				Actual:   fmt.Sprintf("%s heads %v", name, hs),
			}
		}
	}
	return nil
}
