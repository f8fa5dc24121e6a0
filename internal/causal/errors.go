package causal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/autowiki/internal/ir"
)

// NotADagError is returned when the dependency graph of a record set
// contains a cycle. Content addressing makes this unreachable for honest
// peers, so it always indicates corruption or a malicious sender.
type NotADagError struct {
	// Cycle lists the hashes on the detected cycle in visit order.
	// The first hash is repeated at the end: [a, b, a].
	Cycle []ir.ContentHash
}

// Error implements the error interface.
func (e *NotADagError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, h := range e.Cycle {
		parts[i] = string(h)
	}
	return fmt.Sprintf("NOT_A_DAG: dependency cycle %s", strings.Join(parts, " -> "))
}

// IsNotADag returns true if the error is a dependency cycle error.
// Uses errors.As to handle wrapped errors.
func IsNotADag(err error) bool {
	var nd *NotADagError
	return errors.As(err, &nd)
}

// OrderError is returned by Validate when a record appears before one of
// its in-set dependencies.
type OrderError struct {
	Record     ir.ContentHash
	Dependency ir.ContentHash
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	return fmt.Sprintf("record %s precedes its dependency %s", e.Record, e.Dependency)
}
