// Package merge defines the capability the replication core consumes from a
// merge engine, and ships LWW, a last-writer-wins reference engine.
//
// The core never inspects document state. It sequences and persists change
// records, hands them to an Engine in causal order, and relays opaque sync
// messages between peers.
package merge

import (
	"errors"

	"github.com/roach88/autowiki/internal/ir"
)

// ErrMissingDependency is returned by Apply when a record depends on a
// change that is neither in the state nor earlier in the batch.
var ErrMissingDependency = errors.New("missing dependency")

// State is an engine's materialized document state.
type State interface {
	// Len reports the number of changes the state reflects.
	Len() int
}

// SyncState is an engine's per-peer, per-document sync bookkeeping.
// It lives only as long as one session.
type SyncState any

// Engine is the merge engine capability.
type Engine interface {
	// Empty returns the state of a document with no changes.
	Empty() State

	// Apply applies records, which must be in causal order, and returns the
	// resulting state. Records already reflected in s are skipped. Apply may
	// reuse s; callers must not use s afterward.
	Apply(s State, recs []ir.ChangeRecord) (State, error)

	// Diff returns the changes in a missing from b, in causal order.
	Diff(a, b State) []ir.ChangeRecord

	// Heads returns the sorted hashes no other change in s depends on.
	Heads(s State) []ir.ContentHash

	// Has reports whether s reflects the change h.
	Has(s State, h ir.ContentHash) bool

	// Encode serializes s. Two states reflecting the same change set
	// encode to identical bytes.
	Encode(s State) ([]byte, error)

	// Decode parses bytes produced by Encode.
	Decode(data []byte) (State, error)

	// NewSyncState returns bookkeeping for a peer we know nothing about.
	NewSyncState() SyncState

	// GenerateSyncMessage returns the next message for the peer. A nil
	// message means there is nothing to send.
	GenerateSyncMessage(s State, ss SyncState) (SyncState, []byte, error)

	// ReceiveSyncMessage records the peer's summary and returns the
	// changes it carried that s does not have yet. It does not apply them.
	ReceiveSyncMessage(s State, ss SyncState, msg []byte) (SyncState, []ir.ChangeRecord, error)

	// InSync reports whether the peer's last summary equals s and nothing
	// remains to send.
	InSync(s State, ss SyncState) bool
}
