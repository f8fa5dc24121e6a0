// Package harness runs replication scenarios against real replicas.
//
// A scenario names a set of replicas, a sequence of steps (edits,
// connections, compactions, restarts) and assertions on the final state.
// Replicas are backed by real stores in a temporary directory and talk
// through replication sessions joined by in-memory pipes.
//
// # Scenario Format
//
//	name: offline_edits
//	description: "Edits made offline reach the peer on reconnect"
//	replicas:
//	  - name: alpha
//	    store: framelog
//	  - name: beta
//	steps:
//	  - action: edit
//	    replica: alpha
//	    doc: notes
//	    set: { title: "Draft" }
//	  - action: connect
//	    replica: alpha
//	    peer: beta
//	  - action: wait_synced
//	    replica: alpha
//	    peer: beta
//	assertions:
//	  - type: converged
//	    doc: notes
//	  - type: register
//	    replica: beta
//	    doc: notes
//	    key: title
//	    value: Draft
//
// # Step Actions
//
//   - edit: submit a local edit of set and delete register writes
//   - connect: open a session pair, replica on the client side
//   - disconnect: close the pair opened by connect
//   - wait_synced: wait until both sessions report synced and both
//     replicas hold the same heads for every document
//   - compact: fold the document's records into a snapshot
//   - restart: close the replica and reopen it from disk
//
// # Assertion Types
//
//   - converged: every replica (or those listed) has the same registers
//     and heads for doc
//   - register: a register holds value, or is absent
//   - records: the number of unfolded records a replica holds for doc
//   - documents: the number of documents a replica holds
//   - snapshot: whether a replica holds a snapshot for doc
//   - liveness: the client-side liveness of a connection
package harness
