package merge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/autowiki/internal/ir"
)

// lwwSync is LWW's per-peer bookkeeping.
type lwwSync struct {
	// known is set once the peer has reported a summary.
	known bool
	// reported is the peer's last summary.
	reported map[ir.ContentHash]bool
	// theirHave is everything we believe the peer has: its last report,
	// the changes that came with it, and the changes we sent since.
	theirHave map[ir.ContentHash]bool
	// lastSent fingerprints the summary in our last message.
	lastSent string
}

type lwwMessage struct {
	Have    []ir.ContentHash  `json:"have"`
	Changes []ir.ChangeRecord `json:"changes,omitempty"`
}

func asSync(ss SyncState) (*lwwSync, error) {
	if ss == nil {
		return newLWWSync(), nil
	}
	ls, ok := ss.(*lwwSync)
	if !ok {
		return nil, fmt.Errorf("lww: foreign sync state type %T", ss)
	}
	return ls, nil
}

func newLWWSync() *lwwSync {
	return &lwwSync{
		reported:  make(map[ir.ContentHash]bool),
		theirHave: make(map[ir.ContentHash]bool),
	}
}

// fingerprint identifies a state by its heads. States are closed under
// dependencies, so equal heads mean equal change sets.
func fingerprint(heads []ir.ContentHash) string {
	parts := make([]string, len(heads))
	for i, h := range heads {
		parts[i] = string(h)
	}
	return "heads:" + strings.Join(parts, ",")
}

// NewSyncState implements Engine.
func (LWW) NewSyncState() SyncState { return newLWWSync() }

// GenerateSyncMessage implements Engine.
//
// Until the peer has reported a summary, messages carry only ours. After
// that, each message carries the changes the peer is not known to have.
func (e LWW) GenerateSyncMessage(s State, ss SyncState) (SyncState, []byte, error) {
	ls, err := asLWW(s)
	if err != nil {
		return nil, nil, err
	}
	sync, err := asSync(ss)
	if err != nil {
		return nil, nil, err
	}

	var missing []ir.ChangeRecord
	if sync.known {
		for _, entry := range ls.sorted() {
			if !sync.theirHave[entry.rec.Hash] {
				missing = append(missing, entry.rec)
			}
		}
	}

	fp := fingerprint(e.Heads(ls))
	if len(missing) == 0 && fp == sync.lastSent {
		return sync, nil, nil
	}

	msg := lwwMessage{Have: make([]ir.ContentHash, 0, len(ls.changes)), Changes: missing}
	for h := range ls.changes {
		msg.Have = append(msg.Have, h)
	}
	msg.Have = ir.NormalizeHashes(msg.Have)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("lww generate: %w", err)
	}
	for _, rec := range missing {
		sync.theirHave[rec.Hash] = true
	}
	sync.lastSent = fp
	return sync, data, nil
}

// ReceiveSyncMessage implements Engine.
func (LWW) ReceiveSyncMessage(s State, ss SyncState, data []byte) (SyncState, []ir.ChangeRecord, error) {
	ls, err := asLWW(s)
	if err != nil {
		return nil, nil, err
	}
	sync, err := asSync(ss)
	if err != nil {
		return nil, nil, err
	}

	var msg lwwMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("lww receive: %w", err)
	}

	// A report replaces what we assumed. Changes we sent that the peer
	// rejected drop out here and go out again with the next message.
	sync.known = true
	sync.reported = make(map[ir.ContentHash]bool, len(msg.Have))
	sync.theirHave = make(map[ir.ContentHash]bool, len(msg.Have)+len(msg.Changes))
	for _, h := range msg.Have {
		sync.reported[h] = true
		sync.theirHave[h] = true
	}
	if len(msg.Changes) > 0 {
		// Always answer changes with a summary, even one we sent before,
		// so the peer learns what we kept.
		sync.lastSent = ""
	}

	var incoming []ir.ChangeRecord
	for _, rec := range msg.Changes {
		sync.theirHave[rec.Hash] = true
		if _, ok := ls.changes[rec.Hash]; ok {
			continue
		}
		rec.CreatedAt = 0
		incoming = append(incoming, rec)
	}
	return sync, incoming, nil
}

// InSync implements Engine.
func (LWW) InSync(s State, ss SyncState) bool {
	ls, err := asLWW(s)
	if err != nil {
		return false
	}
	sync, err := asSync(ss)
	if err != nil || !sync.known {
		return false
	}
	if len(sync.reported) != len(ls.changes) {
		return false
	}
	for h := range ls.changes {
		if !sync.reported[h] {
			return false
		}
	}
	return true
}
