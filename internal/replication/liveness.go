package replication

import "fmt"

// Liveness is the sync state of a peer, or of all peers together.
type Liveness int

const (
	// Offline: no open session.
	Offline Liveness = iota
	// Behind: a session is open but some document differs, or nothing has
	// been heard from the peer yet.
	Behind
	// Synced: every document matches the peer's last summary.
	Synced
)

func (l Liveness) String() string {
	switch l {
	case Offline:
		return "offline"
	case Behind:
		return "behind"
	case Synced:
		return "synced"
	default:
		return fmt.Sprintf("liveness(%d)", int(l))
	}
}

// MarshalText renders the liveness name in JSON output.
func (l Liveness) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Aggregate combines per-peer liveness: any behind peer makes the whole
// behind; otherwise one synced peer is enough. Offline peers only count
// when every peer is offline.
func Aggregate(states ...Liveness) Liveness {
	agg := Offline
	for _, l := range states {
		switch l {
		case Behind:
			return Behind
		case Synced:
			agg = Synced
		}
	}
	return agg
}
