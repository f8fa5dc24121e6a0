package merge

import (
	"encoding/json"
	"fmt"
)

// Write sets or deletes one register.
type Write struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
	Delete bool            `json:"delete,omitempty"`
}

// Payload is the change payload understood by LWW.
type Payload struct {
	Writes []Write `json:"writes"`
}

// Encode serializes the payload.
func (p Payload) Encode() ([]byte, error) {
	for i, w := range p.Writes {
		if w.Key == "" {
			return nil, fmt.Errorf("write %d: empty key", i)
		}
		if !w.Delete && len(w.Value) == 0 {
			return nil, fmt.Errorf("write %d (%s): missing value", i, w.Key)
		}
	}
	return json.Marshal(p)
}

// DecodePayload parses an LWW payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
