package replication

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/autowiki/internal/ir"
)

var errEmptyDoc = errors.New("envelope without document id")

// envelope frames an engine sync message for one document. Sync is
// base64 on the wire.
type envelope struct {
	Doc  ir.DocumentID `json:"doc"`
	Sync []byte        `json:"sync"`
}

func encodeEnvelope(doc ir.DocumentID, sync []byte) ([]byte, error) {
	data, err := json.Marshal(envelope{Doc: doc, Sync: sync})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Doc == "" {
		return envelope{}, errEmptyDoc
	}
	return env, nil
}
