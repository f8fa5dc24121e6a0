package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/autowiki/internal/ir"
	"github.com/roach88/autowiki/internal/merge"
)

// SetPayload encodes an LWW payload setting key to the JSON string value.
func SetPayload(key, value string) []byte {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	data, err := merge.Payload{Writes: []merge.Write{{Key: key, Value: raw}}}.Encode()
	if err != nil {
		panic(err)
	}
	return data
}

// SetRecord builds a record setting key to value on top of deps.
func SetRecord(doc ir.DocumentID, key, value string, deps ...ir.ContentHash) ir.ChangeRecord {
	return ir.MustNewRecord(doc, SetPayload(key, value), deps...)
}

// Chain builds n records for doc, each depending on the one before.
// Record i sets "k" to "v<i>".
func Chain(doc ir.DocumentID, n int) []ir.ChangeRecord {
	recs := make([]ir.ChangeRecord, 0, n)
	var deps []ir.ContentHash
	for i := 0; i < n; i++ {
		rec := SetRecord(doc, "k", fmt.Sprintf("v%d", i), deps...)
		recs = append(recs, rec)
		deps = []ir.ContentHash{rec.Hash}
	}
	return recs
}
