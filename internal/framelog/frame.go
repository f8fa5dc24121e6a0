package framelog

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/autowiki/internal/ir"
)

// frameHeaderSize is the length prefix: uint32 little-endian.
const frameHeaderSize = 4

// maxFrameSize bounds a single record frame. A header claiming more is
// treated as a torn write.
const maxFrameSize = 64 << 20

// errShortFrame marks a final frame whose header or payload is incomplete.
var errShortFrame = errors.New("short frame")

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame. It returns io.EOF at a clean end and
// errShortFrame when the data ends mid-frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		if n > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errShortFrame
		}
		return nil, err
	}

	size := binary.LittleEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, errShortFrame
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, errShortFrame
		}
		return nil, err
	}
	return payload, nil
}

// encodeRecord is the frame payload for a record.
func encodeRecord(rec ir.ChangeRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.Hash, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (ir.ChangeRecord, error) {
	var rec ir.ChangeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ir.ChangeRecord{}, err
	}
	if rec.Hash == "" || rec.DocumentID == "" {
		return ir.ChangeRecord{}, errors.New("missing hash or document id")
	}
	rec.Dependencies = ir.NormalizeHashes(rec.Dependencies)
	return rec, nil
}
