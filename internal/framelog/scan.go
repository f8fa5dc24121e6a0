package framelog

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/roach88/autowiki/internal/ir"
)

// scanResult summarizes one pass over a log file.
type scanResult struct {
	// validEnd is the offset just past the last complete frame.
	validEnd int64
	// size is the file size when scanned.
	size int64
	// frames counts complete frames.
	frames int
}

// torn reports whether the file ends with an incomplete frame.
func (r scanResult) torn() bool { return r.validEnd < r.size }

// scanFile reads complete frames from path, calling fn for each decoded
// record or decode error. A missing file scans as empty.
func scanFile(path string, fn func(rec ir.ChangeRecord, decodeErr error)) (scanResult, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return scanResult{}, nil
	}
	if err != nil {
		return scanResult{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return scanResult{}, err
	}
	res := scanResult{size: st.Size()}

	r := bufio.NewReader(f)
	for {
		payload, err := readFrame(r)
		if err == io.EOF || errors.Is(err, errShortFrame) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		res.validEnd += int64(frameHeaderSize + len(payload))
		res.frames++

		rec, derr := decodeRecord(payload)
		if derr == nil {
			derr = ir.Verify(rec)
		}
		fn(rec, derr)
	}
}

// Report describes the health of a log file.
type Report struct {
	Frames      int   `json:"frames"`
	Records     int   `json:"records"`
	Undecodable int   `json:"undecodable"`
	TornBytes   int64 `json:"torn_bytes"`
}

// Check scans the log in dir without modifying it.
func Check(dir string) (Report, error) {
	var rep Report
	res, err := scanFile(logPath(dir), func(_ ir.ChangeRecord, derr error) {
		if derr != nil {
			rep.Undecodable++
			return
		}
		rep.Records++
	})
	if err != nil {
		return Report{}, err
	}
	rep.Frames = res.frames
	rep.TornBytes = res.size - res.validEnd
	return rep, nil
}
