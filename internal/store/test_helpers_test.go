package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/autowiki/internal/ir"
)

// createTestStore creates a new store in a temp dir with a deterministic
// clock starting at 1000ms.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(ir.NewClockFunc(func() time.Time { return time.UnixMilli(1000) })))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
