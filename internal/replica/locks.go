package replica

import (
	"sync"

	"github.com/roach88/autowiki/internal/ir"
)

// keyedMutex is a per-document mutex. Entries are reference counted and
// removed when no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[ir.DocumentID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[ir.DocumentID]*refMutex)}
}

// Lock acquires doc's mutex and returns its unlock function.
func (k *keyedMutex) Lock(doc ir.DocumentID) func() {
	k.mu.Lock()
	m, ok := k.locks[doc]
	if !ok {
		m = &refMutex{}
		k.locks[doc] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, doc)
		}
		k.mu.Unlock()
	}
}
