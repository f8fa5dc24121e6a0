package testutil

import (
	"context"
	"errors"
	"sync"
)

// ErrPipeClosed is returned by Send on a closed pipe.
var ErrPipeClosed = errors.New("pipe closed")

// PipeEnd is one end of an in-memory, message-preserving connection.
// Send delivers the message to the other end's receive function
// synchronously on the caller's goroutine.
type PipeEnd struct {
	p       *pipe
	side    int
	recv    func([]byte)
	onClose func()
}

type pipe struct {
	mu     sync.Mutex
	ends   [2]*PipeEnd
	closed bool
	// dropped counts messages sent while the receiving end had no
	// receive function attached.
	dropped int
}

// Pipe returns the two connected ends of a new pipe.
func Pipe() (a, b *PipeEnd) {
	p := &pipe{}
	a = &PipeEnd{p: p, side: 0}
	b = &PipeEnd{p: p, side: 1}
	p.ends = [2]*PipeEnd{a, b}
	return a, b
}

// Attach sets where messages sent to this end go, and what to call when
// the pipe closes.
func (e *PipeEnd) Attach(recv func([]byte), onClose func()) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	e.recv = recv
	e.onClose = onClose
}

// Send copies msg to the other end.
func (e *PipeEnd) Send(_ context.Context, msg []byte) error {
	e.p.mu.Lock()
	if e.p.closed {
		e.p.mu.Unlock()
		return ErrPipeClosed
	}
	recv := e.p.ends[1-e.side].recv
	if recv == nil {
		e.p.dropped++
	}
	e.p.mu.Unlock()

	if recv != nil {
		recv(append([]byte{}, msg...))
	}
	return nil
}

// Close closes both ends. Close is idempotent.
func (e *PipeEnd) Close() error {
	e.p.mu.Lock()
	if e.p.closed {
		e.p.mu.Unlock()
		return nil
	}
	e.p.closed = true
	hooks := []func(){e.p.ends[0].onClose, e.p.ends[1].onClose}
	e.p.mu.Unlock()

	for _, fn := range hooks {
		if fn != nil {
			fn()
		}
	}
	return nil
}

// Closed reports whether the pipe is closed.
func (e *PipeEnd) Closed() bool {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.p.closed
}
