// pkg/spool/handle.go

package spool

import (
	"context"
	"sync/atomic"

	"AveGrid/pkg/chunk"
)

// Handle tracks one load request. The worker stores the result and then
// closes `done`; nothing else is shared, so polling never touches the
// spooler's lock.
type Handle struct {
	id     chunk.ID
	s      *Spooler
	done   chan struct{}
	taken  int32
	closed int32 // done already closed

	chunk *chunk.Chunk
	found bool
	err   error
}

func newHandle(s *Spooler, id chunk.ID) *Handle {
	return &Handle{id: id, s: s, done: make(chan struct{})}
}

// ID returns the chunk id of the request.
func (h *Handle) ID() chunk.ID {
	return h.id
}

// Done returns a channel that is closed once the result is available. It is
// never closed for a cancelled request.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) IsFinished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the request is finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take hands the loaded chunk over to the caller. found is false when the
// chunk does not exist on disk and the caller has to create a new one. Calling
// Take on an unfinished request panics; a second call returns ErrTaken.
func (h *Handle) Take() (c *chunk.Chunk, found bool, err error) {
	if !h.IsFinished() {
		panic("take on unfinished request for chunk " + h.id.String())
	}
	if !atomic.CompareAndSwapInt32(&h.taken, 0, 1) {
		return nil, false, ErrTaken
	}
	c, h.chunk = h.chunk, nil
	return c, h.found, h.err
}

// Cancel removes the request if it is still pending. It returns false when
// the worker already picked it up; the result then stays collectible.
func (h *Handle) Cancel() bool {
	return h.s.cancel(h)
}

// Promote lowers the priority of a pending request to `priority` if that is
// more urgent. It returns false when the request is no longer pending.
func (h *Handle) Promote(priority int) bool {
	return h.s.promote(h, priority)
}

// finish publishes the result. It must be called at most once.
func (h *Handle) finish(c *chunk.Chunk, found bool, err error) {
	if !atomic.CompareAndSwapInt32(&h.closed, 0, 1) {
		panic("request for chunk " + h.id.String() + " finished twice")
	}
	h.chunk, h.found, h.err = c, found, err
	close(h.done)
}
