// Package scheduler provides cancelable delayed execution.
//
// It is the timing primitive behind setup retry backoff and coordinator
// refresh cycles: schedule a callable after a delay, cancel it before it
// fires. A callable runs at most once. Cancel prevents a pending callable
// from starting; a callable that has already begun runs to completion, so
// callers that care re-check their own state when the callable runs.
package scheduler

import (
	"sync"
	"time"
)

// Scheduler tracks outstanding delayed callables so they can be cancelled
// individually or all at once during shutdown.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Scheduler struct {
	mu      sync.Mutex
	pending map[uint64]*Handle
	nextID  uint64
	closed  bool
}

// Handle identifies one scheduled callable.
type Handle struct {
	id    uint64
	timer *time.Timer
	s     *Scheduler
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		pending: make(map[uint64]*Handle),
	}
}

// Schedule runs fn once after delay on its own goroutine.
//
// The returned Handle cancels the invocation if it has not started yet.
// After Close, Schedule returns an inert handle and fn never runs.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &Handle{}
	}

	s.nextID++
	id := s.nextID
	h := &Handle{id: id, s: s}

	h.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()

		// Cancelled between firing and acquiring the lock.
		if !live {
			return
		}
		fn()
	})

	s.pending[id] = h
	return h
}

// Cancel stops the callable if it has not started.
//
// Returns true if the invocation was prevented, false if it already ran,
// already started, or was cancelled before.
func (h *Handle) Cancel() bool {
	if h.s == nil {
		return false
	}

	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	if _, live := h.s.pending[h.id]; !live {
		return false
	}
	delete(h.s.pending, h.id)
	h.timer.Stop()
	return true
}

// Pending reports the number of scheduled callables that have not fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every pending callable and rejects new ones.
//
// Callables already executing are not interrupted.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, h := range s.pending {
		h.timer.Stop()
		delete(s.pending, id)
	}
}
