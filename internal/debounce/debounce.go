// Package debounce provides the coalescing timer shared by every delayed
// action in livesync: change notification on the server, mutation batch
// flushes and invalidation on the client.
//
// A Scheduler holds at most one pending action per key. Scheduling a key that
// is already pending restarts its quiet period and replaces the action, so a
// burst of triggers collapses into one run after the burst ends.
package debounce

import (
	"sync"
	"time"
)

// Scheduler coalesces actions by key.
//
// Thread-safety: all methods are safe for concurrent use. Actions run on
// their own goroutine (time.AfterFunc) and never while the scheduler lock is
// held, so an action may call back into the scheduler.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*pendingAction
	gen     uint64
	stopped bool
}

type pendingAction struct {
	timer *time.Timer
	gen   uint64
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{pending: make(map[string]*pendingAction)}
}

// Schedule runs action once delay has passed without another Schedule call
// for the same key. Returns false if the scheduler has been stopped.
func (s *Scheduler) Schedule(key string, delay time.Duration, action func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}

	p, ok := s.pending[key]
	if !ok {
		p = &pendingAction{}
		s.pending[key] = p
	} else {
		p.timer.Stop()
	}

	// A timer that already fired may be blocked on the lock; the generation
	// check makes it a no-op.
	s.gen++
	gen := s.gen
	p.gen = gen
	p.timer = time.AfterFunc(delay, func() {
		if !s.claim(key, gen) {
			return
		}
		action()
	})
	return true
}

// claim removes the pending slot if it still belongs to generation gen.
func (s *Scheduler) claim(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[key]
	if !ok || p.gen != gen {
		return false
	}
	delete(s.pending, key)
	return true
}

// Cancel drops the pending action for key, if any.
// Returns true if an action was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, key)
	return true
}

// Pending reports whether an action is waiting for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of pending actions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending action and rejects future Schedule calls.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
}
