// Package waitable provides a level-triggered, cross-goroutine wake
// primitive that composes into a select alongside other channels. It is the
// shutdown signal the HA role watcher waits on together with its
// notification stream.
package waitable

import (
	"sync"
	"time"
)

// Signal is a level-triggered flag: Set persists until Clear. It is designed
// for a single waiter and any number of setters.
//
// The no-missed-wakeup property holds because Set closes the channel a
// concurrent waiter is already selecting on: a Set racing a Wait is always
// observed by that Wait. Channels carry no OS resources, so there is nothing
// to dispose.
type Signal struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// New creates a Signal in the Clear state.
func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set moves the signal to Set. Idempotent and non-blocking: a second Set
// while already Set is a no-op, never double-buffered.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

// Clear moves the signal back to Clear. A no-op if already Clear.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

// IsSet reports the current state.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Ready returns a channel that is closed while the signal is Set. Callers
// select on it alongside their other channels; they must call Ready again
// after a Clear, since Clear swaps the channel out.
func (s *Signal) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the signal is Set or the timeout elapses, and reports
// whether it was Set. A negative timeout waits without bound; zero polls.
func (s *Signal) Wait(timeout time.Duration) bool {
	ready := s.Ready()

	// An already-Set signal wins regardless of timeout; without this fast
	// path a zero or expired timeout would race the closed channel in the
	// select below and lose half the time.
	select {
	case <-ready:
		return true
	default:
	}

	if timeout < 0 {
		<-ready
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return true
	case <-timer.C:
		return false
	}
}
