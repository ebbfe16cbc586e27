// Package sentinel implements the resource sentinel: a process-wide test
// oracle that panics if two nodes are ever concurrently inside the critical
// section. It is not a production lock — acquisition never blocks.
package sentinel

import "go.uber.org/atomic"

// Sentinel witnesses critical-section entry. Acquire panics if the
// sentinel is already held, which signals a correctness bug in the
// protocol implementation rather than an expected contention outcome.
type Sentinel struct {
	acquired atomic.Bool
}

// New returns a released Sentinel.
func New() *Sentinel {
	return &Sentinel{}
}

// Acquire marks the sentinel held. It panics if the sentinel was already
// held, meaning two nodes entered the critical section concurrently.
func (s *Sentinel) Acquire() {
	if !s.acquired.CompareAndSwap(false, true) {
		panic("sentinel: resource already acquired — mutual exclusion violated")
	}
}

// Release marks the sentinel free.
func (s *Sentinel) Release() {
	s.acquired.Store(false)
}

// Held reports whether the sentinel is currently acquired. Intended for
// tests and diagnostics only.
func (s *Sentinel) Held() bool {
	return s.acquired.Load()
}
