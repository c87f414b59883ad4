// Package backoff implements the capped-exponential reconnect schedule
// spec.md §4.4 calls for (0.25s -> 5s). The teacher inlines fixed
// timeout constants per call site (lib/hypervisor/qemu/qmp.go); this
// generalizes that into a small reusable sequence. The qemu adapter holds
// one per VM; the crosvm adapter and the VM-restart file watcher do not
// use it.
package backoff

import "time"

// Sequence produces a capped-exponential delay schedule.
type Sequence struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	current time.Duration
}

// New creates a Sequence starting at initial, doubling (by default) up
// to max on each call to Next.
func New(initial, max time.Duration) *Sequence {
	return &Sequence{initial: initial, max: max, factor: 2, current: 0}
}

// Next returns the next delay in the schedule and advances it.
func (s *Sequence) Next() time.Duration {
	if s.current == 0 {
		s.current = s.initial
		return s.current
	}
	next := time.Duration(float64(s.current) * s.factor)
	if next > s.max {
		next = s.max
	}
	s.current = next
	return s.current
}

// Reset returns the sequence to its initial state, called after a
// successful reconnect.
func (s *Sequence) Reset() {
	s.current = 0
}

// DefaultQMP is the backoff schedule for QMP reconnects per spec.md §4.4.
func DefaultQMP() *Sequence {
	return New(250*time.Millisecond, 5*time.Second)
}
