// Package clock supplies the logical time used for market end-time gating.
// The settlement core never reads the wall clock directly; every timestamp
// it sees comes from a Clock or from a recorded event during replay.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time as Unix seconds. Successive calls never
// return a smaller value.
type Clock interface {
	Now() int64
}

// System is a Clock backed by time.Now. If the wall clock steps backwards
// the last observed value is returned until real time catches up.
type System struct {
	mu   sync.Mutex
	last int64
}

func NewSystem() *System {
	return &System{}
}

func (s *System) Now() int64 {
	now := time.Now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now < s.last {
		return s.last
	}
	s.last = now
	return now
}

// Manual is a Clock driven by the caller. Used by tests and replay tooling.
type Manual struct {
	mu  sync.Mutex
	now int64
}

func NewManual(start int64) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.now {
		m.now = t
	}
}

// Advance moves the clock forward by d seconds.
func (m *Manual) Advance(d int64) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += d
}
