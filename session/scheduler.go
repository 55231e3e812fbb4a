package session

import (
	"sync"
	"time"
)

// Scheduler arms a single future callback, replacing any previously armed
// one (spec.md §4.5, §9: the session never runs a free-standing timer
// loop — it always schedules exactly one externally-driven deadline and
// reacts to it under its own lock).
type Scheduler interface {
	// Arm schedules fn to run after d, cancelling any previously armed
	// callback first.
	Arm(d time.Duration, fn func())
	// Cancel cancels any armed callback. Safe to call when nothing is
	// armed.
	Cancel()
}

// timerScheduler is a Scheduler backed by time.AfterFunc.
type timerScheduler struct {
	mu    sync.Mutex
	timer *time.Timer
}

// NewTimerScheduler returns a Scheduler backed by the standard library's
// timer facility.
func NewTimerScheduler() Scheduler {
	return &timerScheduler{}
}

func (s *timerScheduler) Arm(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, fn)
}

func (s *timerScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
