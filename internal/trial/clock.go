package trial

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers and reports the current time.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// RealScheduler uses the runtime timer wheel.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (RealScheduler) Now() time.Time                            { return time.Now() }

// ManualScheduler is a virtual clock. Timers fire only when the clock is
// advanced, in deadline order, on the caller's goroutine.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	s   *ManualScheduler
	at  time.Time
	seq int
	f   func()
}

// NewManualScheduler starts the virtual clock at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, at: s.now.Add(d), seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i, other := range t.s.timers {
		if other == t {
			t.s.timers = append(t.s.timers[:i], t.s.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of armed timers.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// next pops the earliest timer due at or before limit. A zero limit means no bound.
func (s *ManualScheduler) next(limit time.Time) *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].at.Equal(s.timers[j].at) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].at.Before(s.timers[j].at)
	})
	t := s.timers[0]
	if !limit.IsZero() && t.at.After(limit) {
		return nil
	}
	s.timers = s.timers[1:]
	if t.at.After(s.now) {
		s.now = t.at
	}
	return t
}

// Advance moves the clock forward by d, firing every timer that falls due,
// including timers armed by callbacks along the way.
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.Now().Add(d)
	for {
		t := s.next(target)
		if t == nil {
			break
		}
		t.f()
	}
	s.mu.Lock()
	if target.After(s.now) {
		s.now = target
	}
	s.mu.Unlock()
}

// Step jumps to the next armed timer and fires it. It reports false when
// nothing is armed.
func (s *ManualScheduler) Step() bool {
	t := s.next(time.Time{})
	if t == nil {
		return false
	}
	t.f()
	return true
}
