package session

import (
	"sync"
	"time"
)

// State is the process-wide view of the engine: the visible active flag and
// the activity clock. The controller worker writes the flag; the watchdog may
// only clear it. The reducer touches the clock.
type State struct {
	mu           sync.Mutex
	active       bool
	lastActivity time.Time
	now          func() time.Time
	listeners    []func(active bool)
}

// NewState returns an inactive state using the wall clock.
func NewState() *State {
	return newStateWithClock(time.Now)
}

func newStateWithClock(now func() time.Time) *State {
	return &State{now: now, lastActivity: now()}
}

// IsActive reports the visible active flag.
func (s *State) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// OnChange registers a listener called after every change of the active flag.
// Listeners run outside the lock, in registration order.
func (s *State) OnChange(fn func(active bool)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *State) setActive(active bool) bool {
	s.mu.Lock()
	if s.active == active {
		s.mu.Unlock()
		return false
	}
	s.active = active
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(active)
	}
	return true
}

// Touch records transcript activity.
func (s *State) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// ResetActivity restarts the idle period.
func (s *State) ResetActivity() {
	s.Touch()
}

// LastActivity returns the time of the last recorded activity.
func (s *State) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// deactivateIfIdle clears the active flag if the session has been idle for at
// least timeout. It reports whether it made the transition, so a single
// idle period produces exactly one true.
func (s *State) deactivateIfIdle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	if !s.active || now.Sub(s.lastActivity) < timeout {
		s.mu.Unlock()
		return false
	}
	s.active = false
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(false)
	}
	return true
}
