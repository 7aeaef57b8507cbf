// Package platform provides the operating-system facing capabilities the
// connection core depends on: a clock, named alarms that can be exact or
// inexact, a bounded wake lock and network type detection.
package platform

import (
	"sync"
	"time"
)

// Clock tells the current time
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// AlarmKind selects how precisely an alarm must fire
type AlarmKind int

const (
	// Inexact alarms may be batched with other wake-ups
	Inexact AlarmKind = iota
	// Exact alarms must fire on time (metered networks drop late pings)
	Exact
)

func (k AlarmKind) String() string {
	if k == Exact {
		return "exact"
	}
	return "inexact"
}

// Scheduler arms named alarms. Setting an alarm with a name that is already
// armed replaces it.
type Scheduler interface {
	Set(name string, delay time.Duration, kind AlarmKind, fn func())
	SetRepeating(name string, first, interval time.Duration, kind AlarmKind, fn func())
	Cancel(name string)
	Pending(name string) bool
}

type alarm struct {
	timer    *time.Timer
	gen      uint64
	kind     AlarmKind
	interval time.Duration
}

// TimerScheduler implements Scheduler on runtime timers
type TimerScheduler struct {
	mu     sync.Mutex
	alarms map[string]*alarm
	gen    uint64
}

// NewTimerScheduler creates a scheduler backed by time.AfterFunc
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{
		alarms: make(map[string]*alarm),
	}
}

// Set arms a one-shot alarm
func (s *TimerScheduler) Set(name string, delay time.Duration, kind AlarmKind, fn func()) {
	s.arm(name, delay, 0, kind, fn)
}

// SetRepeating arms an alarm that fires after first and then every interval
func (s *TimerScheduler) SetRepeating(name string, first, interval time.Duration, kind AlarmKind, fn func()) {
	s.arm(name, first, interval, kind, fn)
}

func (s *TimerScheduler) arm(name string, delay, interval time.Duration, kind AlarmKind, fn func()) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.alarms[name]; ok {
		old.timer.Stop()
	}

	s.gen++
	a := &alarm{gen: s.gen, kind: kind, interval: interval}
	a.timer = time.AfterFunc(delay, func() { s.fire(name, a.gen, fn) })
	s.alarms[name] = a
}

func (s *TimerScheduler) fire(name string, gen uint64, fn func()) {
	s.mu.Lock()
	a, ok := s.alarms[name]
	if !ok || a.gen != gen {
		// replaced or cancelled after the timer had already started firing
		s.mu.Unlock()
		return
	}
	if a.interval > 0 {
		a.timer.Reset(a.interval)
	} else {
		delete(s.alarms, name)
	}
	s.mu.Unlock()

	fn()
}

// Cancel disarms an alarm
func (s *TimerScheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.alarms[name]; ok {
		a.timer.Stop()
		delete(s.alarms, name)
	}
}

// Pending reports whether an alarm is armed
func (s *TimerScheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.alarms[name]
	return ok
}

// CancelAll disarms every alarm
func (s *TimerScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, a := range s.alarms {
		a.timer.Stop()
		delete(s.alarms, name)
	}
}
