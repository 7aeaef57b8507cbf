package platform

import (
	"sort"
	"sync"
	"time"
)

// ManualClock is a Clock that only moves when told to
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the frozen time
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Add moves the clock forward by d
func (c *ManualClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type manualAlarm struct {
	name     string
	due      time.Time
	interval time.Duration
	kind     AlarmKind
	fn       func()
	seq      uint64
}

// ManualScheduler is a Scheduler driven by a ManualClock. Alarms fire
// synchronously from Advance, in due order.
type ManualScheduler struct {
	mu     sync.Mutex
	clock  *ManualClock
	alarms map[string]*manualAlarm
	seq    uint64
}

// NewManualScheduler creates a scheduler bound to clock
func NewManualScheduler(clock *ManualClock) *ManualScheduler {
	return &ManualScheduler{
		clock:  clock,
		alarms: make(map[string]*manualAlarm),
	}
}

// Set arms a one-shot alarm
func (s *ManualScheduler) Set(name string, delay time.Duration, kind AlarmKind, fn func()) {
	s.arm(name, delay, 0, kind, fn)
}

// SetRepeating arms a repeating alarm
func (s *ManualScheduler) SetRepeating(name string, first, interval time.Duration, kind AlarmKind, fn func()) {
	s.arm(name, first, interval, kind, fn)
}

func (s *ManualScheduler) arm(name string, delay, interval time.Duration, kind AlarmKind, fn func()) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.alarms[name] = &manualAlarm{
		name:     name,
		due:      s.clock.Now().Add(delay),
		interval: interval,
		kind:     kind,
		fn:       fn,
		seq:      s.seq,
	}
}

// Cancel disarms an alarm
func (s *ManualScheduler) Cancel(name string) {
	s.mu.Lock()
	delete(s.alarms, name)
	s.mu.Unlock()
}

// Pending reports whether an alarm is armed
func (s *ManualScheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.alarms[name]
	return ok
}

// Due returns the time an alarm will fire and its kind
func (s *ManualScheduler) Due(name string) (time.Time, AlarmKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[name]
	if !ok {
		return time.Time{}, Inexact, false
	}
	return a.due, a.kind, true
}

// Delay returns how long until the named alarm fires
func (s *ManualScheduler) Delay(name string) (time.Duration, bool) {
	due, _, ok := s.Due(name)
	if !ok {
		return 0, false
	}
	return due.Sub(s.clock.Now()), true
}

// Names returns the armed alarm names, sorted
func (s *ManualScheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.alarms))
	for name := range s.alarms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Advance moves the clock forward by d, firing every alarm that comes due
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.clock.Now().Add(d)
	for {
		s.mu.Lock()
		var next *manualAlarm
		for _, a := range s.alarms {
			if a.due.After(target) {
				continue
			}
			if next == nil || a.due.Before(next.due) || (a.due.Equal(next.due) && a.seq < next.seq) {
				next = a
			}
		}
		if next == nil {
			s.mu.Unlock()
			break
		}
		if next.due.After(s.clock.Now()) {
			s.clock.Set(next.due)
		}
		if next.interval > 0 {
			next.due = next.due.Add(next.interval)
		} else {
			delete(s.alarms, next.name)
		}
		fn := next.fn
		s.mu.Unlock()

		fn()
	}
	s.clock.Set(target)
}

// Fire runs the named alarm now, as if it had come due
func (s *ManualScheduler) Fire(name string) bool {
	s.mu.Lock()
	a, ok := s.alarms[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if a.interval > 0 {
		a.due = s.clock.Now().Add(a.interval)
	} else {
		delete(s.alarms, name)
	}
	fn := a.fn
	s.mu.Unlock()

	fn()
	return true
}
