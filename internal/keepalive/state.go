// Package keepalive adapts the server ping interval per network. Intervals
// grow multiplicatively after sustained success and shrink after failures,
// converging on the longest interval the network path tolerates.
package keepalive

import "time"

// maxNextIncrease caps the growth penalty so repeated failures cannot overflow it
const maxNextIncrease = 24 * time.Hour

// Bounds clamp every interval the scheduler will ever arm
type Bounds struct {
	Min    time.Duration
	Max    time.Duration
	Growth float64
}

// DefaultBounds are the 90s..30min bounds with 1.5x growth
var DefaultBounds = Bounds{
	Min:    90 * time.Second,
	Max:    30 * time.Minute,
	Growth: 1.5,
}

// Clamp bounds d to [Min, Max]
func (b Bounds) Clamp(d time.Duration) time.Duration {
	if d < b.Min {
		return b.Min
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

func (b Bounds) grow(d time.Duration) time.Duration {
	return time.Duration(float64(d) * b.Growth)
}

// State is the keepalive record for one network
type State struct {
	Network  string
	Interval time.Duration
	// LastSuccess is when the last ping succeeded
	LastSuccess time.Time
	// LastSuccessfulInterval is non-zero only while an increase is being probed;
	// it holds the interval that was known to work before the probe.
	LastSuccessfulInterval time.Duration
	// NextIncrease is how long pings must keep succeeding before growing
	NextIncrease time.Duration
}

// Probing reports whether an increase is being tried
func (s *State) Probing() bool {
	return s.LastSuccessfulInterval > 0
}

// Reset prepares the state for a freshly established connection
func (s *State) Reset(now time.Time, b Bounds) {
	s.Interval = b.Clamp(s.Interval)
	if s.NextIncrease <= 0 {
		s.NextIncrease = s.Interval
	}
	s.LastSuccessfulInterval = 0
	s.LastSuccess = now
}

// OnSuccess records a successful ping and returns the interval to arm next
func (s *State) OnSuccess(now time.Time, b Bounds) time.Duration {
	if s.Probing() {
		// the longer interval held: commit it
		s.NextIncrease = s.Interval
		s.LastSuccessfulInterval = 0
	} else if !s.LastSuccess.IsZero() && now.Sub(s.LastSuccess) >= s.NextIncrease {
		s.LastSuccessfulInterval = s.Interval
		s.Interval = b.grow(s.Interval)
	}
	s.LastSuccess = now
	s.Interval = b.Clamp(s.Interval)
	return s.Interval
}

// OnFailure records a failed ping and returns the interval to arm next
func (s *State) OnFailure(b Bounds) time.Duration {
	if s.Probing() {
		s.Interval = s.LastSuccessfulInterval
		s.NextIncrease = b.grow(s.NextIncrease)
		if s.NextIncrease > maxNextIncrease {
			s.NextIncrease = maxNextIncrease
		}
		s.LastSuccessfulInterval = 0
	} else {
		s.Interval /= 2
	}
	s.Interval = b.Clamp(s.Interval)
	return s.Interval
}
