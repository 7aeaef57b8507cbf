package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meszmate/beacon/internal/platform"
)

// AlarmName is the platform alarm the scheduler arms
const AlarmName = "keepalive.ping"

// Pinger is the part of the connection the scheduler probes
type Pinger interface {
	Ping(ctx context.Context) error
	LastReceived() time.Time
}

// Options configure a Scheduler
type Options struct {
	Bounds      Bounds
	FastTimeout time.Duration
	SlowTimeout time.Duration
	// OnDead is called after a failed probe so the owner can restart the connection
	OnDead func(err error)
}

// Scheduler arms liveness probes for the current connection
type Scheduler struct {
	mu       sync.Mutex
	registry *Registry
	alarms   platform.Scheduler
	clock    platform.Clock
	opts     Options
	log      logrus.FieldLogger

	conn     Pinger
	network  platform.Network
	state    *State
	gen      uint64
	inFlight bool

	spawn func(func())
}

// NewScheduler creates a scheduler persisting through registry
func NewScheduler(registry *Registry, alarms platform.Scheduler, clock platform.Clock, opts Options, log logrus.FieldLogger) *Scheduler {
	if opts.Bounds.Growth <= 1 {
		opts.Bounds = DefaultBounds
	}
	if opts.FastTimeout <= 0 {
		opts.FastTimeout = 5 * time.Second
	}
	if opts.SlowTimeout <= 0 {
		opts.SlowTimeout = 10 * time.Second
	}
	return &Scheduler{
		registry: registry,
		alarms:   alarms,
		clock:    clock,
		opts:     opts,
		log:      log.WithField("component", "keepalive"),
		spawn:    func(fn func()) { go fn() },
	}
}

// OnConnectionEstablished loads the state for network and arms the first probe
func (s *Scheduler) OnConnectionEstablished(conn Pinger, network platform.Network) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.conn = conn
	s.network = network
	s.inFlight = false
	s.state = s.registry.Get(network.ID)
	s.state.Reset(s.clock.Now(), s.opts.Bounds)

	s.log.WithFields(logrus.Fields{
		"network":  network.ID,
		"interval": s.state.Interval,
	}).Info("keepalive started")

	s.armLocked()
}

// OnPingSuccess records a successful probe
func (s *Scheduler) OnPingSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successLocked()
}

// OnPingFailure records a failed probe
func (s *Scheduler) OnPingFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureLocked()
}

func (s *Scheduler) successLocked() {
	if s.state == nil {
		return
	}
	prev := s.state.Interval
	interval := s.state.OnSuccess(s.clock.Now(), s.opts.Bounds)
	if interval != prev {
		s.log.WithFields(logrus.Fields{
			"network": s.state.Network,
			"from":    prev,
			"to":      interval,
		}).Debug("probing longer keepalive interval")
	}
	s.registry.Save(s.state)
	s.armLocked()
}

func (s *Scheduler) failureLocked() {
	if s.state == nil {
		return
	}
	prev := s.state.Interval
	interval := s.state.OnFailure(s.opts.Bounds)
	s.log.WithFields(logrus.Fields{
		"network": s.state.Network,
		"from":    prev,
		"to":      interval,
	}).Info("keepalive failed, shortening interval")
	s.registry.Save(s.state)
	s.armLocked()
}

// armLocked schedules the next probe, discounting time since the peer last
// sent anything
func (s *Scheduler) armLocked() {
	if s.conn == nil || s.state == nil {
		return
	}

	interval := s.state.Interval
	delay := interval
	if last := s.conn.LastReceived(); !last.IsZero() {
		delay = interval - s.clock.Now().Sub(last)
	}
	if delay < 0 {
		delay = 0
	}

	gen := s.gen
	fire := func() { s.onAlarm(gen) }
	if s.network.Unmetered() {
		s.alarms.SetRepeating(AlarmName, delay, interval, platform.Inexact, fire)
	} else {
		s.alarms.Set(AlarmName, delay, platform.Exact, fire)
	}
}

func (s *Scheduler) onAlarm(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.conn == nil {
		s.mu.Unlock()
		return
	}

	// traffic arrived since arming; the connection is evidently alive
	if last := s.conn.LastReceived(); !last.IsZero() {
		if s.clock.Now().Sub(last) < s.state.Interval {
			s.armLocked()
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	s.Probe(false)
}

// Probe sends a ping off the caller's goroutine. Only one probe runs at a time.
func (s *Scheduler) Probe(fast bool) {
	s.mu.Lock()
	if s.conn == nil || s.inFlight {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	conn, gen := s.conn, s.gen
	timeout := s.opts.SlowTimeout
	if fast {
		timeout = s.opts.FastTimeout
	}
	s.mu.Unlock()

	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := conn.Ping(ctx)
		cancel()
		s.probeDone(gen, err)
	})
}

func (s *Scheduler) probeDone(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		// result for a connection that has since been replaced
		s.mu.Unlock()
		return
	}
	s.inFlight = false
	if err == nil {
		s.successLocked()
		s.mu.Unlock()
		return
	}
	s.failureLocked()
	onDead := s.opts.OnDead
	s.mu.Unlock()

	s.log.WithError(err).Warn("keepalive probe failed")
	if onDead != nil {
		onDead(err)
	}
}

// Stop disarms the scheduler until the next connection
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.conn = nil
	s.state = nil
	s.inFlight = false
	s.alarms.Cancel(AlarmName)
}

// Current returns a copy of the active state
func (s *Scheduler) Current() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return State{}, false
	}
	return *s.state, true
}

// Network returns the network the current connection was established on
func (s *Scheduler) Network() platform.Network {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.network
}
