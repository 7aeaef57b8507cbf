// Package idle implements the reference-counted gate deciding when the
// connection may go inactive or shut down, and when it must stay active.
//
// Every mutation runs on one worker goroutine, so holds and releases coming
// from listeners, timers and user commands are strictly ordered.
package idle

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meszmate/beacon/internal/platform"
)

// Alarm names
const (
	AlarmInactive = "idle.inactive"
	AlarmShutdown = "idle.shutdown"
	AlarmLowPower = "idle.lowpower"
)

// Peer is the connection the controller signals. It is implemented by the
// supervisor, which forwards to whatever transport is current.
type Peer interface {
	IsConnected() bool
	IsAuthenticated() bool
	// SupportsCSI reports whether the server advertised client state indication
	SupportsCSI() bool
	SendActive() error
	SendInactive() error
	// SendPresence broadcasts available presence, or away presence when away is set
	SendPresence(away bool) error
}

// Options configure a Controller
type Options struct {
	// InactiveDelay is the debounce before an unheld gate goes inactive
	InactiveDelay time.Duration
	// IdleTimeout arms the outer shutdown timer; zero disables it
	IdleTimeout time.Duration
	// LowPowerInterval is a recurring liveness test while inactive; zero disables it
	LowPowerInterval time.Duration
	// OnIdle is called when the shutdown timer expires with nothing holding the
	// gate. It reports true if the connection is still being established, in
	// which case the timer is re-armed. It runs on the controller goroutine and
	// must not call back into the controller synchronously.
	OnIdle func() (connecting bool)
	// OnLowPower is called on each low-power tick
	OnLowPower func()
}

// State is a snapshot of the gate
type State struct {
	Holds    int
	Inactive bool
	// DebouncePending is set while an unheld gate waits to go inactive
	DebouncePending bool
	ShutdownPending bool
}

// Active reports whether the gate is in an active state
func (s State) Active() bool {
	return !s.Inactive
}

// Controller is the idle gate
type Controller struct {
	alarms platform.Scheduler
	opts   Options
	log    logrus.FieldLogger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed bool

	// owned by the worker goroutine
	peer     Peer
	holds    int
	inactive bool
	// away mirrors the presence last broadcast on the current stream
	away bool
	gen  uint64
}

// New starts a controller. The peer may be bound later with SetPeer.
func New(alarms platform.Scheduler, peer Peer, opts Options, log logrus.FieldLogger) *Controller {
	if opts.InactiveDelay <= 0 {
		opts.InactiveDelay = 30 * time.Second
	}
	c := &Controller{
		alarms: alarms,
		opts:   opts,
		log:    log.WithField("component", "idle"),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		peer:   peer,
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			op := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			op()
		}
	}
}

func (c *Controller) post(op func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, op)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// call runs op on the worker and waits for it
func (c *Controller) call(op func()) bool {
	ran := make(chan struct{})
	c.post(func() {
		op()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-c.done:
		return false
	}
}

// SetPeer binds the connection the controller signals
func (c *Controller) SetPeer(peer Peer) {
	c.post(func() { c.peer = peer })
}

// Hold places a reference on the gate. With activate set, an inactive
// connection is made active even when other holds are outstanding.
func (c *Controller) Hold(activate bool) {
	c.post(func() { c.hold(activate) })
}

// Release drops a reference placed by Hold
func (c *Controller) Release() {
	c.post(c.release)
}

// ForceInactive enters the inactive state now if nothing holds the gate
func (c *Controller) ForceInactive() {
	c.post(c.goInactive)
}

// OnAuthenticated re-evaluates the gate for a freshly authenticated stream
func (c *Controller) OnAuthenticated() {
	c.post(c.authenticated)
}

// OnDisconnected disarms the inactivity timers; holds are kept
func (c *Controller) OnDisconnected() {
	c.post(func() {
		c.gen++
		c.alarms.Cancel(AlarmInactive)
		c.alarms.Cancel(AlarmLowPower)
	})
}

// State returns a snapshot taken after every previously posted operation ran
func (c *Controller) State() State {
	var st State
	c.call(func() {
		st = State{
			Holds:           c.holds,
			Inactive:        c.inactive,
			DebouncePending: c.alarms.Pending(AlarmInactive),
			ShutdownPending: c.alarms.Pending(AlarmShutdown),
		}
	})
	return st
}

// Held reports whether any hold is outstanding
func (c *Controller) Held() bool {
	return c.State().Holds > 0
}

// Close stops the worker and disarms every timer
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	close(c.stop)
	<-c.done

	c.alarms.Cancel(AlarmInactive)
	c.alarms.Cancel(AlarmShutdown)
	c.alarms.Cancel(AlarmLowPower)
}

func (c *Controller) connected() bool {
	return c.peer != nil && c.peer.IsConnected()
}

func (c *Controller) authenticatedPeer() bool {
	return c.peer != nil && c.peer.IsAuthenticated()
}

func (c *Controller) cancelTimers() {
	c.gen++
	c.alarms.Cancel(AlarmInactive)
	c.alarms.Cancel(AlarmShutdown)
	c.alarms.Cancel(AlarmLowPower)
}

func (c *Controller) hold(activate bool) {
	c.holds++
	c.cancelTimers()

	if (activate || c.holds == 1) && (c.inactive || c.away) && c.connected() {
		c.goActive()
	}
}

func (c *Controller) release() {
	if c.holds == 0 {
		c.log.Warn("release without matching hold")
		return
	}
	c.holds--
	if c.holds > 0 {
		return
	}

	c.cancelTimers()
	if c.authenticatedPeer() {
		c.armDebounce()
	}
}

func (c *Controller) armDebounce() {
	gen := c.gen
	if !c.inactive {
		c.alarms.Set(AlarmInactive, c.opts.InactiveDelay, platform.Inexact, func() {
			c.post(func() { c.debounceExpired(gen) })
		})
	}
	if c.opts.IdleTimeout > 0 {
		c.alarms.Set(AlarmShutdown, c.opts.IdleTimeout, platform.Inexact, func() {
			c.post(func() { c.idleExpired(gen) })
		})
	}
}

func (c *Controller) debounceExpired(gen uint64) {
	if gen != c.gen || c.holds > 0 {
		return
	}
	c.goInactive()
}

func (c *Controller) goActive() {
	if c.inactive && c.peer != nil && c.peer.SupportsCSI() {
		if err := c.peer.SendActive(); err != nil {
			c.log.WithError(err).Debug("failed to send active state")
		}
	}
	if c.away && c.peer != nil {
		if err := c.peer.SendPresence(false); err != nil {
			c.log.WithError(err).Debug("failed to send available presence")
		}
	}
	c.inactive = false
	c.away = false
	c.alarms.Cancel(AlarmLowPower)
	c.log.Debug("connection active")
}

func (c *Controller) goInactive() {
	if c.inactive {
		return
	}
	if c.holds > 0 {
		c.log.WithField("holds", c.holds).Debug("not going inactive while held")
		return
	}

	c.alarms.Cancel(AlarmInactive)
	if c.connected() {
		if c.peer.SupportsCSI() {
			if err := c.peer.SendInactive(); err != nil {
				c.log.WithError(err).Debug("failed to send inactive state")
			}
		}
		if !c.away {
			if err := c.peer.SendPresence(true); err != nil {
				c.log.WithError(err).Debug("failed to send away presence")
			}
			c.away = true
		}
	}
	c.inactive = true
	c.log.Debug("connection inactive")

	if c.opts.LowPowerInterval > 0 && c.opts.OnLowPower != nil {
		iv := c.opts.LowPowerInterval
		c.alarms.SetRepeating(AlarmLowPower, iv, iv, platform.Inexact, func() {
			c.post(c.opts.OnLowPower)
		})
	}
}

func (c *Controller) idleExpired(gen uint64) {
	if gen != c.gen || c.holds > 0 || c.opts.OnIdle == nil {
		return
	}
	if c.opts.OnIdle() {
		c.log.Debug("still connecting, idle shutdown deferred")
		g := c.gen
		c.alarms.Set(AlarmShutdown, c.opts.IdleTimeout, platform.Inexact, func() {
			c.post(func() { c.idleExpired(g) })
		})
	}
}

func (c *Controller) authenticated() {
	// the supervisor announced away presence unless the gate was held
	c.away = c.holds == 0

	if c.holds > 0 {
		if c.inactive {
			c.goActive()
		}
		return
	}
	// a new stream starts out active on the server side
	c.inactive = false
	c.cancelTimers()
	c.armDebounce()
}
