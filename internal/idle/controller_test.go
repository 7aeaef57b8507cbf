package idle

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/beacon/internal/logging"
	"github.com/meszmate/beacon/internal/platform"
)

type fakePeer struct {
	mu            sync.Mutex
	connected     bool
	authenticated bool
	csi           bool
	signals       []string
	presences     []string
}

func (p *fakePeer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePeer) IsAuthenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated
}

func (p *fakePeer) SupportsCSI() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.csi
}

func (p *fakePeer) SendActive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, "active")
	return nil
}

func (p *fakePeer) SendInactive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, "inactive")
	return nil
}

func (p *fakePeer) SendPresence(away bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if away {
		p.presences = append(p.presences, "away")
	} else {
		p.presences = append(p.presences, "available")
	}
	return nil
}

func (p *fakePeer) Presences() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.presences...)
}

func (p *fakePeer) Signals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.signals...)
}

func (p *fakePeer) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.authenticated = v
	p.mu.Unlock()
}

type fixture struct {
	alarms *platform.ManualScheduler
	peer   *fakePeer
	ctrl   *Controller

	mu         sync.Mutex
	idleCalls  int
	lowPower   int
	connecting bool
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		alarms: platform.NewManualScheduler(platform.NewManualClock(time.Unix(0, 0))),
		peer:   &fakePeer{connected: true, authenticated: true, csi: true},
	}
	if opts.OnIdle == nil {
		opts.OnIdle = func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.idleCalls++
			return f.connecting
		}
	}
	if opts.OnLowPower == nil {
		opts.OnLowPower = func() {
			f.mu.Lock()
			f.lowPower++
			f.mu.Unlock()
		}
	}
	f.ctrl = New(f.alarms, f.peer, opts, logging.Discard())
	t.Cleanup(f.ctrl.Close)
	return f
}

// advance fires due alarms and waits for the resulting operations
func (f *fixture) advance(d time.Duration) State {
	f.ctrl.State()
	f.alarms.Advance(d)
	return f.ctrl.State()
}

func TestReleaseDebouncesIntoInactive(t *testing.T) {
	f := newFixture(t, Options{InactiveDelay: 30 * time.Second})

	f.ctrl.Hold(false)
	f.ctrl.Release()
	st := f.ctrl.State()
	assert.False(t, st.Inactive)
	assert.True(t, st.DebouncePending)

	st = f.advance(29 * time.Second)
	assert.False(t, st.Inactive)

	st = f.advance(time.Second)
	assert.True(t, st.Inactive)
	assert.Equal(t, []string{"inactive"}, f.peer.Signals())
}

func TestHoldDuringDebounceCancelsIt(t *testing.T) {
	f := newFixture(t, Options{InactiveDelay: 30 * time.Second})

	f.ctrl.Hold(false)
	f.ctrl.Release()
	f.advance(20 * time.Second)

	f.ctrl.Hold(false)
	st := f.advance(time.Minute)
	assert.False(t, st.Inactive)
	assert.False(t, st.DebouncePending)
	assert.Equal(t, 1, st.Holds)

	f.ctrl.Release()
	st = f.advance(29 * time.Second)
	assert.False(t, st.Inactive)
	st = f.advance(time.Second)
	assert.True(t, st.Inactive)
}

func TestHoldWakesInactiveConnection(t *testing.T) {
	f := newFixture(t, Options{})
	f.ctrl.ForceInactive()
	require.True(t, f.ctrl.State().Inactive)

	f.ctrl.Hold(false)
	st := f.ctrl.State()
	assert.False(t, st.Inactive)
	assert.Equal(t, []string{"inactive", "active"}, f.peer.Signals())
}

func TestHoldWhileDisconnectedDefersActivation(t *testing.T) {
	f := newFixture(t, Options{})
	f.ctrl.ForceInactive()
	f.ctrl.State()
	f.peer.setConnected(false)

	f.ctrl.Hold(false)
	st := f.ctrl.State()
	assert.True(t, st.Inactive)
	assert.Equal(t, 1, st.Holds)

	f.peer.setConnected(true)
	f.ctrl.OnAuthenticated()
	st = f.ctrl.State()
	assert.False(t, st.Inactive)
	assert.Equal(t, []string{"inactive", "active"}, f.peer.Signals())
}

func TestPresenceFollowsGate(t *testing.T) {
	f := newFixture(t, Options{InactiveDelay: 30 * time.Second})

	// connected in the background: away was announced with the stream
	f.ctrl.OnAuthenticated()
	f.ctrl.State()
	assert.Empty(t, f.peer.Presences())

	f.ctrl.Hold(false)
	f.ctrl.State()
	assert.Equal(t, []string{"available"}, f.peer.Presences())
	assert.Empty(t, f.peer.Signals(), "stream never went inactive")

	f.ctrl.Release()
	st := f.advance(29 * time.Second)
	assert.False(t, st.Inactive)
	assert.Equal(t, []string{"available"}, f.peer.Presences())

	st = f.advance(time.Second)
	assert.True(t, st.Inactive)
	assert.Equal(t, []string{"available", "away"}, f.peer.Presences())
	assert.Equal(t, []string{"inactive"}, f.peer.Signals())

	f.ctrl.Hold(false)
	f.ctrl.State()
	assert.Equal(t, []string{"available", "away", "available"}, f.peer.Presences())
	assert.Equal(t, []string{"inactive", "active"}, f.peer.Signals())
}

func TestHeldStreamAnnouncesNoAway(t *testing.T) {
	f := newFixture(t, Options{})
	f.ctrl.Hold(false)
	f.ctrl.OnAuthenticated()
	f.ctrl.Hold(true)
	f.ctrl.State()
	assert.Empty(t, f.peer.Presences(), "initial presence was already available")
}

func TestActivateWithOutstandingHolds(t *testing.T) {
	f := newFixture(t, Options{})
	f.ctrl.ForceInactive()
	f.ctrl.State()
	f.peer.setConnected(false)
	f.ctrl.Hold(false)
	f.ctrl.State()
	f.peer.setConnected(true)

	// second hold would not normally re-activate
	f.ctrl.Hold(false)
	require.True(t, f.ctrl.State().Inactive)

	f.ctrl.Hold(true)
	st := f.ctrl.State()
	assert.False(t, st.Inactive)
	assert.Equal(t, 3, st.Holds)
}

func TestForceInactiveIdempotent(t *testing.T) {
	f := newFixture(t, Options{})

	f.ctrl.ForceInactive()
	once := f.ctrl.State()
	signals := f.peer.Signals()

	f.ctrl.ForceInactive()
	twice := f.ctrl.State()

	assert.Equal(t, once, twice)
	assert.Equal(t, signals, f.peer.Signals())
}

func TestForceInactiveIgnoredWhileHeld(t *testing.T) {
	f := newFixture(t, Options{})
	f.ctrl.Hold(false)
	f.ctrl.ForceInactive()
	assert.False(t, f.ctrl.State().Inactive)
}

func TestReleaseUnauthenticatedDoesNotArmDebounce(t *testing.T) {
	f := newFixture(t, Options{})
	f.peer.setConnected(false)

	f.ctrl.Hold(false)
	f.ctrl.Release()
	st := f.ctrl.State()
	assert.False(t, st.DebouncePending)

	f.peer.setConnected(true)
	f.ctrl.OnAuthenticated()
	assert.True(t, f.ctrl.State().DebouncePending)
}

func TestUnbalancedReleaseIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	f.ctrl.Release()
	assert.Equal(t, 0, f.ctrl.State().Holds)
}

func TestNoCSIStillTracksState(t *testing.T) {
	f := newFixture(t, Options{})
	f.peer.mu.Lock()
	f.peer.csi = false
	f.peer.mu.Unlock()

	f.ctrl.ForceInactive()
	assert.True(t, f.ctrl.State().Inactive)
	assert.Empty(t, f.peer.Signals())
}

func TestIdleShutdownTimer(t *testing.T) {
	f := newFixture(t, Options{
		InactiveDelay: 30 * time.Second,
		IdleTimeout:   5 * time.Minute,
	})

	f.ctrl.Hold(false)
	f.ctrl.Release()
	st := f.advance(time.Minute)
	assert.True(t, st.Inactive)
	assert.True(t, st.ShutdownPending)

	f.advance(4 * time.Minute)
	f.mu.Lock()
	assert.Equal(t, 1, f.idleCalls)
	f.mu.Unlock()
	assert.False(t, f.ctrl.State().ShutdownPending)
}

func TestIdleShutdownRearmsWhileConnecting(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: time.Minute})
	f.mu.Lock()
	f.connecting = true
	f.mu.Unlock()

	f.ctrl.Hold(false)
	f.ctrl.Release()
	st := f.advance(time.Minute)
	assert.True(t, st.ShutdownPending)

	f.mu.Lock()
	f.connecting = false
	f.mu.Unlock()
	st = f.advance(time.Minute)
	assert.False(t, st.ShutdownPending)

	f.mu.Lock()
	assert.Equal(t, 2, f.idleCalls)
	f.mu.Unlock()
}

func TestLowPowerTicksWhileInactive(t *testing.T) {
	f := newFixture(t, Options{LowPowerInterval: time.Minute})

	f.ctrl.ForceInactive()
	f.advance(3 * time.Minute)

	f.mu.Lock()
	assert.Equal(t, 3, f.lowPower)
	f.mu.Unlock()

	f.ctrl.Hold(false)
	f.advance(3 * time.Minute)
	f.mu.Lock()
	assert.Equal(t, 3, f.lowPower)
	f.mu.Unlock()
}

func TestActiveWheneverHeld(t *testing.T) {
	f := newFixture(t, Options{InactiveDelay: 30 * time.Second})
	rng := rand.New(rand.NewSource(7))

	holds := 0
	for i := 0; i < 300; i++ {
		switch {
		case rng.Intn(2) == 0:
			f.ctrl.Hold(false)
			holds++
		case holds > 0:
			f.ctrl.Release()
			holds--
		}

		st := f.advance(time.Duration(rng.Intn(40)) * time.Second)
		require.Equal(t, holds, st.Holds)
		if holds > 0 {
			require.False(t, st.Inactive, "step %d: held gate must be active", i)
		}
	}
}

func TestCloseStopsWorker(t *testing.T) {
	f := newFixture(t, Options{})
	f.ctrl.Hold(false)
	f.ctrl.Close()

	// posts after close are dropped and State does not block
	f.ctrl.Hold(false)
	assert.Equal(t, State{}, f.ctrl.State())
	assert.Empty(t, f.alarms.Names())
}
