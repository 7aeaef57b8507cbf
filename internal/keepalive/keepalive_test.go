package keepalive

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/beacon/internal/logging"
	"github.com/meszmate/beacon/internal/platform"
)

const ms = time.Millisecond

func TestProbeScenario(t *testing.T) {
	now := time.Unix(1000, 0)
	st := &State{Interval: 600000 * ms, NextIncrease: 600000 * ms, LastSuccess: now}

	got := st.OnSuccess(now.Add(650000*ms), DefaultBounds)
	assert.Equal(t, 900000*ms, got)
	assert.Equal(t, 600000*ms, st.LastSuccessfulInterval)
	assert.True(t, st.Probing())

	got = st.OnFailure(DefaultBounds)
	assert.Equal(t, 600000*ms, got)
	assert.Equal(t, 900000*ms, st.NextIncrease)
	assert.Zero(t, st.LastSuccessfulInterval)
	assert.False(t, st.Probing())
}

func TestProbeCommit(t *testing.T) {
	now := time.Unix(1000, 0)
	st := &State{Interval: 600000 * ms, NextIncrease: 600000 * ms, LastSuccess: now}

	st.OnSuccess(now.Add(650000*ms), DefaultBounds)
	got := st.OnSuccess(now.Add(1600000*ms), DefaultBounds)

	assert.Equal(t, 900000*ms, got)
	assert.Equal(t, 900000*ms, st.NextIncrease)
	assert.False(t, st.Probing())
}

func TestFailureAfterPlainSuccessHalves(t *testing.T) {
	now := time.Unix(1000, 0)
	st := &State{Interval: 600000 * ms, NextIncrease: 600000 * ms, LastSuccess: now}

	// too soon to probe
	st.OnSuccess(now.Add(10*time.Second), DefaultBounds)
	require.False(t, st.Probing())

	assert.Equal(t, 300000*ms, st.OnFailure(DefaultBounds))
}

func TestHalvingClampsToMinimum(t *testing.T) {
	st := &State{Interval: 100 * time.Second, NextIncrease: 100 * time.Second}
	assert.Equal(t, DefaultBounds.Min, st.OnFailure(DefaultBounds))
	assert.Equal(t, DefaultBounds.Min, st.OnFailure(DefaultBounds))
}

func TestGrowthClampsToMaximum(t *testing.T) {
	now := time.Unix(0, 0)
	st := &State{Interval: 25 * time.Minute, NextIncrease: time.Minute, LastSuccess: now}
	assert.Equal(t, DefaultBounds.Max, st.OnSuccess(now.Add(time.Hour), DefaultBounds))
}

func TestIntervalAlwaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		now := time.Unix(0, 0)
		st := &State{Interval: 5 * time.Minute}
		st.Reset(now, DefaultBounds)

		for i := 0; i < 100; i++ {
			if rng.Intn(3) == 0 {
				st.OnFailure(DefaultBounds)
			} else {
				now = now.Add(time.Duration(rng.Int63n(int64(time.Hour))))
				st.OnSuccess(now, DefaultBounds)
			}
			require.GreaterOrEqual(t, st.Interval, DefaultBounds.Min)
			require.LessOrEqual(t, st.Interval, DefaultBounds.Max)
			require.LessOrEqual(t, st.NextIncrease, maxNextIncrease)
		}
	}
}

func TestFailureRevertsNotBelowPreProbeInterval(t *testing.T) {
	now := time.Unix(0, 0)
	st := &State{Interval: 4 * time.Minute, NextIncrease: 4 * time.Minute, LastSuccess: now}

	st.OnSuccess(now.Add(5*time.Minute), DefaultBounds)
	require.Equal(t, 6*time.Minute, st.Interval)

	st.OnFailure(DefaultBounds)
	assert.Equal(t, 4*time.Minute, st.Interval)
}

type memStore struct {
	mu   sync.Mutex
	vals map[string][2]time.Duration
}

func newMemStore() *memStore {
	return &memStore{vals: make(map[string][2]time.Duration)}
}

func (m *memStore) LoadKeepalive(network string) (time.Duration, time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[network]
	return v[0], v[1], ok, nil
}

func (m *memStore) SaveKeepalive(network string, interval, next time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[network] = [2]time.Duration{interval, next}
	return nil
}

func TestRegistryPerNetwork(t *testing.T) {
	store := newMemStore()
	store.vals["mobile:rmnet0"] = [2]time.Duration{2 * time.Minute, 3 * time.Minute}

	r := NewRegistry(store, 5*time.Minute, DefaultBounds, logging.Discard())

	wifi := r.Get("wifi")
	assert.Equal(t, 5*time.Minute, wifi.Interval)

	mobile := r.Get("mobile:rmnet0")
	assert.Equal(t, 2*time.Minute, mobile.Interval)
	assert.Equal(t, 3*time.Minute, mobile.NextIncrease)

	assert.Same(t, wifi, r.Get("wifi"))

	wifi.Interval = 7 * time.Minute
	r.Save(wifi)
	assert.Equal(t, 7*time.Minute, store.vals["wifi"][0])

	reloaded := NewRegistry(store, 5*time.Minute, DefaultBounds, logging.Discard())
	assert.Equal(t, 7*time.Minute, reloaded.Get("wifi").Interval)
}

func TestRegistryClampsStoredValue(t *testing.T) {
	store := newMemStore()
	store.vals["wifi"] = [2]time.Duration{time.Second, 0}

	r := NewRegistry(store, 5*time.Minute, DefaultBounds, logging.Discard())
	st := r.Get("wifi")
	assert.Equal(t, DefaultBounds.Min, st.Interval)
	assert.Equal(t, DefaultBounds.Min, st.NextIncrease)
}

type fakePinger struct {
	mu       sync.Mutex
	last     time.Time
	err      error
	pings    int
	timeouts []time.Duration
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	if dl, ok := ctx.Deadline(); ok {
		p.timeouts = append(p.timeouts, time.Until(dl).Round(time.Second))
	}
	return p.err
}

func (p *fakePinger) LastReceived() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type fixture struct {
	clock  *platform.ManualClock
	alarms *platform.ManualScheduler
	store  *memStore
	sched  *Scheduler
	dead   []error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: platform.NewManualClock(time.Unix(10000, 0)),
		store: newMemStore(),
	}
	f.alarms = platform.NewManualScheduler(f.clock)
	reg := NewRegistry(f.store, 10*time.Minute, DefaultBounds, logging.Discard())
	f.sched = NewScheduler(reg, f.alarms, f.clock, Options{
		OnDead: func(err error) { f.dead = append(f.dead, err) },
	}, logging.Discard())
	f.sched.spawn = func(fn func()) { fn() }
	return f
}

var (
	wifi   = platform.Network{Type: platform.NetworkWiFi, ID: "wifi", Available: true}
	mobile = platform.Network{Type: platform.NetworkMobile, ID: "mobile:rmnet0", Metered: true, Available: true}
)

func TestSchedulerArmsAfterConnect(t *testing.T) {
	f := newFixture(t)
	p := &fakePinger{}

	f.sched.OnConnectionEstablished(p, wifi)

	d, ok := f.alarms.Delay(AlarmName)
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, d)

	f.alarms.Advance(10 * time.Minute)
	assert.Equal(t, 1, p.pings)
	assert.Equal(t, []time.Duration{10 * time.Second}, p.timeouts)
}

func TestSchedulerSubtractsRecentTraffic(t *testing.T) {
	f := newFixture(t)
	p := &fakePinger{last: f.clock.Now().Add(-4 * time.Minute)}

	f.sched.OnConnectionEstablished(p, mobile)

	d, ok := f.alarms.Delay(AlarmName)
	require.True(t, ok)
	assert.Equal(t, 6*time.Minute, d)
}

func TestSchedulerSkipsProbeWhenTrafficArrived(t *testing.T) {
	f := newFixture(t)
	p := &fakePinger{}
	f.sched.OnConnectionEstablished(p, mobile)

	f.alarms.Advance(5 * time.Minute)
	p.mu.Lock()
	p.last = f.clock.Now()
	p.mu.Unlock()

	f.alarms.Advance(5 * time.Minute)
	assert.Zero(t, p.pings)

	d, ok := f.alarms.Delay(AlarmName)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, d)
}

func TestSchedulerFailureShortensAndReportsDead(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("timeout")
	p := &fakePinger{err: boom}
	f.sched.OnConnectionEstablished(p, mobile)

	f.alarms.Advance(10 * time.Minute)

	require.Len(t, f.dead, 1)
	assert.ErrorIs(t, f.dead[0], boom)

	st, ok := f.sched.Current()
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, st.Interval)
	assert.Equal(t, 5*time.Minute, f.store.vals["mobile:rmnet0"][0])
}

func TestSchedulerProbeSequencePersists(t *testing.T) {
	f := newFixture(t)
	p := &fakePinger{}
	f.sched.OnConnectionEstablished(p, wifi)

	// first probe succeeds after a full interval: begin probing 15m
	f.alarms.Advance(10 * time.Minute)
	st, _ := f.sched.Current()
	assert.Equal(t, 15*time.Minute, st.Interval)
	assert.Equal(t, 10*time.Minute, st.LastSuccessfulInterval)

	// probe fails: back to 10m, threshold penalised
	p.err = errors.New("timeout")
	f.alarms.Advance(15 * time.Minute)
	st, _ = f.sched.Current()
	assert.Equal(t, 10*time.Minute, st.Interval)
	assert.Equal(t, 15*time.Minute, st.NextIncrease)
	assert.Equal(t, [2]time.Duration{10 * time.Minute, 15 * time.Minute}, f.store.vals["wifi"])
}

func TestSchedulerCloseTogetherCallbacksApplyInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	f.sched.OnConnectionEstablished(&fakePinger{}, mobile)

	f.clock.Add(10 * time.Minute)
	f.sched.OnPingSuccess() // starts probe at 15m
	f.sched.OnPingFailure() // reverts
	f.sched.OnPingSuccess() // too soon to probe again

	st, _ := f.sched.Current()
	assert.Equal(t, 10*time.Minute, st.Interval)
	assert.False(t, st.Probing())

	f2 := newFixture(t)
	f2.sched.OnConnectionEstablished(&fakePinger{}, mobile)
	f2.clock.Add(10 * time.Minute)
	f2.sched.OnPingFailure() // plain halving
	f2.sched.OnPingSuccess() // elapsed still exceeds threshold: probe from 5m

	st, _ = f2.sched.Current()
	assert.Equal(t, 7*time.Minute+30*time.Second, st.Interval)
	assert.Equal(t, 5*time.Minute, st.LastSuccessfulInterval)
}

func TestSchedulerConcurrentCallbacksStayBounded(t *testing.T) {
	f := newFixture(t)
	f.sched.OnConnectionEstablished(&fakePinger{}, wifi)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); f.sched.OnPingSuccess() }()
		go func() { defer wg.Done(); f.sched.OnPingFailure() }()
	}
	wg.Wait()

	st, _ := f.sched.Current()
	assert.GreaterOrEqual(t, st.Interval, DefaultBounds.Min)
	assert.LessOrEqual(t, st.Interval, DefaultBounds.Max)
}

func TestSchedulerIgnoresStaleProbeResult(t *testing.T) {
	f := newFixture(t)
	var pending func()
	f.sched.spawn = func(fn func()) { pending = fn }

	p := &fakePinger{err: errors.New("broken pipe")}
	f.sched.OnConnectionEstablished(p, wifi)
	f.sched.Probe(true)
	require.NotNil(t, pending)

	f.sched.OnConnectionEstablished(&fakePinger{}, wifi)
	pending()

	assert.Empty(t, f.dead)
	st, _ := f.sched.Current()
	assert.Equal(t, 10*time.Minute, st.Interval)
}

func TestSchedulerSingleProbeInFlight(t *testing.T) {
	f := newFixture(t)
	var spawned int
	f.sched.spawn = func(fn func()) { spawned++ }

	f.sched.OnConnectionEstablished(&fakePinger{}, wifi)
	f.sched.Probe(true)
	f.sched.Probe(false)
	assert.Equal(t, 1, spawned)
}

func TestSchedulerStop(t *testing.T) {
	f := newFixture(t)
	p := &fakePinger{}
	f.sched.OnConnectionEstablished(p, wifi)
	f.sched.Stop()

	assert.False(t, f.alarms.Pending(AlarmName))
	f.sched.Probe(false)
	assert.Zero(t, p.pings)
	_, ok := f.sched.Current()
	assert.False(t, ok)
}
