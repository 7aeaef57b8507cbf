package platform

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/beacon/internal/logging"
)

func TestManualSchedulerFiresInDueOrder(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	s := NewManualScheduler(clock)

	var order []string
	s.Set("b", 20*time.Second, Exact, func() { order = append(order, "b") })
	s.Set("a", 10*time.Second, Inexact, func() { order = append(order, "a") })
	s.Set("c", time.Minute, Exact, func() { order = append(order, "c") })

	s.Advance(30 * time.Second)

	assert.Equal(t, []string{"a", "b"}, order)
	assert.True(t, s.Pending("c"))
	assert.Equal(t, time.Unix(30, 0), clock.Now())
}

func TestManualSchedulerRepeatingAndReplace(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	s := NewManualScheduler(clock)

	var ticks int
	s.SetRepeating("tick", 5*time.Second, 10*time.Second, Inexact, func() { ticks++ })
	s.Advance(26 * time.Second)
	assert.Equal(t, 3, ticks) // 5, 15, 25

	fired := false
	s.Set("tick", time.Second, Exact, func() { fired = true })
	s.Advance(2 * time.Second)
	assert.True(t, fired)
	assert.Equal(t, 3, ticks)
	assert.False(t, s.Pending("tick"))
}

func TestManualSchedulerAlarmArmedFromCallback(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	s := NewManualScheduler(clock)

	var fires int
	var rearm func()
	rearm = func() {
		fires++
		s.Set("loop", 10*time.Second, Exact, rearm)
	}
	s.Set("loop", 10*time.Second, Exact, rearm)

	s.Advance(35 * time.Second)
	assert.Equal(t, 3, fires)

	d, ok := s.Delay("loop")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}

func TestTimerSchedulerCancel(t *testing.T) {
	s := NewTimerScheduler()
	var fired atomic.Bool
	s.Set("x", 20*time.Millisecond, Exact, func() { fired.Store(true) })
	require.True(t, s.Pending("x"))
	s.Cancel("x")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.False(t, s.Pending("x"))
}

func TestTimerSchedulerFires(t *testing.T) {
	s := NewTimerScheduler()
	done := make(chan struct{})
	s.Set("x", 5*time.Millisecond, Inexact, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("alarm did not fire")
	}
	assert.False(t, s.Pending("x"))
}

func TestWakeLockTimeoutReleases(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	s := NewManualScheduler(clock)
	w := NewWakeLock(s, logging.Discard())

	w.Acquire(30 * time.Second)
	w.Acquire(30 * time.Second)
	w.Release()
	assert.True(t, w.Held())

	s.Advance(31 * time.Second)
	assert.False(t, w.Held())
}

func TestWakeLockReleaseAll(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	s := NewManualScheduler(clock)
	w := NewWakeLock(s, logging.Discard())

	w.Acquire(time.Minute)
	w.Acquire(time.Minute)
	w.ReleaseAll()
	assert.False(t, w.Held())
	assert.False(t, s.Pending(wakeLockAlarm))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		metered bool
	}{
		{"wlan0", NetworkWiFi, false},
		{"wlp3s0", NetworkWiFi, false},
		{"rmnet_data0", NetworkMobile, true},
		{"wwan0", NetworkMobile, true},
		{"eth0", NetworkEthernet, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Classify(tt.name)
			assert.Equal(t, tt.typ, n.Type)
			assert.Equal(t, tt.metered, n.Metered)
			assert.Equal(t, !tt.metered, n.Unmetered())
		})
	}
	assert.NotEqual(t, Classify("rmnet0").ID, Classify("wwan0").ID)
}
