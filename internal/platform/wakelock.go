package platform

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WakeLock keeps the system from sleeping for a bounded interval
type WakeLock interface {
	Acquire(timeout time.Duration)
	Release()
	ReleaseAll()
	Held() bool
}

const wakeLockAlarm = "wakelock.timeout"

// CountingWakeLock is a reference-counted wake lock. Every Acquire extends
// the safety timeout; when the timeout fires the lock is dropped entirely so
// a missing Release can never keep the device awake forever.
type CountingWakeLock struct {
	mu        sync.Mutex
	count     int
	scheduler Scheduler
	log       logrus.FieldLogger
}

// NewWakeLock creates a wake lock whose timeouts run on scheduler
func NewWakeLock(scheduler Scheduler, log logrus.FieldLogger) *CountingWakeLock {
	return &CountingWakeLock{
		scheduler: scheduler,
		log:       log.WithField("component", "wakelock"),
	}
}

// Acquire takes one reference, bounded by timeout
func (w *CountingWakeLock) Acquire(timeout time.Duration) {
	w.mu.Lock()
	w.count++
	count := w.count
	w.mu.Unlock()

	if timeout > 0 {
		w.scheduler.Set(wakeLockAlarm, timeout, Exact, w.expire)
	}
	w.log.WithField("count", count).Debug("wake lock acquired")
}

// Release drops one reference
func (w *CountingWakeLock) Release() {
	w.mu.Lock()
	if w.count > 0 {
		w.count--
	}
	count := w.count
	w.mu.Unlock()

	if count == 0 {
		w.scheduler.Cancel(wakeLockAlarm)
	}
	w.log.WithField("count", count).Debug("wake lock released")
}

// ReleaseAll drops every reference
func (w *CountingWakeLock) ReleaseAll() {
	w.mu.Lock()
	w.count = 0
	w.mu.Unlock()
	w.scheduler.Cancel(wakeLockAlarm)
	w.log.Debug("wake lock fully released")
}

// Held reports whether any reference is outstanding
func (w *CountingWakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count > 0
}

func (w *CountingWakeLock) expire() {
	w.mu.Lock()
	count := w.count
	w.count = 0
	w.mu.Unlock()
	if count > 0 {
		w.log.WithField("count", count).Warn("wake lock timed out, releasing")
	}
}
