package keepalive

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store persists keepalive values per network identifier
type Store interface {
	LoadKeepalive(network string) (interval, nextIncrease time.Duration, ok bool, err error)
	SaveKeepalive(network string, interval, nextIncrease time.Duration) error
}

// Registry owns the per-network keepalive states
type Registry struct {
	mu      sync.Mutex
	states  map[string]*State
	store   Store
	initial time.Duration
	bounds  Bounds
	log     logrus.FieldLogger
}

// NewRegistry creates a registry; store may be nil
func NewRegistry(store Store, initial time.Duration, bounds Bounds, log logrus.FieldLogger) *Registry {
	return &Registry{
		states:  make(map[string]*State),
		store:   store,
		initial: bounds.Clamp(initial),
		bounds:  bounds,
		log:     log.WithField("component", "keepalive"),
	}
}

// Get returns the state for network, loading it from the store on first use
func (r *Registry) Get(network string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[network]; ok {
		return st
	}

	st := &State{
		Network:      network,
		Interval:     r.initial,
		NextIncrease: r.initial,
	}

	if r.store != nil {
		interval, next, ok, err := r.store.LoadKeepalive(network)
		if err != nil {
			r.log.WithError(err).WithField("network", network).Warn("failed to load keepalive state")
		} else if ok {
			st.Interval = r.bounds.Clamp(interval)
			if next > 0 {
				st.NextIncrease = next
			} else {
				st.NextIncrease = st.Interval
			}
		}
	}

	r.states[network] = st
	return st
}

// Save persists a state
func (r *Registry) Save(st *State) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveKeepalive(st.Network, st.Interval, st.NextIncrease); err != nil {
		r.log.WithError(err).WithField("network", st.Network).Warn("failed to save keepalive state")
	}
}
