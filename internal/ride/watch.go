package ride

import "sync"

// watchers signals local subscribers after a ride changes. A signal carries
// no state; receivers reload the ride.
type watchers struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newWatchers() *watchers {
	return &watchers{subs: make(map[string]map[chan struct{}]struct{})}
}

func (w *watchers) add(rideID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	set, ok := w.subs[rideID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		w.subs[rideID] = set
	}
	set[ch] = struct{}{}
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.subs[rideID], ch)
			if len(w.subs[rideID]) == 0 {
				delete(w.subs, rideID)
			}
		})
	}
}

func (w *watchers) notify(rideID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs[rideID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
