package tunnel

import (
	"sync"
	"sync/atomic"
)

// Store publishes tunnel state snapshots to concurrent readers. Writers
// swap in whole snapshots; readers always observe a complete, consistent
// state and never a half-updated one.
type Store struct {
	state atomic.Pointer[State]

	readyOnce sync.Once
	ready     chan struct{}

	mu   sync.Mutex
	subs map[chan State]struct{}
}

// NewStore returns an empty store. Current reports no state until the
// first Publish.
func NewStore() *Store {
	return &Store{
		ready: make(chan struct{}),
		subs:  make(map[chan State]struct{}),
	}
}

// Publish replaces the current snapshot and fans it out to subscribers.
// The first call also releases Ready.
func (s *Store) Publish(state State) {
	s.state.Store(&state)
	s.readyOnce.Do(func() { close(s.ready) })

	s.mu.Lock()
	for ch := range s.subs {
		select {
		case ch <- state:
		default:
			// Slow subscriber: replace its undelivered snapshot so it
			// always drains to the latest state.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
	s.mu.Unlock()
}

// Current returns the latest snapshot. The second return is false before
// the first Publish.
func (s *Store) Current() (State, bool) {
	p := s.state.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Ready returns a channel that is closed once the first snapshot has
// been published. It never reopens; later publishes have no effect on it.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Subscribe registers for snapshot updates. The channel holds at most
// one snapshot; a subscriber that falls behind skips intermediate states
// and receives only the newest. The returned cancel func releases the
// subscription and must be called when done.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}
