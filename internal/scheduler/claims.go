package scheduler

import "sync"

// runState tracks whether a schedule already has an in-flight run.
// "In flight" covers queued-but-not-started too, which keeps a fast cadence
// from piling up executions for one schedule while a slow action drains.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *runState) held() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// claimRegistry hands out one runState per schedule id. The registry survives
// Start/Stop cycles so a claim taken just before Stop still gates the next
// Start's fires until it is released.
type claimRegistry struct {
	mu     sync.Mutex
	states map[string]*runState
}

func newClaimRegistry() *claimRegistry {
	return &claimRegistry{states: map[string]*runState{}}
}

func (r *claimRegistry) get(id string) *runState {
	r.mu.Lock()
	st := r.states[id]
	if st == nil {
		st = &runState{}
		r.states[id] = st
	}
	r.mu.Unlock()
	return st
}

// forget drops the state for a deleted schedule. A holder keeps its pointer
// and releases harmlessly; ids are uuids and never reused.
func (r *claimRegistry) forget(id string) {
	r.mu.Lock()
	delete(r.states, id)
	r.mu.Unlock()
}

func (r *claimRegistry) active() int {
	r.mu.Lock()
	states := make([]*runState, 0, len(r.states))
	for _, st := range r.states {
		states = append(states, st)
	}
	r.mu.Unlock()

	n := 0
	for _, st := range states {
		if st.held() {
			n++
		}
	}
	return n
}
