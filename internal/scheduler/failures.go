package scheduler

import "sync"

// failureTracker counts consecutive failed runs per schedule id. Counts live
// in memory only; a process restart starts everyone back at zero, which is
// the intended bias (a restart is a fresh chance, not a held grudge).
type failureTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFailureTracker() *failureTracker {
	return &failureTracker{counts: map[string]int{}}
}

// fail records a failed run and returns the new consecutive count.
func (t *failureTracker) fail(id string) int {
	t.mu.Lock()
	t.counts[id]++
	n := t.counts[id]
	t.mu.Unlock()
	return n
}

// ok resets the streak after a successful run.
func (t *failureTracker) ok(id string) {
	t.mu.Lock()
	delete(t.counts, id)
	t.mu.Unlock()
}

func (t *failureTracker) forget(id string) {
	t.mu.Lock()
	delete(t.counts, id)
	t.mu.Unlock()
}

// snapshot copies the nonzero streaks for diagnostics.
func (t *failureTracker) snapshot() map[string]int {
	t.mu.Lock()
	out := make(map[string]int, len(t.counts))
	for id, n := range t.counts {
		if n > 0 {
			out[id] = n
		}
	}
	t.mu.Unlock()
	return out
}
