package scheduler

import "time"

// fireEntry is one pending fire time for one schedule.
type fireEntry struct {
	id string
	at time.Time
}

// fireHeap orders entries soonest-first. Entries are never removed in place:
// reschedules push a fresh entry and the loop drops any popped entry whose
// time no longer matches the desired map (lazy invalidation).
type fireHeap []fireEntry

func (h fireHeap) Len() int { return len(h) }

func (h fireHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].id < h[j].id
}

func (h fireHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *fireHeap) Push(x any) { *h = append(*h, x.(fireEntry)) }

func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = fireEntry{}
	*h = old[:n-1]
	return e
}
