// Package scheduler implements the wake-up priority queue (§4.4): a
// min-heap keyed by absolute wake-up time, with each instance carrying
// its own back-index so update() runs in O(log N) via heap.Fix instead
// of a linear scan. Modeled on the PriorityQueue/Window pair in the
// reliable-delivery window of the retrieved hop-go example, which uses
// the same container/heap-plus-back-index shape for a different key.
package scheduler

import (
	"container/heap"
	"time"

	"github.com/fknittel/openvpn/pkg/instance"
)

// Scheduler is a min-heap of *instance.ClientInstance keyed by Wakeup.
// Each instance holds at most one entry; HeapIndex is -1 when absent.
type Scheduler struct {
	entries schedHeap
}

func New() *Scheduler {
	return &Scheduler{}
}

// Insert adds ci to the heap with wake-up time t. ci must not already
// hold an entry (HeapIndex is -1 when it holds none; use Update for an
// instance that is already scheduled).
func (s *Scheduler) Insert(ci *instance.ClientInstance, t time.Time) {
	ci.Wakeup = t
	heap.Push(&s.entries, ci)
}

// Update moves ci's existing entry to the new wake-up time in
// O(log N), using its stored HeapIndex rather than searching.
func (s *Scheduler) Update(ci *instance.ClientInstance, t time.Time) {
	if ci.HeapIndex < 0 {
		s.Insert(ci, t)
		return
	}
	ci.Wakeup = t
	heap.Fix(&s.entries, ci.HeapIndex)
}

// Remove drops ci's entry, if any. A no-op if ci holds none.
func (s *Scheduler) Remove(ci *instance.ClientInstance) {
	if ci.HeapIndex < 0 {
		return
	}
	heap.Remove(&s.entries, ci.HeapIndex)
}

// PeekEarliest returns the instance with the smallest Wakeup, or nil
// if the heap is empty. Does not remove it.
func (s *Scheduler) PeekEarliest() (*instance.ClientInstance, time.Time, bool) {
	if len(s.entries) == 0 {
		return nil, time.Time{}, false
	}
	ci := s.entries[0]
	return ci, ci.Wakeup, true
}

// PopExpired removes and returns every instance whose Wakeup is <= now,
// in ascending wake-up order, for the event loop's timer-expiry pass.
func (s *Scheduler) PopExpired(now time.Time) []*instance.ClientInstance {
	var expired []*instance.ClientInstance
	for len(s.entries) > 0 && !s.entries[0].Wakeup.After(now) {
		ci := heap.Pop(&s.entries).(*instance.ClientInstance)
		expired = append(expired, ci)
	}
	return expired
}

func (s *Scheduler) Len() int {
	return len(s.entries)
}

// schedHeap implements heap.Interface directly over
// []*instance.ClientInstance, maintaining each element's HeapIndex on
// every Swap so Update/Remove can address by index.
type schedHeap []*instance.ClientInstance

func (h schedHeap) Len() int { return len(h) }

func (h schedHeap) Less(i, j int) bool { return h[i].Wakeup.Before(h[j].Wakeup) }

func (h schedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].HeapIndex = i
	h[j].HeapIndex = j
}

func (h *schedHeap) Push(x any) {
	ci := x.(*instance.ClientInstance)
	ci.HeapIndex = len(*h)
	*h = append(*h, ci)
}

func (h *schedHeap) Pop() any {
	old := *h
	n := len(old)
	ci := old[n-1]
	old[n-1] = nil
	ci.HeapIndex = -1
	*h = old[:n-1]
	return ci
}
