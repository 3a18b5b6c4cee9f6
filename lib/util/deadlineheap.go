package util

import (
	"container/heap"
	"time"
)

// deadlineEntry is one keyed element of a DeadlineHeap.
type deadlineEntry[V any] struct {
	key      uint64
	deadline time.Time
	value    V
	index    int
}

// deadlineEntries implements heap.Interface ordered by earliest deadline.
type deadlineEntries[V any] []*deadlineEntry[V]

func (d deadlineEntries[V]) Len() int           { return len(d) }
func (d deadlineEntries[V]) Less(i, j int) bool { return d[i].deadline.Before(d[j].deadline) }

func (d deadlineEntries[V]) Swap(i, j int) {
	d[i], d[j] = d[j], d[i]
	d[i].index = i
	d[j].index = j
}

func (d *deadlineEntries[V]) Push(x any) {
	e := x.(*deadlineEntry[V])
	e.index = len(*d)
	*d = append(*d, e)
}

func (d *deadlineEntries[V]) Pop() any {
	old := *d
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*d = old[:n-1]
	return e
}

// DeadlineHeap is a min-heap of values keyed by uint64 and ordered by
// deadline, with O(1) key lookup. It is not safe for concurrent use.
type DeadlineHeap[V any] struct {
	entries deadlineEntries[V]
	byKey   map[uint64]*deadlineEntry[V]
}

// NewDeadlineHeap creates an empty heap.
func NewDeadlineHeap[V any]() *DeadlineHeap[V] {
	return &DeadlineHeap[V]{byKey: make(map[uint64]*deadlineEntry[V])}
}

// Len returns the number of tracked entries.
func (h *DeadlineHeap[V]) Len() int { return len(h.entries) }

// Add inserts value under key. It returns false, leaving the heap unchanged,
// if key is already tracked.
func (h *DeadlineHeap[V]) Add(key uint64, deadline time.Time, value V) bool {
	if _, ok := h.byKey[key]; ok {
		return false
	}
	e := &deadlineEntry[V]{key: key, deadline: deadline, value: value}
	heap.Push(&h.entries, e)
	h.byKey[key] = e
	return true
}

// Contains reports whether key is tracked.
func (h *DeadlineHeap[V]) Contains(key uint64) bool {
	_, ok := h.byKey[key]
	return ok
}

// Remove drops key and returns its value.
func (h *DeadlineHeap[V]) Remove(key uint64) (V, bool) {
	e, ok := h.byKey[key]
	if !ok {
		var zero V
		return zero, false
	}
	heap.Remove(&h.entries, e.index)
	delete(h.byKey, key)
	return e.value, true
}

// Next returns the earliest deadline.
func (h *DeadlineHeap[V]) Next() (time.Time, bool) {
	if len(h.entries) == 0 {
		return time.Time{}, false
	}
	return h.entries[0].deadline, true
}

// PopExpired removes and returns, earliest first, every value whose deadline
// is not after now.
func (h *DeadlineHeap[V]) PopExpired(now time.Time) []V {
	var out []V
	for len(h.entries) > 0 && !h.entries[0].deadline.After(now) {
		e := heap.Pop(&h.entries).(*deadlineEntry[V])
		delete(h.byKey, e.key)
		out = append(out, e.value)
	}
	return out
}

// RemoveFunc removes every value for which fn returns true and returns them.
func (h *DeadlineHeap[V]) RemoveFunc(fn func(key uint64, value V) bool) []V {
	var keys []uint64
	for k, e := range h.byKey {
		if fn(k, e.value) {
			keys = append(keys, k)
		}
	}
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		v, _ := h.Remove(k)
		out = append(out, v)
	}
	return out
}
