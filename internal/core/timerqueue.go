package core

import "container/heap"

// timerItem is one entry in the retransmit timer heap, keyed by an
// absolute deadline so the earliest-firing timer is always at the root.
// Mirrors the Push/Pop/Peek/Len shape of client2/arq.go's TimerQueue,
// reimplemented over container/heap since that package's TimerQueue type
// itself is not present in the retrieval pack.
type timerItem struct {
	deadline int64 // UnixNano
	value    interface{}
	index    int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TimerQueue is a min-heap of deadline-keyed items, used by Core to track
// one retransmit timer per endpoint with outstanding frames.
type TimerQueue struct {
	h timerHeap
}

// NewTimerQueue creates an empty TimerQueue.
func NewTimerQueue() *TimerQueue {
	tq := &TimerQueue{}
	heap.Init(&tq.h)
	return tq
}

// Push inserts value with the given absolute deadline (UnixNano).
func (q *TimerQueue) Push(deadline int64, value interface{}) {
	heap.Push(&q.h, &timerItem{deadline: deadline, value: value})
}

// Peek returns the earliest deadline and its value without removing it.
func (q *TimerQueue) Peek() (int64, interface{}, bool) {
	if len(q.h) == 0 {
		return 0, nil, false
	}
	return q.h[0].deadline, q.h[0].value, true
}

// Pop removes and returns the earliest deadline and its value.
func (q *TimerQueue) Pop() (int64, interface{}, bool) {
	if len(q.h) == 0 {
		return 0, nil, false
	}
	item := heap.Pop(&q.h).(*timerItem)
	return item.deadline, item.value, true
}

// Len returns the number of items queued.
func (q *TimerQueue) Len() int { return len(q.h) }
