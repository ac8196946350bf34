package blockfetcher

import (
	"container/heap"
	"sync"
)

// priorityQueue is the concurrency-safe min-heap described in spec.md
// §4.2.2: ordered by priority (lower first), ties broken by insertion
// order (FIFO), with a suspending Take that blocks while empty.
type priorityQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	h    requestHeap

	closed bool
}

func newPriorityQueue() *priorityQueue {
	q := &priorityQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push inserts r, preserving priority order with FIFO tie-breaking.
func (q *priorityQueue) Push(r *request) {
	q.mu.Lock()
	heap.Push(&q.h, r)
	q.mu.Unlock()
	q.cond.Signal()
}

// Take blocks until an element is available (or the queue is closed),
// returning the single request with the least (priority, seq) key.
func (q *priorityQueue) Take() (*request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.h.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(*request), true
}

// Empty reports whether the queue currently holds no requests. Used only
// for getBatch's stop condition (queue empty and something already claimed
// or skipped). The answer can be stale by the time the caller acts on it; a
// concurrent push that lands just after a false "empty" is simply left for
// the next Take.
func (q *priorityQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len() == 0
}

// Close wakes every blocked Take, which then returns (nil, false).
func (q *priorityQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// requestHeap implements container/heap.Interface over *request, ordered by
// (priority, seq) ascending.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(*request))
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
