// Package queue implements BrokerQueue (C4): a bounded priority queue
// keyed by (priority, arrivalTime), backed by container/heap the way
// no example repo in the corpus supplies a third-party priority-queue
// library — this is one of the few places stdlib is the grounded
// choice rather than a fallback.
package queue

import (
	"container/heap"
	"sync"

	"github.com/tomasquin2003/ballot-delivery/ballot"
	"github.com/tomasquin2003/ballot-delivery/delivery/errs"
)

// Priority orders delivery attempts; higher values are served first.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// SentChecker reports whether ballotID has already reached SENT in
// BrokerLog, the source of truth enqueue consults for its idempotence
// guarantee.
type SentChecker interface {
	IsSent(ballotID string) bool
}

type item struct {
	ballot   ballot.Ballot
	priority Priority
	arrived  int64 // monotonic sequence, not wall-clock: arrival order within a priority
	index    int
}

type heapImpl []*item

func (h heapImpl) Len() int { return len(h) }
func (h heapImpl) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].arrived < h[j].arrived
}
func (h heapImpl) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *heapImpl) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *heapImpl) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a bounded, goroutine-safe priority queue. RetryScheduler is
// its sole consumer.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	h        heapImpl
	capacity int
	seq      int64
	present  map[string]bool // ballotId -> currently queued, guards duplicate in-flight enqueues
	closed   bool
}

// New builds a Queue bounded at capacity entries.
func New(capacity int) *Queue {
	q := &Queue{capacity: capacity, present: make(map[string]bool)}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.h)
	return q
}

// Enqueue adds b at priority p. If log reports b.BallotID already SENT,
// enqueue is a no-op returning nil (idempotence, not an error). If the
// queue is at capacity, returns errs.ErrQueueFull; callers must surface
// this rather than drop the ballot silently.
func (q *Queue) Enqueue(b ballot.Ballot, p Priority, log SentChecker) error {
	if log != nil && log.IsSent(b.BallotID) {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.present[b.BallotID] {
		return nil
	}
	if len(q.h) >= q.capacity {
		return errs.ErrQueueFull
	}
	q.seq++
	heap.Push(&q.h, &item{ballot: b, priority: p, arrived: q.seq})
	q.present[b.BallotID] = true
	q.cond.Signal()
	return nil
}

// Dequeue blocks until an entry is available or the queue is closed, in
// which case ok is false.
func (q *Queue) Dequeue() (b ballot.Ballot, p Priority, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.h) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.h) == 0 {
		return ballot.Ballot{}, 0, false
	}
	it := heap.Pop(&q.h).(*item)
	delete(q.present, it.ballot.BallotID)
	return it.ballot, it.priority, true
}

// Len reports the number of currently queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Close unblocks any waiting Dequeue callers, returning ok=false to them.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
