package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/maestrod/maestro/pkg/types"
)

// item wraps a descriptor with the heap bookkeeping fields
type item struct {
	desc  *types.TaskDescriptor
	seq   uint64 // insertion counter; breaks ties among equal (priority, submitted_at)
	index int
}

// taskHeap orders by (priority asc, submitted_at asc, seq asc)
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.desc.Priority != b.desc.Priority {
		return a.desc.Priority < b.desc.Priority
	}
	if !a.desc.SubmittedAt.Equal(b.desc.SubmittedAt) {
		return a.desc.SubmittedAt.Before(b.desc.SubmittedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe priority queue of task descriptors. Ordering is
// (priority asc, submitted_at asc) with FIFO among exact ties. The queue
// holds no admission policy; that belongs to the task manager.
type Queue struct {
	mu     sync.Mutex
	heap   taskHeap
	byID   map[string]*item
	seq    uint64
	notify chan struct{} // depth 1; signals waiters after a push
}

// New creates an empty queue
func New() *Queue {
	q := &Queue{
		byID:   make(map[string]*item),
		notify: make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// Push adds a descriptor. A duplicate id is rejected so a scheduled
// entry firing twice cannot double-enqueue.
func (q *Queue) Push(desc *types.TaskDescriptor) error {
	q.mu.Lock()
	if _, exists := q.byID[desc.ID]; exists {
		q.mu.Unlock()
		return types.NewError(types.ErrKindInternal, "task %s is already queued", desc.ID)
	}
	q.seq++
	it := &item{desc: desc, seq: q.seq}
	heap.Push(&q.heap, it)
	q.byID[desc.ID] = it
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the head descriptor, or nil when empty
func (q *Queue) Pop() *types.TaskDescriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.byID, it.desc.ID)
	return it.desc
}

// PopWait blocks until a descriptor is available, the timeout elapses,
// or ctx is cancelled. It returns nil on timeout/cancellation.
func (q *Queue) PopWait(ctx context.Context, timeout time.Duration) *types.TaskDescriptor {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if desc := q.Pop(); desc != nil {
			return desc
		}
		select {
		case <-q.notify:
			// retry; another waiter may have taken the item
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Peek returns the head descriptor without removing it, or nil
func (q *Queue) Peek() *types.TaskDescriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0].desc
}

// Remove deletes a queued descriptor by id. O(n) on the heap, which is
// fine at the queue sizes the manager bounds in practice.
func (q *Queue) Remove(id string) *types.TaskDescriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, id)
	return it.desc
}

// Contains reports whether an id is currently queued
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// Len returns the number of queued descriptors
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Snapshot returns a copy of the queue in effective dispatch order
func (q *Queue) Snapshot() []*types.TaskDescriptor {
	q.mu.Lock()
	// copy the items, not just the pointers; draining the scratch heap
	// mutates index fields
	tmp := make(taskHeap, len(q.heap))
	for i, it := range q.heap {
		cp := *it
		tmp[i] = &cp
	}
	q.mu.Unlock()

	out := make([]*types.TaskDescriptor, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*item).desc)
	}
	return out
}
