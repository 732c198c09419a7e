/*
Package queue implements the priority task queue.

Descriptors are ordered by (priority ascending, submitted_at ascending)
backed by container/heap; an insertion counter breaks exact ties so
equal-priority work is strictly FIFO. The queue is thread-safe and
deliberately policy-free — admission control (concurrency caps, per-type
caps, strategy gates) lives entirely in pkg/manager.

PopWait blocks on a signal channel with a timeout rather than polling,
so the dispatcher sleeps quietly when the queue is empty. Remove is O(n)
over the heap, acceptable because queues stay small in practice.

Re-pushing a descriptor with its original submitted_at restores it to
the head of its priority class, which is how the manager returns a
descriptor after a mid-dispatch strategy flip.
*/
package queue
