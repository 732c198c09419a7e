/*
Package manager implements the task dispatcher at the heart of the
orchestrator.

# Responsibilities

The Manager owns all task state: the priority queue of pending
descriptors, the set of running tasks, the per-type deferral side list,
and a bounded list of recently finished tasks. Nothing else in the
process mutates a task.

Two long-lived goroutines do the work:

  - The dispatch loop reads the current allocation strategy (an
    immutable value published by pkg/allocator via atomic pointer swap),
    gates on max_concurrent and the strategy kind, and walks the queue
    head. A descriptor whose task type is at its per-type cap is parked
    on a side list keyed by type so queued work of other types keeps
    flowing; everything else is launched through pkg/worker with a
    cancellable context carrying the task's deadline.

  - The reap loop receives worker outcomes on a channel, records the
    terminal status (completed, failed, cancelled, timed_out), and
    sweeps the deferral side list back through the queue so freed
    capacity is reused immediately.

# Cancellation

Every running task carries a cancel function. Cancel(id) signals a
running task cooperatively (the worker escalates to a kill after the
grace window) and removes a queued one directly. When the strategy
flips to emergency_stop the dispatcher cancels every running task and
admits nothing until the emergency clears; a strategy that flips
mid-dispatch pushes the popped descriptor back at the head of its
priority class.

# Persistence

Queued descriptors and task state snapshot to tasks.json through
pkg/state. Tasks found running in a restored snapshot are never
resumed; they are marked stopped with reason "host restart".
*/
package manager
