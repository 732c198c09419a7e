/*
Package events provides an in-memory event broker for Maestro's pub/sub
messaging.

The events package implements a lightweight event bus for broadcasting
orchestrator events to interested subscribers. Delivery is asynchronous
and loss-tolerant, enabling loose coupling between components without
ever letting a slow consumer stall a producer.

# Architecture

	Publisher → event channel (buffer: 100)
	     ↓
	broadcast loop
	     ↓
	subscriber channels (buffer: 50 each, drop on overflow)

Event values are types.Event; the type tags are the types.Event*
constants:

	Task lifecycle:   task.submitted, task.started, task.completed,
	                  task.failed, task.cancelled, task.timed_out,
	                  task.deferred, task.rejected
	Allocation:       strategy.changed, alert.quiescent,
	                  alert.quiescent_cleared
	Locks:            lock.preempted, lock.swept
	Sessions:         session.started, session.conflict
	Workflow:         workflow.started, workflow.paused,
	                  workflow.resumed, workflow.stopped
	Persistence:      snapshot.saved, snapshot.corrupt

# Subscribers

  - pkg/control appends task and workflow events to the bounded
    gui_notifications log
  - pkg/metrics counts published events by type
  - pkg/api streams events to status clients

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			fmt.Printf("%s: %s\n", ev.Type, ev.Message)
		}
	}()

	broker.EmitTask(types.EventTaskStarted, task.Descriptor.ID, "task started")

# Delivery Guarantees

None. The broker is a notification fabric, not a durable queue: events
may be dropped when a subscriber's buffer is full, and nothing is
persisted. State of record always lives with the owning component;
consumers reconcile against Status()/Snapshot() calls, never against the
event stream.
*/
package events
