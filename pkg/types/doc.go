/*
Package types defines the core data structures used throughout Maestro.

This package contains all fundamental types that represent Maestro's domain
model: task descriptors and task state, resource snapshots, allocation
strategies, session records, file lock entries, workflow status, and
scheduled entries. These types are used by every other package for state
management, persistence, and orchestration logic.

# Architecture

The types package is the foundation of Maestro's data model. It defines:

  - Task submission and lifecycle (descriptors, payload variants, statuses)
  - Resource sampling (snapshots, the unknown-metric sentinel)
  - Allocation strategies (kind, concurrency cap, per-type caps)
  - Session classification and conflict arbitration weights
  - File lock entries (reader sharing, writer exclusivity, TTL inputs)
  - Workflow state machine values and agent registry entries
  - Schedule variants (interval, daily, weekly, monthly, once, cron)
  - The boundary error taxonomy (ErrorKind, Error)

All types are designed to be:
  - Serializable (JSON with stable snake_case keys — the state files under
    the v1/ layout are external interfaces read by other tooling)
  - Immutable where possible (strategies are replaced, never mutated)
  - Self-documenting (typed string enums over bare strings)

# Ownership

Each mutable aggregate has exactly one writer:

  - Task state        → pkg/manager
  - Scheduled entries → pkg/scheduler
  - Session records   → pkg/session
  - Lock entries      → pkg/locks
  - Workflow status   → pkg/workflow

Everything else reads copies or immutable snapshots.

# Error Taxonomy

Components never panic across boundaries. Public operations return an
error that is a *types.Error at the boundary, carrying one of the sealed
ErrorKind values (transient, worker_failure, deadline, cancelled,
admission_rejected, lock_conflict, config, persistence, session_conflict,
fatal_host). Surfaces that cross the process boundary (sentinel files,
the notification log) translate kinds into the same short strings.

Creating and classifying errors:

	err := types.NewError(types.ErrKindLockConflict, "write lock on %s held by %s", path, holder)
	if types.IsKind(err, types.ErrKindLockConflict) {
		// caller decides: retry or abort
	}

# Usage

Creating a task descriptor:

	desc := types.TaskDescriptor{
		ID:             clock.NewID(),
		Kind:           types.TaskKindScript,
		Payload:        types.TaskPayload{Script: &types.ScriptPayload{Path: "render.py"}},
		Type:           "heavy-render",
		Priority:       5,
		TimeoutSeconds: 1800,
		Source:         "scheduler",
		SubmittedAt:    clock.Now(),
	}

Reading a strategy during admission:

	s := allocator.Current()
	if !s.AllowsNew() || running >= s.MaxConcurrent {
		// hold dispatch
	}

# Thread Safety

Types here carry no locks. Synchronization is the owning component's job;
cross-component reads receive copies.

# See Also

  - pkg/manager for task lifecycle transitions
  - pkg/allocator for how strategies are derived
  - pkg/state for the persisted envelope wrapping these types
*/
package types
