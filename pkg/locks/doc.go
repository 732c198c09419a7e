// Package locks implements the file lock registry that arbitrates
// shared-file access between workflow roles.
//
// # Semantics
//
// Entries are keyed by canonical absolute path. Readers share an entry;
// a writer holds it exclusively. The same role may re-request its own
// write lock, which extends the declared duration to the larger value
// and refreshes the acquisition time. Every entry expires once its
// declared duration plus a grace period passes without release; the
// sweep removes expired entries with a warning, and each request sweeps
// its own path first so a stale hold never blocks a live caller.
//
// # Preemption
//
// Workflows register a lock priority. A requester whose workflow
// outranks the holder's by more than 2 evicts the holder: the evicted
// workflow is marked for rollback, the eviction is published as a
// lock.preempted event, and the requester takes the lock. Anything
// short of that margin is refused and the caller backs off.
//
// # Persistence
//
// One mutex serializes all operations. Mutations schedule a debounced
// persist (default 250ms): the maps are copied under the mutex and
// written to locks.json outside it, so disk latency never stalls
// lock traffic. Flush persists synchronously for shutdown and the
// periodic snapshotter. A corrupt locks.json is archived and the
// registry starts empty.
package locks
