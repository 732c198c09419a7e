/*
Package state owns the persisted state layout and snapshot/recovery.

All durable state lives under a single root directory (default
/var/lib/maestro) with a versioned subdirectory scheme:

	<root>/
	  v1/
	    locks.json       file lock registry
	    sessions.json    active + completed session records
	    schedule.json    scheduled entries
	    workflow.json    workflow status
	    resources.json   bounded resource snapshot history
	    tasks.json       queued descriptors + terminal task marks
	  control/           control-channel files (§ external interfaces)
	  sentinel/          workflow sentinel files

# Envelope

Every v1/ file wraps its payload in an envelope carrying the schema
version, a CRC-32 checksum of the payload, and the save timestamp:

	{
	  "version": 1,
	  "checksum": 2868347509,
	  "saved_at": "2025-06-01T12:30:00Z",
	  "data": { ... }
	}

On startup each owner calls Load; a file that is absent simply yields
empty state, while a file that fails validation (bad JSON, version or
checksum mismatch, undecodable payload) is renamed
<name>.corrupt.<unix-ts>, a prominent warning is logged, and the owner
continues with an empty-but-valid structure. The returned error (kind
persistence) lets the composition root aggregate recovery problems with
go-multierror without aborting startup.

Running tasks are never resumed across a restart: the manager re-marks
any persisted in-flight ids as stopped with reason "host restart".

# Atomicity

Writes go through WriteAtomic (temp file + fsync + rename in the same
directory), so external pollers — the GUI, editor helpers, other
sessions — never observe a partial file. Control-channel and sentinel
writes share the same helper.

Transient write failures are retried up to 3 times with exponential
backoff before a persistence error escapes.

# Snapshotter

Snapshotter runs the periodic persistence loop (default every 30 s) over
every registered store and takes one final pass on clean shutdown:

	snap := state.NewSnapshotter(cfg.Snapshot.Interval())
	snap.Register("locks", lockRegistry.Persist)
	snap.Register("schedule", sched.Persist)
	snap.Register("workflow", wf.Persist)
	snap.Register("sessions", sessions.Persist)
	snap.Register("resources", sampler.Persist)
	snap.Register("tasks", mgr.PersistTasks)
	snap.Start()
	defer snap.Stop()

Stores that persist eagerly on mutation (locks, schedule) register here
too; the periodic pass is a backstop, and their Persist is cheap when
nothing changed.
*/
package state
