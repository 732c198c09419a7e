/*
Package clock provides the time and identifier service.

Components that schedule, expire, or timestamp work take a clock.Clock at
construction instead of calling time.Now directly; the test framework
substitutes a fake to drive deterministic schedules. time.Time values
produced by the system clock carry Go's monotonic reading, so durations
computed with Since survive wall-clock adjustments — lock TTLs and
scheduler sleeps rely on that.

NewID returns opaque UUIDv4 strings used for task, session, workflow,
schedule-entry, and lock-holder identifiers.
*/
package clock
