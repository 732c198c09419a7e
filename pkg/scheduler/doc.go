/*
Package scheduler fires recurring and one-shot tasks into the task
manager.

Entries pair a task descriptor template with a schedule variant
(interval, daily, weekly, monthly, once, cron). Each firing stamps a
fresh task id and submitted_at, so admission control treats scheduled
work exactly like ad-hoc submissions; a refused submission is logged
and the entry still advances to its next run.

The loop sleeps until the earlier of the configured tick and the
soonest next_run, tracked by a min-heap, and every mutation wakes it so
a newly added near-term entry is not stuck behind a long sleep. The
entry map persists to schedule.json on every mutation and next_run is
recomputed from last_run on restore, so a restart never replays missed
firings.
*/
package scheduler
