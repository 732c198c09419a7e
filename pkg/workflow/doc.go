/*
Package workflow tracks the tri-state workflow machine (stopped,
running, paused) and the agents registered under it.

Transitions follow the permitted edge set only: stopped to running,
running to paused and back, and running or paused to stopped. Every
transition writes three sentinel files atomically before the in-memory
state becomes visible, so a poller that sees the new state is
guaranteed the files already reflect it: terminate_status.json,
workflow_pause.json, and workflow_state.py (a boolean-constant source
file imported directly by editor-embedded helpers).

total_run_time accumulates only running segments; pause_count
increments on each pause. Agent registration is rejected while stopped,
and a new run always begins with empty agent maps.
*/
package workflow
