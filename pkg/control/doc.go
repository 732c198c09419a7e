/*
Package control consumes the file-based control channels under the
state layout's control/ directory.

GUI panels and editor helpers that pre-date the HTTP surface drop JSON
files there: workflow_command.json and workflow_request.json drive the
workflow store, task_creation_queue.json holds raw descriptors that are
normalized and promoted into automation_queue.json, and the automation
queue itself drains into the task manager. Consumed files are removed
after a successful read so each command applies exactly once, and every
write is atomic so external pollers never see a partial file.

The poller also maintains gui_notifications.json, an append-only event
log bounded to the most recent 100 entries, fed from the in-process
event broker.
*/
package control
