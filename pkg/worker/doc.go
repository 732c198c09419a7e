// Package worker executes task payloads on behalf of the Task Manager.
//
// # Execution Kinds
//
// Script tasks run as interpreter subprocesses (default python3),
// command tasks as raw argv subprocesses, and function tasks as
// in-process calls resolved through the FunctionRegistry. Subprocesses
// receive MAESTRO_TASK_ID and, when a deadline applies, MAESTRO_DEADLINE
// in their environment.
//
// # Cancellation
//
// Run observes its context. A subprocess is first signalled SIGTERM;
// if it has not exited after the grace window (default 5s) it is
// killed. In-process functions are expected to watch ctx themselves.
// The outcome distinguishes timed_out (deadline), cancelled (explicit),
// and failed (non-zero exit, abnormal termination, or a panic inside a
// function).
//
// # Output Retention
//
// Stdout and stderr are captured into fixed-size ring buffers (default
// 8KiB each), so a chatty task keeps only the tail of its output. The
// stderr tail and exit code travel with failed outcomes for diagnosis.
package worker
