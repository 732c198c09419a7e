// Package session identifies how this process was launched, tracks
// peer sessions through a shared state file, and arbitrates conflicts
// between session types.
//
// # Detection
//
// On startup the Detector classifies the session by inspecting, in
// order: the parent process chain (shell → terminal, editor →
// editor_agent, desktop launcher → gui_workflow), environment hints
// (MAESTRO_SESSION override, VSCODE_PID, SSH_TTY, DISPLAY), the working
// directory, and argv[0]. The first decisive inspection wins. Only an
// allowlisted set of environment variables is captured into the record;
// credential-like variables are never read or logged.
//
// # Registry
//
// The Registry writes this session into sessions.json alongside peers
// and sweeps the file on a background cadence (default 30s): records
// whose pid is gone or whose age exceeds 24h move to completed.
//
// # Arbitration
//
// Conflicting sets pair interactive launchers against each other:
// terminal, gui_workflow and editor_agent all conflict pairwise.
// A fixed priority table (gui_workflow 10, terminal 8, editor_agent 6,
// manual_script 4, unknown 2) decides the winner; the loser reacts per
// the configured policy: yield, continue, or ask (prompting through an
// injected PromptFunc). Arbitration runs on startup and before lock
// requests, and every resolution is published on the event broker.
//
// # Pidfile
//
// Pidfile guards against a second daemon instance. A pidfile naming a
// live process fails Acquire with ErrAlreadyRunning (kind
// session_conflict); stale files are silently reclaimed.
package session
