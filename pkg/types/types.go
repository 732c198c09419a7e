package types

import (
	"time"
)

// TaskKind identifies how a task descriptor's payload is executed
type TaskKind string

const (
	TaskKindScript   TaskKind = "script"   // interpreter subprocess
	TaskKindFunction TaskKind = "function" // in-process registered function
	TaskKindCommand  TaskKind = "command"  // argv subprocess
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimedOut  TaskStatus = "timed_out"
	TaskStatusStopped   TaskStatus = "stopped"
)

// Terminal reports whether a task in this status may never mutate again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusTimedOut, TaskStatusStopped:
		return true
	}
	return false
}

// ScriptPayload describes an interpreter-run script task
type ScriptPayload struct {
	Path        string   `json:"path"`
	Args        []string `json:"args,omitempty"`
	Interpreter string   `json:"interpreter,omitempty"` // default "python3"
	WorkingDir  string   `json:"working_dir,omitempty"`
}

// FunctionPayload describes an in-process function task
type FunctionPayload struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// CommandPayload describes a raw argv task
type CommandPayload struct {
	Argv       []string `json:"argv"`
	WorkingDir string   `json:"working_dir,omitempty"`
	Env        []string `json:"env,omitempty"`
}

// TaskPayload is a tagged variant; exactly the field matching the
// descriptor's Kind is non-nil
type TaskPayload struct {
	Script   *ScriptPayload   `json:"script,omitempty"`
	Function *FunctionPayload `json:"function,omitempty"`
	Command  *CommandPayload  `json:"command,omitempty"`
}

// TaskRequirements carries optional resource hints for admission
type TaskRequirements struct {
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemPercent  float64 `json:"mem_percent,omitempty"`
	DiskPercent float64 `json:"disk_percent,omitempty"`
	GPU         bool    `json:"gpu,omitempty"`
}

// TaskDescriptor is the immutable submission record for a task
type TaskDescriptor struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Kind           TaskKind          `json:"kind"`
	Payload        TaskPayload       `json:"payload"`
	Type           string            `json:"task_type"` // weight class, e.g. "heavy-render"
	Priority       int               `json:"priority"`  // lower = earlier
	TimeoutSeconds int64             `json:"timeout_seconds"`
	Deadline       *time.Time        `json:"deadline,omitempty"`
	Requires       *TaskRequirements `json:"requirements,omitempty"`
	Source         string            `json:"source,omitempty"` // api, scheduler, automation, cli
	WorkflowID     string            `json:"workflow_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	SubmittedAt    time.Time         `json:"submitted_at"`
}

// TimeoutDuration returns the descriptor's timeout; zero means no
// deadline is applied.
func (d *TaskDescriptor) TimeoutDuration() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Task pairs a descriptor with its mutable state. The Task Manager is
// the single writer; everyone else reads copies.
type Task struct {
	Descriptor TaskDescriptor `json:"descriptor"`
	Status     TaskStatus     `json:"status"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Result     string         `json:"result,omitempty"` // bounded stdout tail
	Error      string         `json:"error,omitempty"`  // bounded stderr tail / failure text
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	Reason     string         `json:"reason,omitempty"` // e.g. "host restart", "emergency stop"
}

// ProcessSample is one row of the optional top-K process table
type ProcessSample struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float32 `json:"mem_percent"`
}

// UnknownPercent tags a metric the sampler failed to read after retries.
// Consumers must treat it as worst-case (see EffectivePercent).
const UnknownPercent = -1.0

// EffectivePercent maps the unknown sentinel to worst-case 100%.
func EffectivePercent(v float64) float64 {
	if v < 0 {
		return 100
	}
	return v
}

// ResourceSnapshot is one host resource sample
type ResourceSnapshot struct {
	TakenAt      time.Time       `json:"taken_at"`
	CPUPercent   float64         `json:"cpu_percent"`
	MemPercent   float64         `json:"mem_percent"`
	DiskPercent  float64         `json:"disk_percent"`
	NetSentBytes uint64          `json:"net_sent_bytes"`
	NetRecvBytes uint64          `json:"net_recv_bytes"`
	TopProcesses []ProcessSample `json:"top_processes,omitempty"`
}

// Worst returns the highest effective metric percentage in the snapshot.
func (s *ResourceSnapshot) Worst() float64 {
	worst := EffectivePercent(s.CPUPercent)
	if v := EffectivePercent(s.MemPercent); v > worst {
		worst = v
	}
	if v := EffectivePercent(s.DiskPercent); v > worst {
		worst = v
	}
	return worst
}

// StrategyKind classifies an allocation strategy
type StrategyKind string

const (
	StrategyScaleUp       StrategyKind = "scale_up"
	StrategyMaintain      StrategyKind = "maintain"
	StrategyScaleDown     StrategyKind = "scale_down"
	StrategyStopNew       StrategyKind = "stop_new"
	StrategyEmergencyStop StrategyKind = "emergency_stop"
)

// Strategy is the allocation controller's current recommendation.
// Immutable once issued; the controller publishes a new value instead
// of mutating the old one.
type Strategy struct {
	Kind          StrategyKind   `json:"kind"`
	MaxConcurrent int            `json:"max_concurrent"`
	TypeCaps      map[string]int `json:"per_type_caps"`
	Rationale     string         `json:"rationale"`
	IssuedAt      time.Time      `json:"issued_at"`
}

// AllowsNew reports whether the strategy admits new task launches.
func (s *Strategy) AllowsNew() bool {
	return s.Kind != StrategyStopNew && s.Kind != StrategyEmergencyStop
}

// Equivalent reports whether two strategies make identical admission
// decisions (kind, cap, and per-type caps match).
func (s *Strategy) Equivalent(o *Strategy) bool {
	if o == nil {
		return false
	}
	if s.Kind != o.Kind || s.MaxConcurrent != o.MaxConcurrent {
		return false
	}
	if len(s.TypeCaps) != len(o.TypeCaps) {
		return false
	}
	for k, v := range s.TypeCaps {
		if ov, ok := o.TypeCaps[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// SessionType classifies how a process session was launched
type SessionType string

const (
	SessionTerminal     SessionType = "terminal"
	SessionGUIWorkflow  SessionType = "gui_workflow"
	SessionEditorAgent  SessionType = "editor_agent"
	SessionManualScript SessionType = "manual_script"
	SessionUnknown      SessionType = "unknown"
)

// Priority returns the fixed arbitration weight for a session type.
// Higher continues; lower yields.
func (t SessionType) Priority() int {
	switch t {
	case SessionGUIWorkflow:
		return 10
	case SessionTerminal:
		return 8
	case SessionEditorAgent:
		return 6
	case SessionManualScript:
		return 4
	default:
		return 2
	}
}

// ConflictsWith reports whether sessions of type t and o contend for
// the same host resources and must be arbitrated.
func (t SessionType) ConflictsWith(o SessionType) bool {
	switch t {
	case SessionTerminal:
		return o == SessionGUIWorkflow || o == SessionEditorAgent
	case SessionGUIWorkflow:
		return o == SessionTerminal || o == SessionEditorAgent
	case SessionEditorAgent:
		return o == SessionTerminal || o == SessionGUIWorkflow
	}
	return false
}

// ConflictPolicy selects how the losing side of a session conflict reacts
type ConflictPolicy string

const (
	ConflictPolicyAsk      ConflictPolicy = "ask"
	ConflictPolicyYield    ConflictPolicy = "yield"
	ConflictPolicyContinue ConflictPolicy = "continue"
)

// SessionRecord describes one live (or completed) process session
type SessionRecord struct {
	ID         string            `json:"id"`
	Type       SessionType       `json:"type"`
	PID        int               `json:"pid"`
	ParentPID  int               `json:"parent_pid"`
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Hints      map[string]string `json:"hints,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	LastSeenAt time.Time         `json:"last_seen_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
}

// LockMode distinguishes shared readers from the exclusive writer
type LockMode string

const (
	LockModeRead  LockMode = "read"
	LockModeWrite LockMode = "write"
)

// LockEntry is one file lock, keyed externally by canonical absolute path
type LockEntry struct {
	Path            string    `json:"path"`
	Mode            LockMode  `json:"mode"`
	Holders         []string  `json:"holders"` // read: role set; write: exactly one role
	WorkflowID      string    `json:"workflow_id,omitempty"`
	AcquiredAt      time.Time `json:"acquired_at"`
	ExpectedSeconds int64     `json:"expected_duration_seconds"`
	PID             int       `json:"pid"`
}

// ExpectedDuration returns the holder's declared duration
func (e *LockEntry) ExpectedDuration() time.Duration {
	return time.Duration(e.ExpectedSeconds) * time.Second
}

// HeldBy reports whether role is among the entry's holders
func (e *LockEntry) HeldBy(role string) bool {
	for _, h := range e.Holders {
		if h == role {
			return true
		}
	}
	return false
}

// WorkflowLockInfo tracks per-workflow lock bookkeeping in the registry
type WorkflowLockInfo struct {
	Priority int  `json:"priority"`
	Rollback bool `json:"rollback"` // set when the workflow lost a lock to preemption
}

// WorkflowState represents the tri-state workflow machine
type WorkflowState string

const (
	WorkflowStopped WorkflowState = "stopped"
	WorkflowRunning WorkflowState = "running"
	WorkflowPaused  WorkflowState = "paused"
)

// AgentInfo describes one registered workflow agent
type AgentInfo struct {
	Name         string            `json:"name"`
	Kind         string            `json:"kind,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Reason       string            `json:"reason,omitempty"` // set on termination
}

// WorkflowStatus is the externally visible workflow snapshot
type WorkflowStatus struct {
	State            WorkflowState         `json:"state"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	LastUpdated      time.Time             `json:"last_updated"`
	TotalRunTime     time.Duration         `json:"total_run_time_seconds"`
	PauseCount       int                   `json:"pause_count"`
	ActiveAgents     map[string]*AgentInfo `json:"active_agents"`
	PausedAgents     map[string]*AgentInfo `json:"paused_agents"`
	TerminatedAgents map[string]*AgentInfo `json:"terminated_agents"`
	Params           map[string]string     `json:"params,omitempty"`
}

// ScheduleKind tags a schedule variant
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleMonthly  ScheduleKind = "monthly"
	ScheduleOnce     ScheduleKind = "once"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule is a tagged variant; only the fields for Kind are meaningful
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	Minutes   int    `json:"minutes,omitempty"`     // interval
	TimeOfDay string `json:"time_of_day,omitempty"` // daily/weekly/monthly/once, "hh:mm"
	Weekday   int    `json:"weekday,omitempty"`     // weekly, 0=Sunday
	Day       int    `json:"day,omitempty"`         // monthly, clamped to 28
	Date      string `json:"date,omitempty"`        // once, "2006-01-02"
	Expr      string `json:"expr,omitempty"`        // cron expression
}

// ScheduleEntry pairs a descriptor template with its firing schedule
type ScheduleEntry struct {
	ID       string         `json:"id"`
	Template TaskDescriptor `json:"template"`
	Schedule Schedule       `json:"schedule"`
	LastRun  *time.Time     `json:"last_run,omitempty"`
	NextRun  *time.Time     `json:"next_run,omitempty"`
	Enabled  bool           `json:"enabled"`
}

// Event represents an orchestrator event (for the in-process broker and
// the gui notification log)
type Event struct {
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	TaskID     string            `json:"task_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Path       string            `json:"path,omitempty"`
	Message    string            `json:"message"`
	Data       map[string]string `json:"data,omitempty"`
}

// Event type tags used across components
const (
	EventTaskSubmitted    = "task.submitted"
	EventTaskStarted      = "task.started"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventTaskCancelled    = "task.cancelled"
	EventTaskTimedOut     = "task.timed_out"
	EventTaskDeferred     = "task.deferred"
	EventTaskRejected     = "task.rejected"
	EventStrategyChanged  = "strategy.changed"
	EventLockPreempted    = "lock.preempted"
	EventLockSwept        = "lock.swept"
	EventSessionStarted   = "session.started"
	EventSessionConflict  = "session.conflict"
	EventWorkflowStarted  = "workflow.started"
	EventWorkflowPaused   = "workflow.paused"
	EventWorkflowResumed  = "workflow.resumed"
	EventWorkflowStopped  = "workflow.stopped"
	EventSnapshotSaved    = "snapshot.saved"
	EventSnapshotCorrupt  = "snapshot.corrupt"
	EventQuiescentEntered = "alert.quiescent"
	EventQuiescentCleared = "alert.quiescent_cleared"
)
