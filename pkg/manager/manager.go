package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/events"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/metrics"
	"github.com/maestrod/maestro/pkg/queue"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
	"github.com/maestrod/maestro/pkg/worker"
)

// StrategySource publishes the current allocation strategy; pkg/allocator
// implements it. Reads never block.
type StrategySource interface {
	Current() *types.Strategy
	Quiescent() bool
}

// PeerGate is consulted before admitting work when check_peers is on;
// returning false means this process lost a session arbitration and
// must refuse new tasks. Wired to pkg/session by the daemon.
type PeerGate func() bool

// Config holds task manager configuration
type Config struct {
	MaxParallel       int           // concurrency cap when no strategy source is wired, default 5
	DefaultTaskType   string        // applied to descriptors without a type tag, default "utility"
	DefaultTimeout    time.Duration // applied to descriptors with a zero timeout, default 1h
	Grace             time.Duration // cooperative-cancel window, default 5s
	CompletedRetained int           // terminal tasks kept in memory, default 100
	DispatchTick      time.Duration // dispatch loop cadence, default 100ms
	CheckPeers        bool          // consult the peer gate on submission
	Gate              PeerGate      // optional session arbitration hook
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxParallel <= 0 {
		out.MaxParallel = 5
	}
	if out.DefaultTaskType == "" {
		out.DefaultTaskType = "utility"
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = time.Hour
	}
	if out.Grace <= 0 {
		out.Grace = 5 * time.Second
	}
	if out.CompletedRetained <= 0 {
		out.CompletedRetained = 100
	}
	if out.DispatchTick <= 0 {
		out.DispatchTick = 100 * time.Millisecond
	}
	return out
}

// runningTask tracks one launched task. The cancel func releases the
// worker context; reason is recorded before a deliberate cancel so the
// terminal task can say why.
type runningTask struct {
	task   *types.Task
	cancel context.CancelFunc
	reason string
}

// completion flows from a worker goroutine to the reap loop
type completion struct {
	id      string
	outcome worker.Outcome
}

// Status is the observability snapshot returned by Manager.Status
type Status struct {
	Strategy  *types.Strategy         `json:"strategy"`
	Quiescent bool                    `json:"quiescent"`
	Queued    int                     `json:"queued"`
	Running   int                     `json:"running"`
	Counts    map[types.TaskStatus]int `json:"counts"`
	Deferred  map[string]int          `json:"deferred"`
	Active    []*types.Task           `json:"active"`
	Recent    []*types.Task           `json:"recent"`
	Queue     []*types.TaskDescriptor `json:"queue"`
}

// tasksFile is the tasks.json payload
type tasksFile struct {
	Queued      []*types.TaskDescriptor `json:"queued"`
	Running     []*types.Task           `json:"running"`
	Completed   []*types.Task           `json:"completed"`
	LastUpdated time.Time               `json:"last_updated"`
}

// Manager is the dispatcher: it owns the task queue and all task state,
// admits work against the current allocation strategy and per-type caps,
// launches workers, reaps their outcomes, and handles cancellation and
// timeouts. All mutation happens on the manager's own loops or behind
// its mutex; external callers see copies.
type Manager struct {
	cfg    Config
	clk    clock.Clock
	dir    *state.Dir
	strat  StrategySource
	exec   *worker.Executor
	broker *events.Broker
	log    zerolog.Logger

	q *queue.Queue

	mu        sync.Mutex
	running   map[string]*runningTask
	deferred  map[string][]*types.TaskDescriptor
	completed []*types.Task
	emergency bool // latched while the current strategy is emergency_stop

	completionCh chan completion

	stopCh   chan struct{}
	dispDone chan struct{}
	reapStop chan struct{}
	reapDone chan struct{}
}

// New creates a manager and restores persisted task state. strat, dir,
// and broker may each be nil (tests, poc binaries).
func New(cfg Config, clk clock.Clock, dir *state.Dir, strat StrategySource, exec *worker.Executor, broker *events.Broker) *Manager {
	m := &Manager{
		cfg:          cfg.withDefaults(),
		clk:          clk,
		dir:          dir,
		strat:        strat,
		exec:         exec,
		broker:       broker,
		log:          log.WithComponent("manager"),
		q:            queue.New(),
		running:      make(map[string]*runningTask),
		deferred:     make(map[string][]*types.TaskDescriptor),
		completionCh: make(chan completion, 128),
		stopCh:       make(chan struct{}),
		dispDone:     make(chan struct{}),
		reapStop:     make(chan struct{}),
		reapDone:     make(chan struct{}),
	}
	m.restore()
	return m
}

// restore reloads tasks.json. Queued descriptors go back on the queue;
// tasks that were running when the previous process died are never
// resumed, only marked stopped.
func (m *Manager) restore() {
	if m.dir == nil {
		return
	}
	var file tasksFile
	restored, err := m.dir.Load(state.TasksFile, &file)
	if err != nil {
		m.log.Warn().Err(err).Msg("task state reset")
	}
	if !restored {
		return
	}

	for _, desc := range file.Queued {
		if err := m.q.Push(desc); err != nil {
			m.log.Warn().Err(err).Str("task_id", desc.ID).Msg("dropping restored descriptor")
		}
	}
	m.completed = file.Completed
	for _, t := range file.Running {
		ended := m.clk.Now()
		t.Status = types.TaskStatusStopped
		t.Reason = "host restart"
		t.EndedAt = &ended
		m.completed = append(m.completed, t)
	}
	m.trimCompletedLocked()

	m.log.Info().
		Int("queued", m.q.Len()).
		Int("interrupted", len(file.Running)).
		Msg("task state restored")
}

// Start launches the dispatch and reap loops
func (m *Manager) Start() {
	go m.dispatchLoop()
	go m.reapLoop()
}

// Stop drains the manager: dispatch halts, every running task is
// cancelled, and the reap loop exits once they have all reported (or
// the grace window plus a margin expires). State is persisted last.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.dispDone

	m.cancelAll("shutdown")

	deadline := time.After(m.cfg.Grace + 5*time.Second)
wait:
	for m.runningCount() > 0 {
		select {
		case <-deadline:
			m.log.Warn().Int("running", m.runningCount()).Msg("shutdown wait expired")
			break wait
		case <-time.After(20 * time.Millisecond):
		}
	}

	close(m.reapStop)
	<-m.reapDone

	if err := m.Persist(); err != nil {
		m.log.Error().Err(err).Msg("persisting task state on shutdown")
	}
}

// Submit validates and enqueues a descriptor. The descriptor is
// immutable once accepted; missing fields are filled from defaults
// first (id, kind, task type, timeout, submission time).
func (m *Manager) Submit(desc *types.TaskDescriptor) error {
	if m.strat != nil && m.strat.Quiescent() {
		return types.NewError(types.ErrKindFatalHost,
			"refusing task: host is quiescent after repeated emergency strategies")
	}
	if m.cfg.CheckPeers && m.cfg.Gate != nil && !m.cfg.Gate() {
		return types.NewError(types.ErrKindSessionConflict,
			"refusing task: yielding to a conflicting session")
	}

	if err := m.normalize(desc); err != nil {
		return err
	}

	m.mu.Lock()
	_, active := m.running[desc.ID]
	m.mu.Unlock()
	if active || m.q.Contains(desc.ID) {
		return types.NewError(types.ErrKindInternal, "task %s is already submitted", desc.ID)
	}

	if err := m.q.Push(desc); err != nil {
		return err
	}

	metrics.TasksSubmitted.Inc()
	m.log.Info().
		Str("task_id", clock.ShortID(desc.ID)).
		Str("kind", string(desc.Kind)).
		Str("task_type", desc.Type).
		Int("priority", desc.Priority).
		Msg("task submitted")
	if m.broker != nil {
		m.broker.EmitTask(types.EventTaskSubmitted, desc.ID,
			fmt.Sprintf("task %s submitted (type %s, priority %d)", desc.Name, desc.Type, desc.Priority))
	}
	return nil
}

// normalize fills descriptor defaults and rejects malformed payloads.
// A negative timeout disables the deadline entirely.
func (m *Manager) normalize(desc *types.TaskDescriptor) error {
	if desc.ID == "" {
		desc.ID = clock.NewID()
	}
	if desc.Kind == "" {
		switch {
		case desc.Payload.Script != nil:
			desc.Kind = types.TaskKindScript
		case desc.Payload.Function != nil:
			desc.Kind = types.TaskKindFunction
		case desc.Payload.Command != nil:
			desc.Kind = types.TaskKindCommand
		default:
			return types.NewError(types.ErrKindConfig, "task %s has no payload", desc.ID)
		}
	}
	switch desc.Kind {
	case types.TaskKindScript:
		if desc.Payload.Script == nil || desc.Payload.Script.Path == "" {
			return types.NewError(types.ErrKindConfig, "task %s: script payload requires a path", desc.ID)
		}
	case types.TaskKindCommand:
		if desc.Payload.Command == nil || len(desc.Payload.Command.Argv) == 0 {
			return types.NewError(types.ErrKindConfig, "task %s: command payload requires argv", desc.ID)
		}
	case types.TaskKindFunction:
		if desc.Payload.Function == nil || desc.Payload.Function.Name == "" {
			return types.NewError(types.ErrKindConfig, "task %s: function payload requires a name", desc.ID)
		}
	default:
		return types.NewError(types.ErrKindConfig, "task %s: unknown kind %q", desc.ID, desc.Kind)
	}
	if desc.Type == "" {
		desc.Type = m.cfg.DefaultTaskType
	}
	if desc.TimeoutSeconds == 0 {
		desc.TimeoutSeconds = int64(m.cfg.DefaultTimeout / time.Second)
	}
	if desc.SubmittedAt.IsZero() {
		desc.SubmittedAt = m.clk.Now()
	}
	return nil
}

// Cancel cancels a task wherever it is: a running task is signalled,
// a queued one is removed and marked cancelled.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	if rt, ok := m.running[id]; ok {
		rt.reason = "cancelled by request"
		rt.cancel()
		m.mu.Unlock()
		m.log.Info().Str("task_id", clock.ShortID(id)).Msg("cancel signalled")
		return nil
	}
	if desc, ok := m.takeDeferredLocked(id); ok {
		m.finishUnlaunchedLocked(desc, "cancelled by request")
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if desc := m.q.Remove(id); desc != nil {
		m.mu.Lock()
		m.finishUnlaunchedLocked(desc, "cancelled by request")
		m.mu.Unlock()
		return nil
	}
	return types.NewError(types.ErrKindInternal, "no queued or running task %s", id)
}

// finishUnlaunchedLocked records a terminal cancelled task for a
// descriptor that never ran. Caller holds mu.
func (m *Manager) finishUnlaunchedLocked(desc *types.TaskDescriptor, reason string) {
	ended := m.clk.Now()
	task := &types.Task{
		Descriptor: *desc,
		Status:     types.TaskStatusCancelled,
		EndedAt:    &ended,
		ErrorKind:  types.ErrKindCancelled,
		Reason:     reason,
	}
	m.completed = append(m.completed, task)
	m.trimCompletedLocked()

	metrics.TasksFinished.WithLabelValues(string(types.TaskStatusCancelled)).Inc()
	if m.broker != nil {
		m.broker.EmitTask(types.EventTaskCancelled, desc.ID,
			fmt.Sprintf("queued task %s cancelled", desc.ID))
	}
}

// Get returns a copy of the task's current state, queued tasks included
func (m *Manager) Get(id string) (*types.Task, bool) {
	m.mu.Lock()
	if rt, ok := m.running[id]; ok {
		cp := *rt.task
		m.mu.Unlock()
		return &cp, true
	}
	for _, t := range m.completed {
		if t.Descriptor.ID == id {
			cp := *t
			m.mu.Unlock()
			return &cp, true
		}
	}
	for _, list := range m.deferred {
		for _, desc := range list {
			if desc.ID == id {
				m.mu.Unlock()
				return &types.Task{Descriptor: *desc, Status: types.TaskStatusQueued}, true
			}
		}
	}
	m.mu.Unlock()

	for _, desc := range m.q.Snapshot() {
		if desc.ID == id {
			return &types.Task{Descriptor: *desc, Status: types.TaskStatusQueued}, true
		}
	}
	return nil, false
}

// Status returns the observability snapshot: strategy summary, counts,
// active tasks, recent terminal tasks, and the queue in dispatch order.
func (m *Manager) Status() *Status {
	st := &Status{
		Strategy: m.strategy(),
		Counts:   m.TaskCounts(),
		Deferred: m.DeferredCounts(),
		Queue:    m.q.Snapshot(),
	}
	if m.strat != nil {
		st.Quiescent = m.strat.Quiescent()
	}
	st.Queued = len(st.Queue)

	m.mu.Lock()
	st.Running = len(m.running)
	for _, rt := range m.running {
		cp := *rt.task
		st.Active = append(st.Active, &cp)
	}
	for _, t := range m.completed {
		cp := *t
		st.Recent = append(st.Recent, &cp)
	}
	m.mu.Unlock()
	return st
}

// TaskCounts tallies every tracked task by status
func (m *Manager) TaskCounts() map[types.TaskStatus]int {
	counts := make(map[types.TaskStatus]int)
	counts[types.TaskStatusQueued] = m.q.Len()

	m.mu.Lock()
	defer m.mu.Unlock()
	counts[types.TaskStatusRunning] = len(m.running)
	for _, list := range m.deferred {
		counts[types.TaskStatusQueued] += len(list)
	}
	for _, t := range m.completed {
		counts[t.Status]++
	}
	return counts
}

// QueueDepth returns the number of waiting descriptors, deferred included
func (m *Manager) QueueDepth() int {
	n := m.q.Len()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.deferred {
		n += len(list)
	}
	return n
}

// DeferredCounts returns the per-type deferral side list sizes
func (m *Manager) DeferredCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.deferred))
	for taskType, list := range m.deferred {
		out[taskType] = len(list)
	}
	return out
}

// Persist writes queued descriptors and task state to tasks.json
func (m *Manager) Persist() error {
	if m.dir == nil {
		return nil
	}

	file := &tasksFile{
		Queued:      m.q.Snapshot(),
		LastUpdated: m.clk.Now(),
	}
	m.mu.Lock()
	for _, list := range m.deferred {
		file.Queued = append(file.Queued, list...)
	}
	for _, rt := range m.running {
		cp := *rt.task
		file.Running = append(file.Running, &cp)
	}
	for _, t := range m.completed {
		cp := *t
		file.Completed = append(file.Completed, &cp)
	}
	m.mu.Unlock()

	return m.dir.Save(state.TasksFile, file)
}

// ---- dispatch loop ----

func (m *Manager) dispatchLoop() {
	defer close(m.dispDone)

	ticker := time.NewTicker(m.cfg.DispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.dispatchOnce()
		case <-m.stopCh:
			return
		}
	}
}

// strategy returns the current strategy, or a permissive stand-in when
// no allocator is wired.
func (m *Manager) strategy() *types.Strategy {
	if m.strat != nil {
		return m.strat.Current()
	}
	return &types.Strategy{
		Kind:          types.StrategyMaintain,
		MaxConcurrent: m.cfg.MaxParallel,
		Rationale:     "static configuration (no allocator)",
	}
}

// dispatchOnce admits as much queued work as the current strategy
// allows. Head descriptors over their per-type cap are parked on the
// side list so lower-priority work of other types is never starved.
func (m *Manager) dispatchOnce() {
	s := m.strategy()

	if s.Kind == types.StrategyEmergencyStop {
		m.mu.Lock()
		latched := m.emergency
		m.emergency = true
		m.mu.Unlock()
		if !latched {
			m.log.Warn().Str("rationale", s.Rationale).Msg("emergency stop: cancelling all running tasks")
			m.cancelAll("emergency stop")
		}
		return
	}
	m.mu.Lock()
	m.emergency = false
	m.mu.Unlock()

	if !s.AllowsNew() {
		return
	}

	for {
		if m.runningCount() >= s.MaxConcurrent {
			return
		}
		head := m.q.Peek()
		if head == nil {
			return
		}

		if limit, capped := s.TypeCaps[head.Type]; capped && m.typeActive(head.Type) >= limit {
			if desc := m.q.Remove(head.ID); desc != nil {
				m.park(desc)
			}
			continue
		}

		desc := m.q.Pop()
		if desc == nil {
			return
		}

		// the strategy may have flipped while we were deciding
		if now := m.strategy(); !now.AllowsNew() {
			metrics.AdmissionsRejected.Inc()
			m.log.Warn().Str("task_id", clock.ShortID(desc.ID)).
				Msg("admission rejected mid-dispatch; requeueing at head of its priority class")
			if m.broker != nil {
				m.broker.EmitTask(types.EventTaskRejected, desc.ID, "strategy flipped mid-dispatch")
			}
			// unchanged priority and submission time put it back at the
			// head of its priority class
			if err := m.q.Push(desc); err != nil {
				m.log.Error().Err(err).Str("task_id", desc.ID).Msg("requeue failed")
			}
			return
		}

		m.launch(desc)
	}
}

// park moves a descriptor to the per-type deferral side list
func (m *Manager) park(desc *types.TaskDescriptor) {
	m.mu.Lock()
	m.deferred[desc.Type] = append(m.deferred[desc.Type], desc)
	m.mu.Unlock()

	m.log.Debug().
		Str("task_id", clock.ShortID(desc.ID)).
		Str("task_type", desc.Type).
		Msg("task deferred by per-type cap")
	if m.broker != nil {
		m.broker.EmitTask(types.EventTaskDeferred, desc.ID,
			fmt.Sprintf("type %s at its concurrency cap", desc.Type))
	}
}

// takeDeferredLocked removes one descriptor from the side list by id.
// Caller holds mu.
func (m *Manager) takeDeferredLocked(id string) (*types.TaskDescriptor, bool) {
	for taskType, list := range m.deferred {
		for i, desc := range list {
			if desc.ID == id {
				m.deferred[taskType] = append(list[:i], list[i+1:]...)
				if len(m.deferred[taskType]) == 0 {
					delete(m.deferred, taskType)
				}
				return desc, true
			}
		}
	}
	return nil, false
}

// sweepDeferred pushes every parked descriptor back through the queue;
// the dispatch loop re-parks whatever is still capped. Runs after each
// completion event.
func (m *Manager) sweepDeferred() {
	m.mu.Lock()
	var all []*types.TaskDescriptor
	for _, list := range m.deferred {
		all = append(all, list...)
	}
	m.deferred = make(map[string][]*types.TaskDescriptor)
	m.mu.Unlock()

	for _, desc := range all {
		if err := m.q.Push(desc); err != nil {
			m.log.Error().Err(err).Str("task_id", desc.ID).Msg("unparking deferred task failed")
		}
	}
}

// launch transitions a descriptor to running and spawns its worker
func (m *Manager) launch(desc *types.TaskDescriptor) {
	started := m.clk.Now()

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout := desc.TimeoutDuration(); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	if desc.Deadline != nil {
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithDeadline(ctx, *desc.Deadline)
		parent := cancel
		cancel = func() {
			dcancel()
			parent()
		}
	}

	task := &types.Task{
		Descriptor: *desc,
		Status:     types.TaskStatusRunning,
		StartedAt:  &started,
	}

	m.mu.Lock()
	m.running[desc.ID] = &runningTask{task: task, cancel: cancel}
	m.mu.Unlock()

	if wait := started.Sub(desc.SubmittedAt); wait > 0 {
		metrics.DispatchLatency.Observe(wait.Seconds())
	}
	m.log.Info().
		Str("task_id", clock.ShortID(desc.ID)).
		Str("kind", string(desc.Kind)).
		Str("task_type", desc.Type).
		Msg("task started")
	if m.broker != nil {
		m.broker.EmitTask(types.EventTaskStarted, desc.ID,
			fmt.Sprintf("task %s running", desc.ID))
	}

	go func(desc types.TaskDescriptor) {
		outcome := m.exec.Run(ctx, &desc)
		cancel()
		m.completionCh <- completion{id: desc.ID, outcome: outcome}
	}(*desc)
}

// ---- reap loop ----

func (m *Manager) reapLoop() {
	defer close(m.reapDone)

	for {
		select {
		case c := <-m.completionCh:
			m.reap(c)
		case <-m.reapStop:
			// drain whatever already finished
			for {
				select {
				case c := <-m.completionCh:
					m.reap(c)
				default:
					return
				}
			}
		}
	}
}

// reap records a worker outcome and frees the task's slot
func (m *Manager) reap(c completion) {
	ended := m.clk.Now()

	m.mu.Lock()
	rt, ok := m.running[c.id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.running, c.id)

	task := rt.task
	task.Status = c.outcome.Status
	task.EndedAt = &ended
	task.ExitCode = c.outcome.ExitCode
	task.Result = c.outcome.Result
	task.Error = c.outcome.Error
	task.ErrorKind = c.outcome.Kind
	if rt.reason != "" && c.outcome.Status == types.TaskStatusCancelled {
		task.Reason = rt.reason
	}
	m.completed = append(m.completed, task)
	m.trimCompletedLocked()
	m.mu.Unlock()

	metrics.TasksFinished.WithLabelValues(string(task.Status)).Inc()
	if task.StartedAt != nil {
		metrics.TaskDuration.WithLabelValues(task.Descriptor.Type).
			Observe(ended.Sub(*task.StartedAt).Seconds())
	}

	evt := m.log.Info()
	if task.Status == types.TaskStatusFailed {
		evt = m.log.Warn()
	}
	evt.Str("task_id", clock.ShortID(c.id)).
		Str("status", string(task.Status)).
		Msg("task finished")
	if m.broker != nil {
		m.broker.EmitTask(eventForStatus(task.Status), c.id,
			fmt.Sprintf("task %s %s", c.id, task.Status))
	}

	m.sweepDeferred()
}

func eventForStatus(status types.TaskStatus) string {
	switch status {
	case types.TaskStatusCompleted:
		return types.EventTaskCompleted
	case types.TaskStatusCancelled:
		return types.EventTaskCancelled
	case types.TaskStatusTimedOut:
		return types.EventTaskTimedOut
	default:
		return types.EventTaskFailed
	}
}

// ---- helpers ----

func (m *Manager) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// typeActive counts running tasks carrying the given type tag
func (m *Manager) typeActive(taskType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rt := range m.running {
		if rt.task.Descriptor.Type == taskType {
			n++
		}
	}
	return n
}

// cancelAll signals every running task with the given reason
func (m *Manager) cancelAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.running {
		rt.reason = reason
		rt.cancel()
	}
}

// trimCompletedLocked bounds the terminal task list. Caller holds mu.
func (m *Manager) trimCompletedLocked() {
	if len(m.completed) > m.cfg.CompletedRetained {
		m.completed = m.completed[len(m.completed)-m.cfg.CompletedRetained:]
	}
}
