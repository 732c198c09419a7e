package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/events"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

// Sentinel file names under the state layout's sentinel/ directory.
// External workers poll these instead of the HTTP surface.
const (
	TerminateSentinel = "terminate_status.json"
	PauseSentinel     = "workflow_pause.json"
	StateSentinel     = "workflow_state.py"
)

// terminateSentinel is the terminate_status.json payload
type terminateSentinel struct {
	Terminated bool      `json:"terminated"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// pauseSentinel is the workflow_pause.json payload
type pauseSentinel struct {
	Paused    bool      `json:"paused"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats is the aggregate surface returned by Stats()
type Stats struct {
	State            types.WorkflowState `json:"state"`
	StartedAt        *time.Time          `json:"started_at,omitempty"`
	TotalRunTime     time.Duration       `json:"total_run_time_seconds"`
	PauseCount       int                 `json:"pause_count"`
	ActiveAgents     int                 `json:"active_agents"`
	PausedAgents     int                 `json:"paused_agents"`
	TerminatedAgents int                 `json:"terminated_agents"`
}

// Store is the tri-state workflow machine (stopped, running, paused)
// and the agent registry attached to it. Every transition is serialized
// behind one mutex, and the sentinel files are written inside the
// transition so external pollers never observe a state the files do not
// reflect yet.
type Store struct {
	clk    clock.Clock
	dir    *state.Dir
	broker *events.Broker
	log    zerolog.Logger

	mu           sync.Mutex
	status       types.WorkflowStatus
	workflowID   string
	segmentStart *time.Time // start of the current running segment
}

// New creates a store and restores the persisted workflow status. A
// status restored as running keeps running: external agents poll the
// sentinels, not the daemon's lifetime. dir may be nil (tests).
func New(clk clock.Clock, dir *state.Dir, broker *events.Broker) *Store {
	s := &Store{
		clk:    clk,
		dir:    dir,
		broker: broker,
		log:    log.WithComponent("workflow"),
	}
	s.status = types.WorkflowStatus{
		State:            types.WorkflowStopped,
		ActiveAgents:     map[string]*types.AgentInfo{},
		PausedAgents:     map[string]*types.AgentInfo{},
		TerminatedAgents: map[string]*types.AgentInfo{},
	}
	s.restore()
	return s
}

func (s *Store) restore() {
	if s.dir == nil {
		return
	}
	var restored types.WorkflowStatus
	ok, err := s.dir.Load(state.WorkflowFile, &restored)
	if err != nil {
		s.log.Warn().Err(err).Msg("workflow status reset")
	}
	if !ok {
		return
	}
	if restored.ActiveAgents == nil {
		restored.ActiveAgents = map[string]*types.AgentInfo{}
	}
	if restored.PausedAgents == nil {
		restored.PausedAgents = map[string]*types.AgentInfo{}
	}
	if restored.TerminatedAgents == nil {
		restored.TerminatedAgents = map[string]*types.AgentInfo{}
	}
	s.status = restored
	if restored.State == types.WorkflowRunning {
		now := s.clk.Now()
		s.segmentStart = &now
	}
	s.log.Info().Str("state", string(restored.State)).Msg("workflow status restored")
}

// State returns the current machine state
func (s *Store) State() types.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State
}

// WorkflowID returns the id of the current run, empty while stopped
func (s *Store) WorkflowID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflowID
}

// Status returns a deep copy of the full status record
func (s *Store) Status() *types.WorkflowStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Stats summarizes the status for the CLI and the HTTP surface
func (s *Store) Stats() *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Stats{
		State:            s.status.State,
		StartedAt:        s.status.StartedAt,
		TotalRunTime:     s.totalRunTimeLocked(),
		PauseCount:       s.status.PauseCount,
		ActiveAgents:     len(s.status.ActiveAgents),
		PausedAgents:     len(s.status.PausedAgents),
		TerminatedAgents: len(s.status.TerminatedAgents),
	}
}

// Start moves stopped → running. The agent maps are cleared: a new run
// starts with a clean registry.
func (s *Store) Start(params map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State != types.WorkflowStopped {
		return s.badTransitionLocked(types.WorkflowRunning)
	}

	now := s.clk.Now()
	if err := s.writeSentinelsLocked(types.WorkflowRunning, now); err != nil {
		return err
	}

	s.workflowID = clock.NewID()
	s.status.State = types.WorkflowRunning
	s.status.StartedAt = &now
	s.status.LastUpdated = now
	s.status.TotalRunTime = 0
	s.status.PauseCount = 0
	s.status.ActiveAgents = map[string]*types.AgentInfo{}
	s.status.PausedAgents = map[string]*types.AgentInfo{}
	s.status.TerminatedAgents = map[string]*types.AgentInfo{}
	s.status.Params = params
	s.segmentStart = &now

	s.persistLocked()
	s.emitLocked(types.EventWorkflowStarted, "workflow started")
	s.log.Info().Str("workflow_id", clock.ShortID(s.workflowID)).Msg("workflow started")
	return nil
}

// Pause moves running → paused; active agents move to the paused map
func (s *Store) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State != types.WorkflowRunning {
		return s.badTransitionLocked(types.WorkflowPaused)
	}

	now := s.clk.Now()
	if err := s.writeSentinelsLocked(types.WorkflowPaused, now); err != nil {
		return err
	}

	s.accumulateLocked(now)
	s.status.State = types.WorkflowPaused
	s.status.LastUpdated = now
	s.status.PauseCount++
	for id, agent := range s.status.ActiveAgents {
		s.status.PausedAgents[id] = agent
		delete(s.status.ActiveAgents, id)
	}

	s.persistLocked()
	s.emitLocked(types.EventWorkflowPaused, "workflow paused")
	s.log.Info().Int("pause_count", s.status.PauseCount).Msg("workflow paused")
	return nil
}

// Resume moves paused → running; paused agents move back to active
func (s *Store) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State != types.WorkflowPaused {
		return s.badTransitionLocked(types.WorkflowRunning)
	}

	now := s.clk.Now()
	if err := s.writeSentinelsLocked(types.WorkflowRunning, now); err != nil {
		return err
	}

	s.status.State = types.WorkflowRunning
	s.status.LastUpdated = now
	s.segmentStart = &now
	for id, agent := range s.status.PausedAgents {
		s.status.ActiveAgents[id] = agent
		delete(s.status.PausedAgents, id)
	}

	s.persistLocked()
	s.emitLocked(types.EventWorkflowResumed, "workflow resumed")
	s.log.Info().Msg("workflow resumed")
	return nil
}

// Stop moves running or paused → stopped. Remaining agents are marked
// terminated; the next Start clears them.
func (s *Store) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State == types.WorkflowStopped {
		return s.badTransitionLocked(types.WorkflowStopped)
	}

	now := s.clk.Now()
	if err := s.writeSentinelsLocked(types.WorkflowStopped, now); err != nil {
		return err
	}

	s.accumulateLocked(now)
	s.status.State = types.WorkflowStopped
	s.status.LastUpdated = now
	for id, agent := range s.status.ActiveAgents {
		agent.Reason = "workflow stopped"
		agent.UpdatedAt = now
		s.status.TerminatedAgents[id] = agent
		delete(s.status.ActiveAgents, id)
	}
	for id, agent := range s.status.PausedAgents {
		agent.Reason = "workflow stopped"
		agent.UpdatedAt = now
		s.status.TerminatedAgents[id] = agent
		delete(s.status.PausedAgents, id)
	}

	s.persistLocked()
	s.emitLocked(types.EventWorkflowStopped, "workflow stopped")
	s.log.Info().
		Dur("total_run_time", s.status.TotalRunTime).
		Msg("workflow stopped")
	return nil
}

// Configure merges a params patch into the current run. Only valid
// while the workflow is running or paused.
func (s *Store) Configure(params map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State == types.WorkflowStopped {
		return types.NewError(types.ErrKindInternal, "cannot configure a stopped workflow")
	}
	if s.status.Params == nil {
		s.status.Params = map[string]string{}
	}
	for k, v := range params {
		s.status.Params[k] = v
	}
	s.status.LastUpdated = s.clk.Now()
	s.persistLocked()
	return nil
}

// RegisterAgent adds an agent to the active map. Registration is
// rejected while the workflow is stopped.
func (s *Store) RegisterAgent(id string, info *types.AgentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State == types.WorkflowStopped {
		return types.NewError(types.ErrKindInternal,
			"cannot register agent %s: workflow is stopped", id)
	}
	if _, exists := s.status.ActiveAgents[id]; exists {
		return types.NewError(types.ErrKindInternal, "agent %s already registered", id)
	}
	if _, exists := s.status.PausedAgents[id]; exists {
		return types.NewError(types.ErrKindInternal, "agent %s already registered", id)
	}

	now := s.clk.Now()
	cp := *info
	cp.RegisteredAt = now
	cp.UpdatedAt = now

	if s.status.State == types.WorkflowPaused {
		s.status.PausedAgents[id] = &cp
	} else {
		s.status.ActiveAgents[id] = &cp
	}
	s.status.LastUpdated = now
	s.persistLocked()
	return nil
}

// UnregisterAgent moves an agent to the terminated map with a reason
func (s *Store) UnregisterAgent(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.status.ActiveAgents[id]
	if ok {
		delete(s.status.ActiveAgents, id)
	} else if agent, ok = s.status.PausedAgents[id]; ok {
		delete(s.status.PausedAgents, id)
	} else {
		return types.NewError(types.ErrKindInternal, "no registered agent %s", id)
	}

	now := s.clk.Now()
	agent.Reason = reason
	agent.UpdatedAt = now
	s.status.TerminatedAgents[id] = agent
	s.status.LastUpdated = now
	s.persistLocked()
	return nil
}

// UpdateAgent merges a details patch into a live agent
func (s *Store) UpdateAgent(id string, patch map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.status.ActiveAgents[id]
	if !ok {
		if agent, ok = s.status.PausedAgents[id]; !ok {
			return types.NewError(types.ErrKindInternal, "no registered agent %s", id)
		}
	}

	if agent.Details == nil {
		agent.Details = map[string]string{}
	}
	for k, v := range patch {
		agent.Details[k] = v
	}
	agent.UpdatedAt = s.clk.Now()
	s.status.LastUpdated = agent.UpdatedAt
	s.persistLocked()
	return nil
}

// Persist snapshots the status to workflow.json
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == nil {
		return nil
	}
	return s.dir.Save(state.WorkflowFile, s.copyLocked())
}

// writeSentinelsLocked writes all three sentinel files for the target
// state. Written before the in-memory state changes: a transition whose
// sentinels cannot be written does not happen. Caller holds mu.
func (s *Store) writeSentinelsLocked(target types.WorkflowState, now time.Time) error {
	if s.dir == nil {
		return nil
	}

	terminate := terminateSentinel{Terminated: target == types.WorkflowStopped, UpdatedAt: now}
	if err := state.WriteJSONAtomic(s.dir.SentinelPath(TerminateSentinel), &terminate); err != nil {
		return types.WrapError(types.ErrKindPersistence, err, "writing %s", TerminateSentinel)
	}

	pause := pauseSentinel{Paused: target == types.WorkflowPaused, UpdatedAt: now}
	if err := state.WriteJSONAtomic(s.dir.SentinelPath(PauseSentinel), &pause); err != nil {
		return types.WrapError(types.ErrKindPersistence, err, "writing %s", PauseSentinel)
	}

	// a boolean-constant python source; editor-embedded helpers import
	// it directly instead of parsing json
	running := "False"
	if target == types.WorkflowRunning {
		running = "True"
	}
	src := fmt.Sprintf("# generated by maestro; do not edit\nWORKFLOW_RUNNING = %s\n", running)
	if err := state.WriteAtomic(s.dir.SentinelPath(StateSentinel), []byte(src)); err != nil {
		return types.WrapError(types.ErrKindPersistence, err, "writing %s", StateSentinel)
	}
	return nil
}

// accumulateLocked folds the current running segment into the total.
// Caller holds mu.
func (s *Store) accumulateLocked(now time.Time) {
	if s.segmentStart != nil {
		s.status.TotalRunTime += now.Sub(*s.segmentStart)
		s.segmentStart = nil
	}
}

// totalRunTimeLocked includes the in-flight running segment
func (s *Store) totalRunTimeLocked() time.Duration {
	total := s.status.TotalRunTime
	if s.segmentStart != nil {
		total += s.clk.Now().Sub(*s.segmentStart)
	}
	return total
}

func (s *Store) badTransitionLocked(target types.WorkflowState) error {
	return types.NewError(types.ErrKindInternal,
		"invalid workflow transition %s -> %s", s.status.State, target)
}

func (s *Store) persistLocked() {
	if s.dir == nil {
		return
	}
	if err := s.dir.Save(state.WorkflowFile, s.copyLocked()); err != nil {
		s.log.Error().Err(err).Msg("persisting workflow status")
	}
}

func (s *Store) emitLocked(eventType, message string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&types.Event{
		Type:       eventType,
		WorkflowID: s.workflowID,
		Message:    message,
	})
}

func (s *Store) copyLocked() *types.WorkflowStatus {
	cp := s.status
	cp.ActiveAgents = copyAgents(s.status.ActiveAgents)
	cp.PausedAgents = copyAgents(s.status.PausedAgents)
	cp.TerminatedAgents = copyAgents(s.status.TerminatedAgents)
	return &cp
}

func copyAgents(in map[string]*types.AgentInfo) map[string]*types.AgentInfo {
	out := make(map[string]*types.AgentInfo, len(in))
	for id, agent := range in {
		cp := *agent
		out[id] = &cp
	}
	return out
}
