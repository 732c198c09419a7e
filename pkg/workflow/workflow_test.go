package workflow

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

var testStart = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Fake, *state.Dir) {
	t.Helper()
	clk := clock.NewFake(testStart)
	dir, err := state.New(t.TempDir(), clk)
	require.NoError(t, err)
	return New(clk, dir, nil), clk, dir
}

func readSentinel(t *testing.T, dir *state.Dir, name string, out interface{}) {
	t.Helper()
	raw, err := os.ReadFile(dir.SentinelPath(name))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestTransitions(t *testing.T) {
	s, _, _ := newTestStore(t)
	assert.Equal(t, types.WorkflowStopped, s.State())

	// stopped only moves to running
	require.Error(t, s.Pause())
	require.Error(t, s.Resume())
	require.Error(t, s.Stop())

	require.NoError(t, s.Start(map[string]string{"profile": "night"}))
	assert.Equal(t, types.WorkflowRunning, s.State())
	assert.NotEmpty(t, s.WorkflowID())

	// running cannot start or resume
	require.Error(t, s.Start(nil))
	require.Error(t, s.Resume())

	require.NoError(t, s.Pause())
	assert.Equal(t, types.WorkflowPaused, s.State())
	require.Error(t, s.Pause())

	require.NoError(t, s.Resume())
	assert.Equal(t, types.WorkflowRunning, s.State())

	require.NoError(t, s.Stop())
	assert.Equal(t, types.WorkflowStopped, s.State())
}

func TestStopFromPaused(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Start(nil))
	require.NoError(t, s.Pause())
	require.NoError(t, s.Stop())
	assert.Equal(t, types.WorkflowStopped, s.State())
}

func TestRunTimeExcludesPauses(t *testing.T) {
	s, clk, _ := newTestStore(t)
	require.NoError(t, s.Start(nil))

	clk.Advance(10 * time.Minute)
	require.NoError(t, s.Pause())
	clk.Advance(30 * time.Minute) // paused time must not count
	require.NoError(t, s.Resume())
	clk.Advance(5 * time.Minute)
	require.NoError(t, s.Stop())

	stats := s.Stats()
	assert.Equal(t, 15*time.Minute, stats.TotalRunTime)
	assert.Equal(t, 1, stats.PauseCount)
}

func TestStatsIncludeInFlightSegment(t *testing.T) {
	s, clk, _ := newTestStore(t)
	require.NoError(t, s.Start(nil))
	clk.Advance(4 * time.Minute)
	assert.Equal(t, 4*time.Minute, s.Stats().TotalRunTime)
}

func TestAgentsMoveWithTransitions(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Start(nil))
	require.NoError(t, s.RegisterAgent("render-1", &types.AgentInfo{Name: "render-1", Kind: "render"}))
	require.NoError(t, s.RegisterAgent("render-2", &types.AgentInfo{Name: "render-2", Kind: "render"}))

	require.NoError(t, s.Pause())
	status := s.Status()
	assert.Empty(t, status.ActiveAgents)
	assert.Len(t, status.PausedAgents, 2)

	require.NoError(t, s.Resume())
	status = s.Status()
	assert.Len(t, status.ActiveAgents, 2)
	assert.Empty(t, status.PausedAgents)

	require.NoError(t, s.Stop())
	status = s.Status()
	assert.Empty(t, status.ActiveAgents)
	require.Len(t, status.TerminatedAgents, 2)
	assert.Equal(t, "workflow stopped", status.TerminatedAgents["render-1"].Reason)
}

func TestStartClearsAgentMaps(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Start(nil))
	require.NoError(t, s.RegisterAgent("render-1", &types.AgentInfo{Name: "render-1"}))
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(nil))
	status := s.Status()
	assert.Empty(t, status.ActiveAgents)
	assert.Empty(t, status.TerminatedAgents)
	assert.Zero(t, status.PauseCount)
}

func TestRegisterRejectedWhileStopped(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.RegisterAgent("render-1", &types.AgentInfo{Name: "render-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped")
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Start(nil))
	require.NoError(t, s.RegisterAgent("render-1", &types.AgentInfo{Name: "render-1"}))
	require.Error(t, s.RegisterAgent("render-1", &types.AgentInfo{Name: "render-1"}))
}

func TestUnregisterAgent(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Start(nil))
	require.NoError(t, s.RegisterAgent("render-1", &types.AgentInfo{Name: "render-1"}))
	require.NoError(t, s.UnregisterAgent("render-1", "finished shard"))

	status := s.Status()
	assert.Empty(t, status.ActiveAgents)
	require.Len(t, status.TerminatedAgents, 1)
	assert.Equal(t, "finished shard", status.TerminatedAgents["render-1"].Reason)

	require.Error(t, s.UnregisterAgent("render-1", "again"))
}

func TestUpdateAgentMergesDetails(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Start(nil))
	require.NoError(t, s.RegisterAgent("render-1", &types.AgentInfo{
		Name:    "render-1",
		Details: map[string]string{"frame": "10"},
	}))

	require.NoError(t, s.UpdateAgent("render-1", map[string]string{"frame": "42", "pass": "beauty"}))

	status := s.Status()
	agent := status.ActiveAgents["render-1"]
	require.NotNil(t, agent)
	assert.Equal(t, "42", agent.Details["frame"])
	assert.Equal(t, "beauty", agent.Details["pass"])
}

func TestSentinelsTrackState(t *testing.T) {
	s, _, dir := newTestStore(t)
	require.NoError(t, s.Start(nil))

	var term terminateSentinel
	var pause pauseSentinel
	readSentinel(t, dir, TerminateSentinel, &term)
	readSentinel(t, dir, PauseSentinel, &pause)
	assert.False(t, term.Terminated)
	assert.False(t, pause.Paused)

	src, err := os.ReadFile(dir.SentinelPath(StateSentinel))
	require.NoError(t, err)
	assert.Contains(t, string(src), "WORKFLOW_RUNNING = True")

	require.NoError(t, s.Pause())
	readSentinel(t, dir, PauseSentinel, &pause)
	assert.True(t, pause.Paused)
	src, err = os.ReadFile(dir.SentinelPath(StateSentinel))
	require.NoError(t, err)
	assert.Contains(t, string(src), "WORKFLOW_RUNNING = False")

	require.NoError(t, s.Resume())
	require.NoError(t, s.Stop())
	readSentinel(t, dir, TerminateSentinel, &term)
	readSentinel(t, dir, PauseSentinel, &pause)
	assert.True(t, term.Terminated)
	assert.False(t, pause.Paused)
}

func TestPersistAndRestore(t *testing.T) {
	clk := clock.NewFake(testStart)
	dir, err := state.New(t.TempDir(), clk)
	require.NoError(t, err)

	s := New(clk, dir, nil)
	require.NoError(t, s.Start(nil))
	require.NoError(t, s.RegisterAgent("render-1", &types.AgentInfo{Name: "render-1"}))
	clk.Advance(10 * time.Minute)
	require.NoError(t, s.Pause())

	// a later process picks up the persisted status
	s2 := New(clk, dir, nil)
	assert.Equal(t, types.WorkflowPaused, s2.State())
	status := s2.Status()
	assert.Len(t, status.PausedAgents, 1)
	assert.Equal(t, 10*time.Minute, status.TotalRunTime)
	assert.Equal(t, 1, status.PauseCount)
}
