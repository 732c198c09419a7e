package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/types"
	"github.com/maestrod/maestro/test/framework"
)

// Schedule entries, held locks, and workflow state must survive a full
// stop and restart over the same state directory.
func TestStateSurvivesRestart(t *testing.T) {
	h := framework.New(t, framework.Options{})

	require.NoError(t, h.Scheduler.Add(&types.ScheduleEntry{
		ID: "nightly-sync",
		Template: types.TaskDescriptor{
			Name:     "nightly-sync",
			Kind:     types.TaskKindCommand,
			Priority: 5,
			Payload:  types.TaskPayload{Command: &types.CommandPayload{Argv: []string{"true"}}},
		},
		Schedule: types.Schedule{Kind: types.ScheduleInterval, Minutes: 60},
		Enabled:  true,
	}))
	before, ok := h.Scheduler.Get("nightly-sync")
	require.True(t, ok)
	require.NotNil(t, before.NextRun)

	require.True(t, h.Locks.Request("/data/output.csv", "exporter", types.LockModeWrite, time.Hour, ""))
	require.NoError(t, h.Workflow.Start(map[string]string{"profile": "batch"}))

	h.Stop()

	h2 := framework.NewAt(t, h.Root, framework.Options{})

	entry, ok := h2.Scheduler.Get("nightly-sync")
	require.True(t, ok)
	assert.Equal(t, types.ScheduleInterval, entry.Schedule.Kind)
	assert.Equal(t, 60, entry.Schedule.Minutes)
	require.NotNil(t, entry.NextRun)
	assert.WithinDuration(t, *before.NextRun, *entry.NextRun, time.Second)

	assert.True(t, h2.Locks.Held("/data/output.csv"))
	assert.Equal(t, types.WorkflowRunning, h2.Workflow.State())

	status := h2.Workflow.Status()
	assert.Equal(t, "batch", status.Params["profile"])
}
