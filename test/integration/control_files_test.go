package integration

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/control"
	"github.com/maestrod/maestro/pkg/types"
	"github.com/maestrod/maestro/test/framework"
)

// drop writes a bare JSON control file the way an external GUI panel or
// editor helper would.
func drop(t *testing.T, h *framework.Harness, name, payload string) {
	t.Helper()
	require.NoError(t, os.WriteFile(h.Dir.ControlPath(name), []byte(payload), 0o644))
}

func newPoller(h *framework.Harness) *control.Poller {
	return control.New(control.Config{PollInterval: time.Hour},
		h.Clk, h.Dir, h.Workflow, h.Manager.Submit, nil)
}

func TestWorkflowRequestAndCommandFiles(t *testing.T) {
	h := framework.New(t, framework.Options{})
	p := newPoller(h)

	drop(t, h, control.RequestFile, `{"action":"start","params":{"profile":"render"}}`)
	p.Poll()
	assert.Equal(t, types.WorkflowRunning, h.Workflow.State())
	assert.NoFileExists(t, h.Dir.ControlPath(control.RequestFile))

	drop(t, h, control.CommandFile, `{"command":"pause"}`)
	p.Poll()
	assert.Equal(t, types.WorkflowPaused, h.Workflow.State())

	drop(t, h, control.CommandFile, `{"command":"resume"}`)
	p.Poll()
	assert.Equal(t, types.WorkflowRunning, h.Workflow.State())

	drop(t, h, control.CommandFile, `{"command":"stop"}`)
	p.Poll()
	assert.Equal(t, types.WorkflowStopped, h.Workflow.State())
}

// Raw descriptors dropped into the creation queue get normalized,
// promoted into the automation queue, and submitted on the next pass.
func TestCreationQueuePromotionAndDrain(t *testing.T) {
	h := framework.New(t, framework.Options{})
	rec := framework.NewRecorder()
	h.RegisterFunction("paste", rec.Fn("paste"))
	p := newPoller(h)

	drop(t, h, control.CreationFile,
		`[{"name":"paste","priority":3,"payload":{"function":{"name":"paste"}}}]`)

	// first pass promotes, second pass drains into the manager
	p.Poll()
	p.Poll()

	h.WaitFor(func() bool { return len(rec.Order()) == 1 }, "queued descriptor never ran")
	assert.NoFileExists(t, h.Dir.ControlPath(control.CreationFile))
	assert.NoFileExists(t, h.Dir.ControlPath(control.AutomationFile))

	recent := h.Manager.Status().Recent
	require.Len(t, recent, 1)
	assert.Equal(t, "automation", recent[0].Descriptor.Source)
	assert.Equal(t, types.TaskKindFunction, recent[0].Descriptor.Kind)
}

// A malformed control file is discarded instead of wedging the channel
func TestMalformedControlFileDiscarded(t *testing.T) {
	h := framework.New(t, framework.Options{})
	p := newPoller(h)

	drop(t, h, control.CommandFile, `{not json`)
	p.Poll()
	assert.NoFileExists(t, h.Dir.ControlPath(control.CommandFile))
	assert.Equal(t, types.WorkflowStopped, h.Workflow.State())
}
