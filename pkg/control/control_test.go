package control

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/events"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

// fakeWorkflow records which transitions were requested
type fakeWorkflow struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeWorkflow) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeWorkflow) Start(params map[string]string) error {
	return f.record("start")
}
func (f *fakeWorkflow) Pause() error  { return f.record("pause") }
func (f *fakeWorkflow) Resume() error { return f.record("resume") }
func (f *fakeWorkflow) Stop() error   { return f.record("stop") }
func (f *fakeWorkflow) Configure(params map[string]string) error {
	return f.record("configure")
}

func (f *fakeWorkflow) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type submitRecorder struct {
	mu    sync.Mutex
	descs []*types.TaskDescriptor
}

func (r *submitRecorder) submit(d *types.TaskDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs = append(r.descs, d)
	return nil
}

func newTestPoller(t *testing.T) (*Poller, *state.Dir, *fakeWorkflow, *submitRecorder) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC))
	dir, err := state.New(t.TempDir(), clk)
	require.NoError(t, err)
	wf := &fakeWorkflow{}
	rec := &submitRecorder{}
	return New(Config{}, clk, dir, wf, rec.submit, nil), dir, wf, rec
}

func writeControl(t *testing.T, dir *state.Dir, name string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dir.ControlPath(name), raw, 0o644))
}

func TestWorkflowCommandAppliedAndCleared(t *testing.T) {
	p, dir, wf, _ := newTestPoller(t)

	writeControl(t, dir, CommandFile, map[string]string{"command": "pause"})
	p.Poll()

	assert.Equal(t, []string{"pause"}, wf.recorded())
	_, err := os.Stat(dir.ControlPath(CommandFile))
	assert.True(t, os.IsNotExist(err), "command file must be cleared after read")

	// a second pass finds nothing to apply
	p.Poll()
	assert.Equal(t, []string{"pause"}, wf.recorded())
}

func TestUnknownCommandIgnored(t *testing.T) {
	p, dir, wf, _ := newTestPoller(t)

	writeControl(t, dir, CommandFile, map[string]string{"command": "reboot"})
	p.Poll()

	assert.Empty(t, wf.recorded())
	_, err := os.Stat(dir.ControlPath(CommandFile))
	assert.True(t, os.IsNotExist(err))
}

func TestWorkflowRequestStart(t *testing.T) {
	p, dir, wf, _ := newTestPoller(t)

	writeControl(t, dir, RequestFile, map[string]interface{}{
		"action": "start",
		"params": map[string]string{"profile": "night"},
	})
	p.Poll()

	assert.Equal(t, []string{"start"}, wf.recorded())
}

func TestMalformedControlFileDiscarded(t *testing.T) {
	p, dir, wf, _ := newTestPoller(t)

	require.NoError(t, os.WriteFile(dir.ControlPath(CommandFile), []byte("{not json"), 0o644))
	p.Poll()

	assert.Empty(t, wf.recorded())
	_, err := os.Stat(dir.ControlPath(CommandFile))
	assert.True(t, os.IsNotExist(err), "malformed file must not wedge the channel")
}

func TestAutomationQueueDrained(t *testing.T) {
	p, dir, _, rec := newTestPoller(t)

	queue := []*types.TaskDescriptor{
		{ID: "a", Kind: types.TaskKindCommand, Payload: types.TaskPayload{
			Command: &types.CommandPayload{Argv: []string{"true"}},
		}},
		{ID: "b", Kind: types.TaskKindCommand, Payload: types.TaskPayload{
			Command: &types.CommandPayload{Argv: []string{"true"}},
		}},
	}
	writeControl(t, dir, AutomationFile, queue)
	p.Poll()

	require.Len(t, rec.descs, 2)
	assert.Equal(t, "a", rec.descs[0].ID)
	assert.Equal(t, "automation", rec.descs[0].Source)

	_, err := os.Stat(dir.ControlPath(AutomationFile))
	assert.True(t, os.IsNotExist(err))
}

func TestCreationQueuePromotedWithDefaults(t *testing.T) {
	p, dir, _, rec := newTestPoller(t)

	// a raw descriptor with only a payload, as the gui writes them
	raw := []*types.TaskDescriptor{
		{Name: "bake", Payload: types.TaskPayload{
			Script: &types.ScriptPayload{Path: "/opt/jobs/bake.py"},
		}},
	}
	writeControl(t, dir, CreationFile, raw)

	// first pass promotes into the automation queue
	p.promoteCreationQueue()
	_, err := os.Stat(dir.ControlPath(CreationFile))
	assert.True(t, os.IsNotExist(err))

	var promoted []*types.TaskDescriptor
	rawBytes, err := os.ReadFile(dir.ControlPath(AutomationFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rawBytes, &promoted))
	require.Len(t, promoted, 1)
	assert.NotEmpty(t, promoted[0].ID)
	assert.Equal(t, types.TaskKindScript, promoted[0].Kind)
	assert.Equal(t, "automation", promoted[0].Source)
	assert.False(t, promoted[0].SubmittedAt.IsZero())

	// second pass drains it into the manager
	p.drainAutomationQueue()
	require.Len(t, rec.descs, 1)
	assert.Equal(t, "bake", rec.descs[0].Name)
}

func TestCreationQueueAppendsToExistingAutomation(t *testing.T) {
	p, dir, _, _ := newTestPoller(t)

	writeControl(t, dir, AutomationFile, []*types.TaskDescriptor{
		{ID: "existing", Kind: types.TaskKindCommand, Payload: types.TaskPayload{
			Command: &types.CommandPayload{Argv: []string{"true"}},
		}},
	})
	writeControl(t, dir, CreationFile, []*types.TaskDescriptor{
		{Name: "new", Payload: types.TaskPayload{
			Command: &types.CommandPayload{Argv: []string{"true"}},
		}},
	})

	p.promoteCreationQueue()

	var queue []*types.TaskDescriptor
	raw, err := os.ReadFile(dir.ControlPath(AutomationFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &queue))
	require.Len(t, queue, 2)
	assert.Equal(t, "existing", queue[0].ID)
	assert.Equal(t, "new", queue[1].Name)
}

func TestNotificationLogBounded(t *testing.T) {
	p, dir, _, _ := newTestPoller(t)

	for i := 0; i < notificationLimit+20; i++ {
		p.appendNotification(&types.Event{
			Type:    types.EventTaskCompleted,
			Message: fmt.Sprintf("task %d", i),
		})
	}

	notes := p.Notifications()
	require.Len(t, notes, notificationLimit)
	assert.Equal(t, "task 20", notes[0].Message)

	// the persisted log matches
	var saved []*types.Event
	raw, err := os.ReadFile(dir.ControlPath(NotificationsFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &saved))
	assert.Len(t, saved, notificationLimit)
}

func TestNotificationLogRestored(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC))
	dir, err := state.New(t.TempDir(), clk)
	require.NoError(t, err)
	wf := &fakeWorkflow{}
	rec := &submitRecorder{}

	p := New(Config{}, clk, dir, wf, rec.submit, nil)
	p.appendNotification(&types.Event{Type: types.EventTaskCompleted, Message: "one"})

	p2 := New(Config{}, clk, dir, wf, rec.submit, nil)
	notes := p2.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "one", notes[0].Message)
}

func TestLoopAppliesCommands(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC))
	dir, err := state.New(t.TempDir(), clk)
	require.NoError(t, err)
	wf := &fakeWorkflow{}
	rec := &submitRecorder{}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	p := New(Config{PollInterval: 10 * time.Millisecond}, clk, dir, wf, rec.submit, broker)
	writeControl(t, dir, CommandFile, map[string]string{"command": "stop"})

	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return len(wf.recorded()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	broker.Publish(&types.Event{Type: types.EventWorkflowStopped, Message: "stopped"})
	require.Eventually(t, func() bool {
		return len(p.Notifications()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
