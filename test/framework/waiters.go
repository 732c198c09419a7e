package framework

import (
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/types"
)

const (
	waitTimeout = 5 * time.Second
	waitTick    = 10 * time.Millisecond
)

// WaitFor polls cond until it holds or the default timeout expires
func (h *Harness) WaitFor(cond func() bool, msg string) {
	h.T.Helper()
	require.Eventually(h.T, cond, waitTimeout, waitTick, msg)
}

// WaitStatus waits for a task to reach exactly the given status
func (h *Harness) WaitStatus(id string, status types.TaskStatus) {
	h.T.Helper()
	h.WaitFor(func() bool {
		task, ok := h.Manager.Get(id)
		return ok && task.Status == status
	}, "task "+id+" never reached "+string(status))
}

// WaitTerminal waits for every listed task to leave queued/running
func (h *Harness) WaitTerminal(ids ...string) {
	h.T.Helper()
	h.WaitFor(func() bool {
		for _, id := range ids {
			task, ok := h.Manager.Get(id)
			if !ok || task.Status == types.TaskStatusQueued || task.Status == types.TaskStatusRunning {
				return false
			}
		}
		return true
	}, "tasks never all finished")
}

// WaitRunning waits for exactly n tasks to be running
func (h *Harness) WaitRunning(n int) {
	h.T.Helper()
	h.WaitFor(func() bool {
		return h.Manager.Status().Running == n
	}, "running count never settled")
}

// WaitStrategy waits for the allocator to publish the given kind
func (h *Harness) WaitStrategy(kind types.StrategyKind) {
	h.T.Helper()
	h.WaitFor(func() bool {
		return h.Alloc.Current().Kind == kind
	}, "strategy never became "+string(kind))
}

// WaitDeferred waits for the per-type deferral count to reach n
func (h *Harness) WaitDeferred(taskType string, n int) {
	h.T.Helper()
	h.WaitFor(func() bool {
		return h.Manager.DeferredCounts()[taskType] == n
	}, "deferred count never settled for "+taskType)
}

// WaitWorkflow waits for the workflow to reach the given state
func (h *Harness) WaitWorkflow(state types.WorkflowState) {
	h.T.Helper()
	h.WaitFor(func() bool {
		return h.Workflow.State() == state
	}, "workflow never reached "+string(state))
}
