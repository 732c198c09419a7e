// Package framework composes real orchestrator components around a
// temp state directory and scripted host metrics, so end-to-end tests
// can drive the whole admission pipeline without touching the real
// host load.
package framework

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/allocator"
	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/events"
	"github.com/maestrod/maestro/pkg/locks"
	"github.com/maestrod/maestro/pkg/manager"
	"github.com/maestrod/maestro/pkg/sampler"
	"github.com/maestrod/maestro/pkg/scheduler"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
	"github.com/maestrod/maestro/pkg/worker"
	"github.com/maestrod/maestro/pkg/workflow"
)

// Load scripts the metrics the sampler reports. Values are percentages
// and may be changed mid-test from any goroutine.
type Load struct {
	cpu, mem, disk atomic.Uint64
}

func NewLoad(cpu, mem, disk float64) *Load {
	l := &Load{}
	l.SetCPU(cpu)
	l.SetMem(mem)
	l.SetDisk(disk)
	return l
}

func (l *Load) SetCPU(v float64)  { l.cpu.Store(math.Float64bits(v)) }
func (l *Load) SetMem(v float64)  { l.mem.Store(math.Float64bits(v)) }
func (l *Load) SetDisk(v float64) { l.disk.Store(math.Float64bits(v)) }

func (l *Load) CPU() float64  { return math.Float64frombits(l.cpu.Load()) }
func (l *Load) Mem() float64  { return math.Float64frombits(l.mem.Load()) }
func (l *Load) Disk() float64 { return math.Float64frombits(l.disk.Load()) }

// Probes returns sampler probes backed by the scripted values
func (l *Load) Probes() *sampler.Probes {
	return &sampler.Probes{
		CPU:  func() (float64, error) { return l.CPU(), nil },
		Mem:  func() (float64, error) { return l.Mem(), nil },
		Disk: func(string) (float64, error) { return l.Disk(), nil },
		Net:  func() (uint64, uint64, error) { return 0, 0, nil },
	}
}

// Options tunes the harness. Zero values get fast test defaults.
type Options struct {
	MaxParallel    int
	TaskTypes      map[string]allocator.Weights
	DispatchTick   time.Duration
	SampleInterval time.Duration
	AllocInterval  time.Duration
	Adaptive       bool
	CheckPeers     bool
	Gate           manager.PeerGate

	// HoldDispatch leaves the manager unstarted so a test can submit a
	// batch before dispatch begins. The test must call Manager.Start.
	HoldDispatch bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxParallel <= 0 {
		out.MaxParallel = 4
	}
	if out.DispatchTick <= 0 {
		out.DispatchTick = 10 * time.Millisecond
	}
	if out.SampleInterval <= 0 {
		out.SampleInterval = 25 * time.Millisecond
	}
	if out.AllocInterval <= 0 {
		out.AllocInterval = 50 * time.Millisecond
	}
	return out
}

// Harness is one fully wired orchestrator over a test state directory
type Harness struct {
	T         *testing.T
	Root      string
	Clk       clock.Clock
	Dir       *state.Dir
	Load      *Load
	Broker    *events.Broker
	Sampler   *sampler.Sampler
	Alloc     *allocator.Allocator
	Exec      *worker.Executor
	Manager   *manager.Manager
	Scheduler *scheduler.Scheduler
	Workflow  *workflow.Store
	Locks     *locks.Registry

	opts     Options
	stopOnce sync.Once
}

// New builds and starts a harness over a fresh temp directory
func New(t *testing.T, opts Options) *Harness {
	return NewAt(t, t.TempDir(), opts)
}

// NewAt builds a harness over an existing state directory, for restart
// scenarios. Stop the previous harness first.
func NewAt(t *testing.T, root string, opts Options) *Harness {
	t.Helper()
	opts = opts.withDefaults()

	clk := clock.NewSystem()
	dir, err := state.New(root, clk)
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()

	load := NewLoad(10, 10, 10)
	smp := sampler.New(sampler.Config{
		Interval:   opts.SampleInterval,
		MaxHistory: 50,
		Probes:     load.Probes(),
	}, clk, dir)
	require.NoError(t, smp.Restore())
	smp.Start()

	alloc := allocator.New(allocator.Config{
		Interval:   opts.AllocInterval,
		InitialMax: opts.MaxParallel,
		Adaptive:   opts.Adaptive,
		TaskTypes:  opts.TaskTypes,
	}, smp, clk, broker)
	alloc.Start()

	exec := worker.NewExecutor(worker.Config{Grace: 200 * time.Millisecond}, nil)

	mgr := manager.New(manager.Config{
		MaxParallel:  opts.MaxParallel,
		DispatchTick: opts.DispatchTick,
		Grace:        200 * time.Millisecond,
		CheckPeers:   opts.CheckPeers,
		Gate:         opts.Gate,
	}, clk, dir, alloc, exec, broker)
	if !opts.HoldDispatch {
		mgr.Start()
	}

	sched := scheduler.New(scheduler.Config{Tick: 25 * time.Millisecond}, clk, dir, mgr.Submit)
	sched.Start()

	wf := workflow.New(clk, dir, broker)

	lockReg := locks.New(locks.Config{
		Grace:           100 * time.Millisecond,
		DefaultDuration: time.Second,
		Debounce:        10 * time.Millisecond,
	}, clk, dir, broker)

	h := &Harness{
		T:         t,
		Root:      root,
		Clk:       clk,
		Dir:       dir,
		Load:      load,
		Broker:    broker,
		Sampler:   smp,
		Alloc:     alloc,
		Exec:      exec,
		Manager:   mgr,
		Scheduler: sched,
		Workflow:  wf,
		Locks:     lockReg,
		opts:      opts,
	}
	t.Cleanup(h.Stop)
	return h
}

// Stop shuts everything down; safe to call more than once
func (h *Harness) Stop() {
	h.stopOnce.Do(func() {
		h.Scheduler.Stop()
		h.Manager.Stop()
		h.Alloc.Stop()
		h.Sampler.Stop()
		_ = h.Locks.Flush()
		_ = h.Workflow.Persist()
		h.Broker.Stop()
	})
}

// RegisterFunction registers an in-process task function
func (h *Harness) RegisterFunction(name string, fn worker.Function) {
	require.NoError(h.T, h.Exec.Functions().Register(name, fn))
}

// Submit enqueues a descriptor and returns its id
func (h *Harness) Submit(desc *types.TaskDescriptor) string {
	h.T.Helper()
	require.NoError(h.T, h.Manager.Submit(desc))
	return desc.ID
}

// CommandTask builds a descriptor running argv
func CommandTask(name string, priority int, argv ...string) *types.TaskDescriptor {
	return &types.TaskDescriptor{
		Name:     name,
		Kind:     types.TaskKindCommand,
		Priority: priority,
		Payload:  types.TaskPayload{Command: &types.CommandPayload{Argv: argv}},
	}
}

// FunctionTask builds a descriptor invoking a registered function
func FunctionTask(name, fn string, priority int) *types.TaskDescriptor {
	return &types.TaskDescriptor{
		Name:     name,
		Kind:     types.TaskKindFunction,
		Priority: priority,
		Payload:  types.TaskPayload{Function: &types.FunctionPayload{Name: fn}},
	}
}

// TypedTask builds a FunctionTask tagged with a weight class
func TypedTask(name, fn, taskType string, priority int) *types.TaskDescriptor {
	desc := FunctionTask(name, fn, priority)
	desc.Type = taskType
	return desc
}
