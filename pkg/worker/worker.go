package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/types"
)

const (
	defaultGrace     = 5 * time.Second
	defaultTailBytes = 8 * 1024
	defaultInterp    = "python3"
)

// Outcome is what a finished worker reports back to the Task Manager
type Outcome struct {
	Status   types.TaskStatus // completed | failed | cancelled | timed_out
	ExitCode *int
	Result   string          // bounded stdout tail
	Error    string          // bounded stderr tail or failure text
	Kind     types.ErrorKind // set unless Status is completed
}

// Config holds worker execution settings
type Config struct {
	Grace     time.Duration // cooperative-cancel window before the kill, default 5s
	TailBytes int64         // stdout/stderr retention per task, default 8KiB
}

// Executor runs task payloads to completion. Script and command tasks
// become subprocesses; function tasks invoke registered in-process
// functions. Run blocks until the payload finishes and is safe to call
// from many goroutines at once.
type Executor struct {
	cfg Config
	fns *FunctionRegistry
	log zerolog.Logger
}

func NewExecutor(cfg Config, fns *FunctionRegistry) *Executor {
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = defaultTailBytes
	}
	if fns == nil {
		fns = NewFunctionRegistry()
	}
	return &Executor{
		cfg: cfg,
		fns: fns,
		log: log.WithComponent("worker"),
	}
}

// Functions returns the executor's function registry
func (e *Executor) Functions() *FunctionRegistry { return e.fns }

// Run executes the descriptor's payload. Cancellation and deadlines
// arrive through ctx: the subprocess is signalled SIGTERM first and
// killed after the grace window; in-process functions observe ctx.
func (e *Executor) Run(ctx context.Context, desc *types.TaskDescriptor) Outcome {
	switch desc.Kind {
	case types.TaskKindScript:
		if desc.Payload.Script == nil {
			return invalidPayload("script payload missing")
		}
		return e.runProcess(ctx, desc, e.scriptCmd(ctx, desc))
	case types.TaskKindCommand:
		if desc.Payload.Command == nil || len(desc.Payload.Command.Argv) == 0 {
			return invalidPayload("command payload missing argv")
		}
		return e.runProcess(ctx, desc, e.commandCmd(ctx, desc))
	case types.TaskKindFunction:
		if desc.Payload.Function == nil {
			return invalidPayload("function payload missing")
		}
		return e.runFunction(ctx, desc)
	default:
		return invalidPayload(fmt.Sprintf("unknown task kind %q", desc.Kind))
	}
}

func invalidPayload(msg string) Outcome {
	return Outcome{
		Status: types.TaskStatusFailed,
		Error:  msg,
		Kind:   types.ErrKindConfig,
	}
}

func (e *Executor) scriptCmd(ctx context.Context, desc *types.TaskDescriptor) *exec.Cmd {
	p := desc.Payload.Script
	interp := p.Interpreter
	if interp == "" {
		interp = defaultInterp
	}
	args := append([]string{p.Path}, p.Args...)
	cmd := exec.CommandContext(ctx, interp, args...)
	cmd.Dir = p.WorkingDir
	cmd.Env = taskEnv(desc, nil)
	return cmd
}

func (e *Executor) commandCmd(ctx context.Context, desc *types.TaskDescriptor) *exec.Cmd {
	p := desc.Payload.Command
	cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
	cmd.Dir = p.WorkingDir
	cmd.Env = taskEnv(desc, p.Env)
	return cmd
}

// taskEnv hands the subprocess its identity and deadline on top of the
// daemon environment.
func taskEnv(desc *types.TaskDescriptor, extra []string) []string {
	env := append(os.Environ(), "MAESTRO_TASK_ID="+desc.ID)
	if desc.Deadline != nil {
		env = append(env, "MAESTRO_DEADLINE="+desc.Deadline.Format(time.RFC3339))
	}
	return append(env, extra...)
}

func (e *Executor) runProcess(ctx context.Context, desc *types.TaskDescriptor, cmd *exec.Cmd) Outcome {
	stdout, _ := circbuf.NewBuffer(e.cfg.TailBytes)
	stderr, _ := circbuf.NewBuffer(e.cfg.TailBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// cooperative stop first; CommandContext's default is an immediate kill
	cmd.Cancel = func() error {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = e.cfg.Grace

	e.log.Debug().
		Str("task_id", desc.ID).
		Str("path", cmd.Path).
		Msg("spawning worker process")

	err := cmd.Run()

	out := Outcome{
		Result: strings.TrimSpace(stdout.String()),
		Error:  strings.TrimSpace(stderr.String()),
	}
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		out.ExitCode = &code
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.Status = types.TaskStatusTimedOut
		out.Kind = types.ErrKindDeadline
		if out.Error == "" {
			out.Error = "deadline exceeded"
		}
	case errors.Is(ctx.Err(), context.Canceled):
		out.Status = types.TaskStatusCancelled
		out.Kind = types.ErrKindCancelled
	case err == nil:
		out.Status = types.TaskStatusCompleted
	default:
		out.Status = types.TaskStatusFailed
		out.Kind = types.ErrKindWorkerFailure
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// the process never started (bad path, permissions)
			out.Error = err.Error()
		} else if out.Error == "" {
			out.Error = exitErr.String()
		}
	}
	return out
}

func (e *Executor) runFunction(ctx context.Context, desc *types.TaskDescriptor) (out Outcome) {
	p := desc.Payload.Function
	fn, ok := e.fns.Get(p.Name)
	if !ok {
		return Outcome{
			Status: types.TaskStatusFailed,
			Error:  fmt.Sprintf("no function registered as %q", p.Name),
			Kind:   types.ErrKindConfig,
		}
	}

	// a panicking function must not take the reap loop down with it
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{
				Status: types.TaskStatusFailed,
				Error:  fmt.Sprintf("function %s panicked: %v", p.Name, r),
				Kind:   types.ErrKindWorkerFailure,
			}
		}
	}()

	result, err := fn(ctx, p.Args)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Outcome{
			Status: types.TaskStatusTimedOut,
			Result: result,
			Error:  "deadline exceeded",
			Kind:   types.ErrKindDeadline,
		}
	case errors.Is(ctx.Err(), context.Canceled):
		return Outcome{
			Status: types.TaskStatusCancelled,
			Result: result,
			Kind:   types.ErrKindCancelled,
		}
	case err != nil:
		return Outcome{
			Status: types.TaskStatusFailed,
			Result: result,
			Error:  err.Error(),
			Kind:   types.ErrKindWorkerFailure,
		}
	}
	return Outcome{Status: types.TaskStatusCompleted, Result: result}
}
