package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/types"
)

func commandDesc(id string, argv ...string) *types.TaskDescriptor {
	return &types.TaskDescriptor{
		ID:   id,
		Kind: types.TaskKindCommand,
		Payload: types.TaskPayload{
			Command: &types.CommandPayload{Argv: argv},
		},
		Type:        "utility",
		SubmittedAt: time.Now(),
	}
}

func TestCommandCompletes(t *testing.T) {
	e := NewExecutor(Config{}, nil)

	out := e.Run(context.Background(), commandDesc("t1", "/bin/sh", "-c", "echo rendered 42 frames"))

	assert.Equal(t, types.TaskStatusCompleted, out.Status)
	require.NotNil(t, out.ExitCode)
	assert.Zero(t, *out.ExitCode)
	assert.Equal(t, "rendered 42 frames", out.Result)
	assert.Empty(t, out.Kind)
}

func TestCommandFailureCarriesStderrAndExitCode(t *testing.T) {
	e := NewExecutor(Config{}, nil)

	out := e.Run(context.Background(),
		commandDesc("t1", "/bin/sh", "-c", "echo scene file missing >&2; exit 3"))

	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.Equal(t, types.ErrKindWorkerFailure, out.Kind)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 3, *out.ExitCode)
	assert.Contains(t, out.Error, "scene file missing")
}

func TestCommandDeadlineMarksTimedOut(t *testing.T) {
	e := NewExecutor(Config{Grace: 200 * time.Millisecond}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := e.Run(ctx, commandDesc("t1", "/bin/sh", "-c", "sleep 30"))

	assert.Equal(t, types.TaskStatusTimedOut, out.Status)
	assert.Equal(t, types.ErrKindDeadline, out.Kind)
	assert.Less(t, time.Since(start), 5*time.Second, "SIGTERM ends the sleep well before the grace ceiling")
}

func TestCommandCancelMarksCancelled(t *testing.T) {
	e := NewExecutor(Config{Grace: 200 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	out := e.Run(ctx, commandDesc("t1", "/bin/sh", "-c", "sleep 30"))

	assert.Equal(t, types.TaskStatusCancelled, out.Status)
	assert.Equal(t, types.ErrKindCancelled, out.Kind)
}

func TestStubbornProcessIsKilledAfterGrace(t *testing.T) {
	e := NewExecutor(Config{Grace: 150 * time.Millisecond}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// the trap ignores SIGTERM, so only the post-grace kill ends it
	start := time.Now()
	out := e.Run(ctx, commandDesc("t1", "/bin/sh", "-c", "trap '' TERM; sleep 30"))

	assert.Equal(t, types.TaskStatusTimedOut, out.Status)
	elapsed := time.Since(start)
	assert.Greater(t, elapsed, 200*time.Millisecond, "kill happens after the grace window")
	assert.Less(t, elapsed, 5*time.Second)
}

func TestOutputTailBounded(t *testing.T) {
	e := NewExecutor(Config{TailBytes: 64}, nil)

	out := e.Run(context.Background(),
		commandDesc("t1", "/bin/sh", "-c", `i=0; while [ $i -lt 200 ]; do echo "line $i"; i=$((i+1)); done; echo THE-END`))

	assert.Equal(t, types.TaskStatusCompleted, out.Status)
	assert.LessOrEqual(t, len(out.Result), 64)
	assert.True(t, strings.HasSuffix(out.Result, "THE-END"), "ring buffer keeps the newest output")
}

func TestCommandStartFailure(t *testing.T) {
	e := NewExecutor(Config{}, nil)

	out := e.Run(context.Background(), commandDesc("t1", "/no/such/binary"))

	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.Equal(t, types.ErrKindWorkerFailure, out.Kind)
	assert.NotEmpty(t, out.Error)
}

func TestScriptRunsUnderInterpreter(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "job.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo from-script $1\n"), 0o755))

	e := NewExecutor(Config{}, nil)
	desc := &types.TaskDescriptor{
		ID:   "t1",
		Kind: types.TaskKindScript,
		Payload: types.TaskPayload{
			Script: &types.ScriptPayload{
				Path:        script,
				Args:        []string{"frame-7"},
				Interpreter: "/bin/sh",
				WorkingDir:  dir,
			},
		},
	}

	out := e.Run(context.Background(), desc)
	assert.Equal(t, types.TaskStatusCompleted, out.Status)
	assert.Equal(t, "from-script frame-7", out.Result)
}

func TestTaskIdentityInEnvironment(t *testing.T) {
	e := NewExecutor(Config{}, nil)

	out := e.Run(context.Background(),
		commandDesc("task-abc123", "/bin/sh", "-c", "echo id=$MAESTRO_TASK_ID"))

	assert.Equal(t, types.TaskStatusCompleted, out.Status)
	assert.Equal(t, "id=task-abc123", out.Result)
}

func TestMissingPayloadRejected(t *testing.T) {
	e := NewExecutor(Config{}, nil)

	tests := []struct {
		name string
		desc *types.TaskDescriptor
	}{
		{"script without payload", &types.TaskDescriptor{ID: "t", Kind: types.TaskKindScript}},
		{"command without argv", &types.TaskDescriptor{
			ID: "t", Kind: types.TaskKindCommand,
			Payload: types.TaskPayload{Command: &types.CommandPayload{}},
		}},
		{"function without payload", &types.TaskDescriptor{ID: "t", Kind: types.TaskKindFunction}},
		{"unknown kind", &types.TaskDescriptor{ID: "t", Kind: types.TaskKind("teleport")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Run(context.Background(), tt.desc)
			assert.Equal(t, types.TaskStatusFailed, out.Status)
			assert.Equal(t, types.ErrKindConfig, out.Kind)
		})
	}
}

func functionDesc(name string, args map[string]string) *types.TaskDescriptor {
	return &types.TaskDescriptor{
		ID:   "fn-task",
		Kind: types.TaskKindFunction,
		Payload: types.TaskPayload{
			Function: &types.FunctionPayload{Name: name, Args: args},
		},
	}
}

func TestFunctionCompletes(t *testing.T) {
	fns := NewFunctionRegistry()
	require.NoError(t, fns.Register("greet", func(ctx context.Context, args map[string]string) (string, error) {
		return "hello " + args["who"], nil
	}))
	e := NewExecutor(Config{}, fns)

	out := e.Run(context.Background(), functionDesc("greet", map[string]string{"who": "farm"}))
	assert.Equal(t, types.TaskStatusCompleted, out.Status)
	assert.Equal(t, "hello farm", out.Result)
}

func TestFunctionErrorMarksFailed(t *testing.T) {
	fns := NewFunctionRegistry()
	require.NoError(t, fns.Register("boom", func(ctx context.Context, args map[string]string) (string, error) {
		return "", errors.New("no frames to render")
	}))
	e := NewExecutor(Config{}, fns)

	out := e.Run(context.Background(), functionDesc("boom", nil))
	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.Equal(t, types.ErrKindWorkerFailure, out.Kind)
	assert.Contains(t, out.Error, "no frames")
}

func TestFunctionHonorsDeadline(t *testing.T) {
	fns := NewFunctionRegistry()
	require.NoError(t, fns.Register("wait", func(ctx context.Context, args map[string]string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	e := NewExecutor(Config{}, fns)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := e.Run(ctx, functionDesc("wait", nil))

	assert.Equal(t, types.TaskStatusTimedOut, out.Status)
	assert.Equal(t, types.ErrKindDeadline, out.Kind)
}

func TestFunctionPanicContained(t *testing.T) {
	fns := NewFunctionRegistry()
	require.NoError(t, fns.Register("explode", func(ctx context.Context, args map[string]string) (string, error) {
		panic("slice index out of range")
	}))
	e := NewExecutor(Config{}, fns)

	out := e.Run(context.Background(), functionDesc("explode", nil))
	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.Equal(t, types.ErrKindWorkerFailure, out.Kind)
	assert.Contains(t, out.Error, "panicked")
}

func TestUnregisteredFunctionFails(t *testing.T) {
	e := NewExecutor(Config{}, nil)

	out := e.Run(context.Background(), functionDesc("ghost", nil))
	assert.Equal(t, types.TaskStatusFailed, out.Status)
	assert.Equal(t, types.ErrKindConfig, out.Kind)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	fns := NewFunctionRegistry()
	fn := func(ctx context.Context, args map[string]string) (string, error) { return "", nil }

	require.NoError(t, fns.Register("cleanup", fn))
	err := fns.Register("cleanup", fn)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindConfig))
	assert.Equal(t, []string{"cleanup"}, fns.Names())
}
