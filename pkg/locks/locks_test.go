package locks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

func newTestRegistry(t *testing.T, cfg Config, clk clock.Clock) (*Registry, *state.Dir) {
	t.Helper()
	dir, err := state.New(t.TempDir(), clk)
	require.NoError(t, err)
	return New(cfg, clk, dir, nil), dir
}

func TestRequestCreatesEntry(t *testing.T) {
	r, _ := newTestRegistry(t, Config{}, clock.NewSystem())

	ok := r.Request("/data/scene.blend", "render-01", types.LockModeWrite, 2*time.Minute, "wf-1")
	require.True(t, ok)
	assert.True(t, r.Held("/data/scene.blend"))

	entries := r.Locks()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, Canonical("/data/scene.blend"), e.Path)
	assert.Equal(t, types.LockModeWrite, e.Mode)
	assert.Equal(t, []string{"render-01"}, e.Holders)
	assert.Equal(t, "wf-1", e.WorkflowID)
	assert.Equal(t, int64(120), e.ExpectedSeconds)
	assert.Equal(t, os.Getpid(), e.PID)
}

func TestRelativePathsCanonicalized(t *testing.T) {
	r, _ := newTestRegistry(t, Config{}, clock.NewSystem())

	require.True(t, r.Request("data/../data/scene.blend", "a", types.LockModeWrite, time.Minute, ""))
	assert.True(t, r.Held("data/scene.blend"))
	require.Len(t, r.Locks(), 1)
}

func TestSharedReaders(t *testing.T) {
	r, _ := newTestRegistry(t, Config{}, clock.NewSystem())
	path := "/data/textures.bin"

	require.True(t, r.Request(path, "reader-a", types.LockModeRead, time.Minute, ""))
	require.True(t, r.Request(path, "reader-b", types.LockModeRead, time.Minute, ""))
	// idempotent re-add
	require.True(t, r.Request(path, "reader-a", types.LockModeRead, time.Minute, ""))

	entries := r.Locks()
	require.Len(t, entries, 1)
	assert.ElementsMatch(t, []string{"reader-a", "reader-b"}, entries[0].Holders)

	// a writer cannot join readers
	assert.False(t, r.Request(path, "writer", types.LockModeWrite, time.Minute, ""))
}

func TestWriterExcludes(t *testing.T) {
	r, _ := newTestRegistry(t, Config{}, clock.NewSystem())
	path := "/data/scene.blend"

	require.True(t, r.Request(path, "writer-a", types.LockModeWrite, time.Minute, ""))
	assert.False(t, r.Request(path, "writer-b", types.LockModeWrite, time.Minute, ""))
	assert.False(t, r.Request(path, "reader", types.LockModeRead, time.Minute, ""))
}

func TestReentrantWriterExtends(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r, _ := newTestRegistry(t, Config{}, clk)
	path := "/data/scene.blend"

	require.True(t, r.Request(path, "writer", types.LockModeWrite, time.Minute, "wf-1"))
	first := r.Locks()[0]

	clk.Advance(30 * time.Second)
	require.True(t, r.Request(path, "writer", types.LockModeWrite, 5*time.Minute, "wf-1"))

	e := r.Locks()[0]
	assert.Equal(t, int64(300), e.ExpectedSeconds, "duration extends to the larger value")
	assert.True(t, e.AcquiredAt.After(first.AcquiredAt), "acquisition time refreshes")

	// a shorter re-request keeps the longer duration
	require.True(t, r.Request(path, "writer", types.LockModeWrite, time.Minute, "wf-1"))
	assert.Equal(t, int64(300), r.Locks()[0].ExpectedSeconds)
}

func TestPriorityPreemption(t *testing.T) {
	tests := []struct {
		name              string
		holderPriority    int
		requesterPriority int
		wantGranted       bool
	}{
		{"equal priority refused", 5, 5, false},
		{"margin exactly met refused", 5, 7, false},
		{"margin exceeded preempts", 5, 8, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t, Config{}, clock.NewSystem())
			r.RegisterWorkflow("wf-holder", tt.holderPriority)
			r.RegisterWorkflow("wf-challenger", tt.requesterPriority)
			path := "/data/scene.blend"

			require.True(t, r.Request(path, "holder", types.LockModeWrite, time.Minute, "wf-holder"))
			granted := r.Request(path, "challenger", types.LockModeWrite, time.Minute, "wf-challenger")
			assert.Equal(t, tt.wantGranted, granted)

			if tt.wantGranted {
				e := r.Locks()[0]
				assert.Equal(t, []string{"challenger"}, e.Holders)
				assert.Equal(t, "wf-challenger", e.WorkflowID)
				assert.True(t, r.RollbackRequired("wf-holder"),
					"evicted workflow must be marked for rollback")
			} else {
				e := r.Locks()[0]
				assert.Equal(t, []string{"holder"}, e.Holders)
				assert.False(t, r.RollbackRequired("wf-holder"))
			}
		})
	}
}

func TestSweepRemovesExpiredLock(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r, _ := newTestRegistry(t, Config{Grace: 30 * time.Second}, clk)
	path := "/data/scene.blend"

	require.True(t, r.Request(path, "crashed-worker", types.LockModeWrite, time.Second, ""))

	// before expected + grace nothing happens
	clk.Advance(31 * time.Second)
	assert.Zero(t, r.Sweep())
	assert.True(t, r.Held(path))

	clk.Advance(time.Second)
	assert.Equal(t, 1, r.Sweep())
	assert.False(t, r.Held(path))

	// a waiting writer now acquires
	assert.True(t, r.Request(path, "writer", types.LockModeWrite, time.Minute, ""))
}

func TestRequestSweepsOwnPath(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r, _ := newTestRegistry(t, Config{Grace: 30 * time.Second}, clk)
	path := "/data/scene.blend"

	require.True(t, r.Request(path, "crashed-worker", types.LockModeWrite, time.Second, ""))
	clk.Advance(32 * time.Second)

	// no explicit sweep: the request clears the stale hold itself
	assert.True(t, r.Request(path, "writer", types.LockModeWrite, time.Minute, ""))
	assert.Equal(t, []string{"writer"}, r.Locks()[0].Holders)
}

func TestZeroDurationGetsDefault(t *testing.T) {
	r, _ := newTestRegistry(t, Config{DefaultDuration: 90 * time.Second}, clock.NewSystem())

	require.True(t, r.Request("/data/a", "w", types.LockModeWrite, 0, ""))
	assert.Equal(t, int64(90), r.Locks()[0].ExpectedSeconds)
}

func TestReleaseSemantics(t *testing.T) {
	r, _ := newTestRegistry(t, Config{}, clock.NewSystem())
	path := "/data/textures.bin"

	require.True(t, r.Request(path, "reader-a", types.LockModeRead, time.Minute, ""))
	require.True(t, r.Request(path, "reader-b", types.LockModeRead, time.Minute, ""))

	// non-owning release is a no-op
	assert.False(t, r.Release(path, "stranger"))
	assert.True(t, r.Held(path))

	assert.True(t, r.Release(path, "reader-a"))
	assert.True(t, r.Held(path), "one reader remains")
	assert.True(t, r.Release(path, "reader-b"))
	assert.False(t, r.Held(path), "last reader releases the entry")

	require.True(t, r.Request(path, "writer", types.LockModeWrite, time.Minute, ""))
	assert.False(t, r.Release(path, "other"))
	assert.True(t, r.Release(path, "writer"))
	assert.False(t, r.Held(path))
}

func TestCompleteWorkflowReleasesAll(t *testing.T) {
	r, _ := newTestRegistry(t, Config{}, clock.NewSystem())
	r.RegisterWorkflow("wf-render", 5)
	r.RegisterWorkflow("wf-other", 5)

	require.True(t, r.Request("/data/a", "w1", types.LockModeWrite, time.Minute, "wf-render"))
	require.True(t, r.Request("/data/b", "w1", types.LockModeWrite, time.Minute, "wf-render"))
	require.True(t, r.Request("/data/c", "w2", types.LockModeWrite, time.Minute, "wf-other"))

	assert.Equal(t, 2, r.CompleteWorkflow("wf-render"))

	assert.False(t, r.Held("/data/a"))
	assert.False(t, r.Held("/data/b"))
	assert.True(t, r.Held("/data/c"), "other workflow's lock untouched")
	assert.False(t, r.RollbackRequired("wf-render"), "registration cleared")
}

func TestPeerGateRefusesRequests(t *testing.T) {
	allowed := false
	r, _ := newTestRegistry(t, Config{Gate: func() bool { return allowed }}, clock.NewSystem())

	assert.False(t, r.Request("/data/a", "w", types.LockModeWrite, time.Minute, ""))
	assert.Empty(t, r.Locks())

	allowed = true
	assert.True(t, r.Request("/data/a", "w", types.LockModeWrite, time.Minute, ""))
}

func TestDebouncedPersistenceAndReload(t *testing.T) {
	clk := clock.NewSystem()
	dir, err := state.New(t.TempDir(), clk)
	require.NoError(t, err)

	r := New(Config{Debounce: 10 * time.Millisecond}, clk, dir, nil)
	r.RegisterWorkflow("wf-1", 7)
	require.True(t, r.Request("/data/a", "w", types.LockModeWrite, time.Minute, "wf-1"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(dir.StatePath(state.LocksFile))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	reloaded := New(Config{}, clk, dir, nil)
	require.Len(t, reloaded.Locks(), 1)
	assert.Equal(t, Canonical("/data/a"), reloaded.Locks()[0].Path)
	assert.True(t, reloaded.Request("/data/a", "w", types.LockModeWrite, time.Minute, "wf-1"),
		"reentrant hold survives reload")
}

func TestFlushPersistsSynchronously(t *testing.T) {
	clk := clock.NewSystem()
	dir, err := state.New(t.TempDir(), clk)
	require.NoError(t, err)

	r := New(Config{Debounce: time.Hour}, clk, dir, nil)
	require.True(t, r.Request("/data/a", "w", types.LockModeWrite, time.Minute, ""))

	require.NoError(t, r.Flush())

	var file registryFile
	restored, err := dir.Load(state.LocksFile, &file)
	require.NoError(t, err)
	require.True(t, restored)
	assert.Len(t, file.FileLocks, 1)
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	clk := clock.NewSystem()
	root := t.TempDir()
	dir, err := state.New(root, clk)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dir.StatePath(state.LocksFile), []byte("{{nope"), 0o644))

	r := New(Config{}, clk, dir, nil)
	assert.Empty(t, r.Locks())

	archived, err := filepath.Glob(dir.StatePath(state.LocksFile) + ".corrupt.*")
	require.NoError(t, err)
	assert.Len(t, archived, 1, "corrupt file archived, not deleted")
}
