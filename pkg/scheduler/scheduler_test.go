package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

// recorder captures submitted descriptors
type recorder struct {
	mu    sync.Mutex
	descs []*types.TaskDescriptor
	err   error
}

func (r *recorder) submit(d *types.TaskDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.descs = append(r.descs, d)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.descs)
}

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(refNow)
	rec := &recorder{}
	return New(Config{}, clk, nil, rec.submit), clk, rec
}

func intervalEntry(id string, minutes int) *types.ScheduleEntry {
	return &types.ScheduleEntry{
		ID: id,
		Template: types.TaskDescriptor{
			Name: "nightly-report",
			Kind: types.TaskKindCommand,
			Payload: types.TaskPayload{
				Command: &types.CommandPayload{Argv: []string{"report", "--all"}},
			},
			Type:     "utility",
			Priority: 5,
		},
		Schedule: types.Schedule{Kind: types.ScheduleInterval, Minutes: minutes},
		Enabled:  true,
	}
}

func TestAddComputesNextRun(t *testing.T) {
	s, clk, _ := newTestScheduler(t)

	require.NoError(t, s.Add(intervalEntry("rep", 30)))

	entry, ok := s.Get("rep")
	require.True(t, ok)
	require.NotNil(t, entry.NextRun)
	assert.Equal(t, clk.Now().Add(30*time.Minute), *entry.NextRun)
}

func TestAddRejectsDuplicateID(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	require.NoError(t, s.Add(intervalEntry("rep", 30)))
	err := s.Add(intervalEntry("rep", 10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestAddOncePastCreatesDisabled(t *testing.T) {
	s, _, rec := newTestScheduler(t)

	entry := intervalEntry("late", 0)
	entry.Schedule = types.Schedule{
		Kind:      types.ScheduleOnce,
		Date:      "2023-12-25",
		TimeOfDay: "08:00",
	}
	require.NoError(t, s.Add(entry))

	got, ok := s.Get("late")
	require.True(t, ok)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)

	assert.Zero(t, s.Evaluate())
	assert.Zero(t, rec.count())
}

func TestEvaluateFiresDueEntry(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	require.NoError(t, s.Add(intervalEntry("rep", 1)))

	// not due yet
	assert.Zero(t, s.Evaluate())

	clk.Advance(61 * time.Second)
	assert.Equal(t, 1, s.Evaluate())
	require.Equal(t, 1, rec.count())

	desc := rec.descs[0]
	assert.NotEmpty(t, desc.ID)
	assert.Equal(t, "scheduler", desc.Source)
	assert.Equal(t, "nightly-report", desc.Name)
	assert.Equal(t, clk.Now(), desc.SubmittedAt)

	entry, _ := s.Get("rep")
	require.NotNil(t, entry.LastRun)
	assert.Equal(t, clk.Now(), *entry.LastRun)
	require.NotNil(t, entry.NextRun)
	assert.True(t, entry.NextRun.After(clk.Now()))

	// firing is not repeated until the next due time
	assert.Zero(t, s.Evaluate())
}

func TestEvaluateStampsFreshIDPerFiring(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	require.NoError(t, s.Add(intervalEntry("rep", 1)))

	clk.Advance(61 * time.Second)
	require.Equal(t, 1, s.Evaluate())
	clk.Advance(61 * time.Second)
	require.Equal(t, 1, s.Evaluate())

	require.Equal(t, 2, rec.count())
	assert.NotEqual(t, rec.descs[0].ID, rec.descs[1].ID)
}

func TestOnceFiresThenDisables(t *testing.T) {
	s, clk, rec := newTestScheduler(t)

	entry := intervalEntry("oneshot", 0)
	entry.Schedule = types.Schedule{
		Kind:      types.ScheduleOnce,
		Date:      "2024-01-01",
		TimeOfDay: "13:00",
	}
	require.NoError(t, s.Add(entry))

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, s.Evaluate())
	assert.Equal(t, 1, rec.count())

	got, ok := s.Get("oneshot")
	require.True(t, ok)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)

	clk.Advance(24 * time.Hour)
	assert.Zero(t, s.Evaluate())
}

func TestDisableEnable(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	require.NoError(t, s.Add(intervalEntry("rep", 1)))

	require.NoError(t, s.Disable("rep"))
	clk.Advance(5 * time.Minute)
	assert.Zero(t, s.Evaluate())
	assert.Zero(t, rec.count())

	require.NoError(t, s.Enable("rep"))
	entry, _ := s.Get("rep")
	require.NotNil(t, entry.NextRun)

	clk.Advance(61 * time.Second)
	assert.Equal(t, 1, s.Evaluate())
	assert.Equal(t, 1, rec.count())
}

func TestRemove(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	require.NoError(t, s.Add(intervalEntry("rep", 1)))
	require.NoError(t, s.Remove("rep"))

	require.Error(t, s.Remove("rep"))
	_, ok := s.Get("rep")
	assert.False(t, ok)

	clk.Advance(5 * time.Minute)
	assert.Zero(t, s.Evaluate())
	assert.Zero(t, rec.count())
}

func TestSubmitRefusalStillAdvancesEntry(t *testing.T) {
	s, clk, rec := newTestScheduler(t)
	rec.err = types.NewError(types.ErrKindAdmissionRejected, "no capacity")
	require.NoError(t, s.Add(intervalEntry("rep", 1)))

	clk.Advance(61 * time.Second)
	assert.Equal(t, 1, s.Evaluate())
	assert.Zero(t, rec.count())

	entry, _ := s.Get("rep")
	require.NotNil(t, entry.LastRun)
	require.NotNil(t, entry.NextRun)
	assert.True(t, entry.NextRun.After(clk.Now()))
}

func TestEntriesSortedByDueTime(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	require.NoError(t, s.Add(intervalEntry("slow", 60)))
	require.NoError(t, s.Add(intervalEntry("fast", 5)))

	off := intervalEntry("off", 10)
	off.Enabled = false
	require.NoError(t, s.Add(off))

	entries := s.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "fast", entries[0].ID)
	assert.Equal(t, "slow", entries[1].ID)
	assert.Equal(t, "off", entries[2].ID)
}

func TestPersistAndRestore(t *testing.T) {
	clk := clock.NewFake(refNow)
	dir, err := state.New(t.TempDir(), clk)
	require.NoError(t, err)
	rec := &recorder{}

	s := New(Config{}, clk, dir, rec.submit)
	require.NoError(t, s.Add(intervalEntry("rep", 30)))

	daily := intervalEntry("digest", 0)
	daily.Schedule = types.Schedule{Kind: types.ScheduleDaily, TimeOfDay: "09:00"}
	require.NoError(t, s.Add(daily))

	// fire once so last_run is on disk
	clk.Advance(31 * time.Minute)
	require.Equal(t, 1, s.Evaluate())

	// a later process restores the map and recomputes next_run
	clk.Advance(10 * time.Minute)
	s2 := New(Config{}, clk, dir, rec.submit)

	entry, ok := s2.Get("rep")
	require.True(t, ok)
	require.NotNil(t, entry.LastRun)
	require.NotNil(t, entry.NextRun)
	assert.Equal(t, entry.LastRun.Add(30*time.Minute), *entry.NextRun)

	got, ok := s2.Get("digest")
	require.True(t, ok)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, at(2, 9, 0), *got.NextRun)
}

func TestLoopFiresWithoutManualEvaluate(t *testing.T) {
	clk := clock.NewSystem()
	rec := &recorder{}
	s := New(Config{Tick: 20 * time.Millisecond}, clk, nil, rec.submit)

	entry := intervalEntry("loop", 0)
	entry.Schedule = types.Schedule{Kind: types.ScheduleCron, Expr: "* * * * * * *"}
	require.NoError(t, s.Add(entry))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return rec.count() >= 1 },
		3*time.Second, 10*time.Millisecond)
}
