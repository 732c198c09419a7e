package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/types"
)

// 2024-01-01 is a Monday
var refNow = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func at(day int, hour, min int) time.Time {
	return time.Date(2024, time.January, day, hour, min, 0, 0, time.UTC)
}

func TestNextRunInterval(t *testing.T) {
	sched := types.Schedule{Kind: types.ScheduleInterval, Minutes: 30}

	t.Run("never fired anchors on now", func(t *testing.T) {
		next, err := NextRun(sched, nil, refNow)
		require.NoError(t, err)
		assert.Equal(t, refNow.Add(30*time.Minute), *next)
	})

	t.Run("recent last run anchors on it", func(t *testing.T) {
		last := refNow.Add(-10 * time.Minute)
		next, err := NextRun(sched, &last, refNow)
		require.NoError(t, err)
		assert.Equal(t, last.Add(30*time.Minute), *next)
	})

	t.Run("missed runs collapse into one", func(t *testing.T) {
		last := refNow.Add(-2 * time.Hour)
		next, err := NextRun(sched, &last, refNow)
		require.NoError(t, err)
		assert.Equal(t, refNow.Add(30*time.Minute), *next)
	})

	t.Run("zero minutes rejected", func(t *testing.T) {
		_, err := NextRun(types.Schedule{Kind: types.ScheduleInterval}, nil, refNow)
		require.Error(t, err)
		assert.Equal(t, types.ErrKindConfig, types.KindOf(err))
	})
}

func TestNextRunDaily(t *testing.T) {
	tests := []struct {
		name      string
		timeOfDay string
		want      time.Time
	}{
		{"later today", "15:30", at(1, 15, 30)},
		{"already passed rolls to tomorrow", "09:00", at(2, 9, 0)},
		{"exactly now rolls to tomorrow", "12:00", at(2, 12, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := types.Schedule{Kind: types.ScheduleDaily, TimeOfDay: tt.timeOfDay}
			next, err := NextRun(sched, nil, refNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *next)
		})
	}
}

func TestNextRunWeekly(t *testing.T) {
	tests := []struct {
		name      string
		weekday   int
		timeOfDay string
		want      time.Time
	}{
		{"later this week", 3, "09:00", at(3, 9, 0)},  // Wednesday
		{"today but later", 1, "18:00", at(1, 18, 0)}, // Monday evening
		{"today but passed", 1, "09:00", at(8, 9, 0)}, // next Monday
		{"yesterday's slot", 0, "09:00", at(7, 9, 0)}, // next Sunday
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := types.Schedule{
				Kind:      types.ScheduleWeekly,
				Weekday:   tt.weekday,
				TimeOfDay: tt.timeOfDay,
			}
			next, err := NextRun(sched, nil, refNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *next)
		})
	}

	t.Run("weekday out of range", func(t *testing.T) {
		sched := types.Schedule{Kind: types.ScheduleWeekly, Weekday: 7, TimeOfDay: "09:00"}
		_, err := NextRun(sched, nil, refNow)
		require.Error(t, err)
	})
}

func TestNextRunMonthly(t *testing.T) {
	t.Run("later this month", func(t *testing.T) {
		sched := types.Schedule{Kind: types.ScheduleMonthly, Day: 15, TimeOfDay: "09:00"}
		next, err := NextRun(sched, nil, refNow)
		require.NoError(t, err)
		assert.Equal(t, at(15, 9, 0), *next)
	})

	t.Run("already passed rolls to next month", func(t *testing.T) {
		sched := types.Schedule{Kind: types.ScheduleMonthly, Day: 1, TimeOfDay: "09:00"}
		next, err := NextRun(sched, nil, refNow)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, time.February, 1, 9, 0, 0, 0, time.UTC), *next)
	})

	t.Run("day 31 clamps to 28", func(t *testing.T) {
		sched := types.Schedule{Kind: types.ScheduleMonthly, Day: 31, TimeOfDay: "09:00"}
		next, err := NextRun(sched, nil, refNow)
		require.NoError(t, err)
		assert.Equal(t, at(28, 9, 0), *next)
	})

	t.Run("day zero rejected", func(t *testing.T) {
		sched := types.Schedule{Kind: types.ScheduleMonthly, TimeOfDay: "09:00"}
		_, err := NextRun(sched, nil, refNow)
		require.Error(t, err)
	})
}

func TestNextRunOnce(t *testing.T) {
	t.Run("future moment", func(t *testing.T) {
		sched := types.Schedule{Kind: types.ScheduleOnce, Date: "2024-01-05", TimeOfDay: "08:00"}
		next, err := NextRun(sched, nil, refNow)
		require.NoError(t, err)
		assert.Equal(t, at(5, 8, 0), *next)
	})

	t.Run("past moment never fires", func(t *testing.T) {
		sched := types.Schedule{Kind: types.ScheduleOnce, Date: "2023-12-25", TimeOfDay: "08:00"}
		next, err := NextRun(sched, nil, refNow)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("malformed date", func(t *testing.T) {
		sched := types.Schedule{Kind: types.ScheduleOnce, Date: "25/12/2023", TimeOfDay: "08:00"}
		_, err := NextRun(sched, nil, refNow)
		require.Error(t, err)
		assert.Equal(t, types.ErrKindConfig, types.KindOf(err))
	})
}

func TestNextRunCron(t *testing.T) {
	t.Run("hourly", func(t *testing.T) {
		sched := types.Schedule{Kind: types.ScheduleCron, Expr: "0 * * * *"}
		next, err := NextRun(sched, nil, refNow)
		require.NoError(t, err)
		assert.Equal(t, at(1, 13, 0), *next)
	})

	t.Run("invalid expression", func(t *testing.T) {
		sched := types.Schedule{Kind: types.ScheduleCron, Expr: "not a cron"}
		_, err := NextRun(sched, nil, refNow)
		require.Error(t, err)
		assert.Equal(t, types.ErrKindConfig, types.KindOf(err))
	})
}

func TestNextRunUnknownKind(t *testing.T) {
	_, err := NextRun(types.Schedule{Kind: "hourly"}, nil, refNow)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindConfig, types.KindOf(err))
}

func TestParseTimeOfDay(t *testing.T) {
	for _, bad := range []string{"", "noon", "24:00", "12:60", "-1:00"} {
		_, _, err := parseTimeOfDay(bad)
		assert.Error(t, err, "input %q", bad)
	}
	h, m, err := parseTimeOfDay("07:45")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 45, m)
}
