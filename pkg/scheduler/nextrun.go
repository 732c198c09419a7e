package scheduler

import (
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"

	"github.com/maestrod/maestro/pkg/types"
)

// NextRun computes the next firing time strictly after now for the
// given schedule. A nil result with a nil error means the schedule can
// never fire again (a once whose moment has passed). last is the last
// firing time, nil for an entry that has never fired.
func NextRun(s types.Schedule, last *time.Time, now time.Time) (*time.Time, error) {
	switch s.Kind {
	case types.ScheduleInterval:
		return nextInterval(s, last, now)
	case types.ScheduleDaily:
		return nextDaily(s, now)
	case types.ScheduleWeekly:
		return nextWeekly(s, now)
	case types.ScheduleMonthly:
		return nextMonthly(s, now)
	case types.ScheduleOnce:
		return nextOnce(s, now)
	case types.ScheduleCron:
		return nextCron(s, now)
	default:
		return nil, types.NewError(types.ErrKindConfig, "unknown schedule kind %q", s.Kind)
	}
}

func nextInterval(s types.Schedule, last *time.Time, now time.Time) (*time.Time, error) {
	if s.Minutes <= 0 {
		return nil, types.NewError(types.ErrKindConfig, "interval schedule needs minutes > 0, got %d", s.Minutes)
	}
	period := time.Duration(s.Minutes) * time.Minute
	next := now.Add(period)
	if last != nil {
		// anchor on the last firing; a long outage collapses missed
		// runs into a single catch-up one period from now
		if cand := last.Add(period); cand.After(now) {
			next = cand
		}
	}
	return &next, nil
}

func nextDaily(s types.Schedule, now time.Time) (*time.Time, error) {
	hour, min, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return nil, err
	}
	cand := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
	if !cand.After(now) {
		cand = cand.AddDate(0, 0, 1)
	}
	return &cand, nil
}

func nextWeekly(s types.Schedule, now time.Time) (*time.Time, error) {
	hour, min, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return nil, err
	}
	if s.Weekday < 0 || s.Weekday > 6 {
		return nil, types.NewError(types.ErrKindConfig, "weekly schedule weekday %d out of range 0-6", s.Weekday)
	}
	for d := 0; d <= 7; d++ {
		day := now.AddDate(0, 0, d)
		if int(day.Weekday()) != s.Weekday {
			continue
		}
		cand := time.Date(day.Year(), day.Month(), day.Day(), hour, min, 0, 0, now.Location())
		if cand.After(now) {
			return &cand, nil
		}
	}
	// unreachable: 8 consecutive days always contain a strict future match
	return nil, types.NewError(types.ErrKindInternal, "weekly schedule found no candidate")
}

func nextMonthly(s types.Schedule, now time.Time) (*time.Time, error) {
	hour, min, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return nil, err
	}
	day := s.Day
	if day < 1 {
		return nil, types.NewError(types.ErrKindConfig, "monthly schedule needs day >= 1, got %d", day)
	}
	// clamp so every month has the day; 29-31 become 28
	if day > 28 {
		day = 28
	}
	cand := time.Date(now.Year(), now.Month(), day, hour, min, 0, 0, now.Location())
	if !cand.After(now) {
		cand = time.Date(now.Year(), now.Month()+1, day, hour, min, 0, 0, now.Location())
	}
	return &cand, nil
}

func nextOnce(s types.Schedule, now time.Time) (*time.Time, error) {
	hour, min, err := parseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return nil, err
	}
	day, err := time.ParseInLocation("2006-01-02", s.Date, now.Location())
	if err != nil {
		return nil, types.WrapError(types.ErrKindConfig, err, "once schedule date %q", s.Date)
	}
	cand := time.Date(day.Year(), day.Month(), day.Day(), hour, min, 0, 0, now.Location())
	if !cand.After(now) {
		return nil, nil
	}
	return &cand, nil
}

func nextCron(s types.Schedule, now time.Time) (*time.Time, error) {
	expr, err := cronexpr.Parse(s.Expr)
	if err != nil {
		return nil, types.WrapError(types.ErrKindConfig, err, "cron expression %q", s.Expr)
	}
	cand := expr.Next(now)
	if cand.IsZero() {
		return nil, nil
	}
	return &cand, nil
}

// parseTimeOfDay parses "hh:mm" in 24-hour form
func parseTimeOfDay(v string) (hour, min int, err error) {
	if _, err := fmt.Sscanf(v, "%d:%d", &hour, &min); err != nil {
		return 0, 0, types.NewError(types.ErrKindConfig, "time_of_day %q is not hh:mm", v)
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 {
		return 0, 0, types.NewError(types.ErrKindConfig, "time_of_day %q out of range", v)
	}
	return hour, min, nil
}
