package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/maestrod/maestro/pkg/types"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled tasks",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedule entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := daemonClient(cmd).Schedule()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No schedule entries.")
			return nil
		}

		fmt.Printf("%-20s %-10s %-9s %-18s %s\n", "ID", "KIND", "ENABLED", "NEXT RUN", "LAST RUN")
		for _, e := range entries {
			next, last := "-", "never"
			if e.NextRun != nil {
				next = humanize.Time(*e.NextRun)
			}
			if e.LastRun != nil {
				last = humanize.Time(*e.LastRun)
			}
			fmt.Printf("%-20s %-10s %-9t %-18s %s\n", e.ID, e.Schedule.Kind, e.Enabled, next, last)
		}
		return nil
	},
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add ID [ARGS...]",
	Short: "Add a schedule entry",
	Long: `Add a schedule entry running a command task.

Exactly one schedule shape applies, inferred from the flags:
  --every N              interval, every N minutes
  --at HH:MM             daily at that time
  --at HH:MM --weekday N weekly (0 = Sunday)
  --at HH:MM --day N     monthly on day N (clamped to 28)
  --at HH:MM --date D    once on date D (2006-01-02)
  --cron EXPR            cron expression

Richer templates (scripts, functions, weight classes) go through
'maestro apply' with a ScheduledTask manifest.

Examples:
  maestro schedule add hourly-compact --every 60 -- compact --all
  maestro schedule add nightly-report --at 03:30 -- report --full`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScheduleAdd,
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a schedule entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemonClient(cmd).RemoveSchedule(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Schedule entry removed: %s\n", args[0])
		return nil
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleRemoveCmd)

	scheduleAddCmd.Flags().Int("every", 0, "Interval in minutes")
	scheduleAddCmd.Flags().String("at", "", "Time of day, HH:MM")
	scheduleAddCmd.Flags().Int("weekday", -1, "Weekday for weekly schedules (0 = Sunday)")
	scheduleAddCmd.Flags().Int("day", 0, "Day of month for monthly schedules")
	scheduleAddCmd.Flags().String("date", "", "Date for one-shot schedules, 2006-01-02")
	scheduleAddCmd.Flags().String("cron", "", "Cron expression")
	scheduleAddCmd.Flags().String("name", "", "Template task name (default: the entry id)")
	scheduleAddCmd.Flags().String("type", "", "Template weight class")
	scheduleAddCmd.Flags().Int("priority", 0, "Template priority")
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	id := args[0]
	argv := args[1:]
	if len(argv) == 0 {
		return types.NewError(types.ErrKindConfig, "schedule %s: command argv required", id)
	}

	sched, err := scheduleFromFlags(cmd)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = id
	}
	taskType, _ := cmd.Flags().GetString("type")
	priority, _ := cmd.Flags().GetInt("priority")

	entry := &types.ScheduleEntry{
		ID: id,
		Template: types.TaskDescriptor{
			Name:     name,
			Kind:     types.TaskKindCommand,
			Type:     taskType,
			Priority: priority,
			Payload: types.TaskPayload{
				Command: &types.CommandPayload{Argv: argv},
			},
		},
		Schedule: sched,
		Enabled:  true,
	}

	if err := daemonClient(cmd).AddSchedule(entry); err != nil {
		return err
	}
	fmt.Printf("✓ Schedule entry added: %s\n", id)
	return nil
}

// scheduleFromFlags infers the schedule variant from which flags are set
func scheduleFromFlags(cmd *cobra.Command) (types.Schedule, error) {
	every, _ := cmd.Flags().GetInt("every")
	at, _ := cmd.Flags().GetString("at")
	weekday, _ := cmd.Flags().GetInt("weekday")
	day, _ := cmd.Flags().GetInt("day")
	date, _ := cmd.Flags().GetString("date")
	cron, _ := cmd.Flags().GetString("cron")

	switch {
	case cron != "":
		return types.Schedule{Kind: types.ScheduleCron, Expr: cron}, nil
	case every > 0:
		return types.Schedule{Kind: types.ScheduleInterval, Minutes: every}, nil
	case date != "":
		return types.Schedule{Kind: types.ScheduleOnce, Date: date, TimeOfDay: at}, nil
	case day > 0:
		return types.Schedule{Kind: types.ScheduleMonthly, Day: day, TimeOfDay: at}, nil
	case weekday >= 0:
		return types.Schedule{Kind: types.ScheduleWeekly, Weekday: weekday, TimeOfDay: at}, nil
	case at != "":
		return types.Schedule{Kind: types.ScheduleDaily, TimeOfDay: at}, nil
	default:
		return types.Schedule{}, types.NewError(types.ErrKindConfig,
			"no schedule shape: give --every, --at, --date, --cron, or see --help")
	}
}
