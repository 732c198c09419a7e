package config

import (
	"github.com/go-viper/mapstructure/v2"

	"github.com/maestrod/maestro/pkg/types"
)

// scheduleParams is the union of per-kind schedule_params fields
type scheduleParams struct {
	Minutes   int    `mapstructure:"minutes"`
	TimeOfDay string `mapstructure:"time_of_day"`
	Weekday   int    `mapstructure:"weekday"`
	Day       int    `mapstructure:"day"`
	Date      string `mapstructure:"date"`
	Expr      string `mapstructure:"expr"`
}

// Entry converts a configured schedule entry into the scheduler's form.
// It only decodes shape; the scheduler validates per-kind semantics
// (ranges, parseability) when the entry is added.
func (e ScheduleEntryConfig) Entry() (*types.ScheduleEntry, error) {
	var params scheduleParams
	if err := mapstructure.Decode(e.ScheduleParams, &params); err != nil {
		return nil, types.WrapError(types.ErrKindConfig, err, "schedule entry %s params", e.ID)
	}

	template, err := e.Template.Descriptor()
	if err != nil {
		return nil, types.WrapError(types.ErrKindConfig, err, "schedule entry %s template", e.ID)
	}

	return &types.ScheduleEntry{
		ID:       e.ID,
		Template: *template,
		Schedule: types.Schedule{
			Kind:      types.ScheduleKind(e.ScheduleKind),
			Minutes:   params.Minutes,
			TimeOfDay: params.TimeOfDay,
			Weekday:   params.Weekday,
			Day:       params.Day,
			Date:      params.Date,
			Expr:      params.Expr,
		},
		Enabled: e.Enabled,
	}, nil
}

// Descriptor builds the task template a schedule entry submits. The id
// and submitted_at stay empty: the scheduler stamps fresh values on
// every firing.
func (t TemplateConfig) Descriptor() (*types.TaskDescriptor, error) {
	desc := &types.TaskDescriptor{
		Name:           t.Name,
		Kind:           types.TaskKind(t.Kind),
		Type:           t.TaskType,
		Priority:       t.Priority,
		TimeoutSeconds: int64(t.TimeoutSeconds),
	}

	switch desc.Kind {
	case types.TaskKindScript:
		if t.Path == "" {
			return nil, types.NewError(types.ErrKindConfig, "script template needs a path")
		}
		desc.Payload.Script = &types.ScriptPayload{
			Path:        t.Path,
			Args:        t.Args,
			Interpreter: t.Interpreter,
		}
	case types.TaskKindFunction:
		if t.Function == "" {
			return nil, types.NewError(types.ErrKindConfig, "function template needs a function name")
		}
		desc.Payload.Function = &types.FunctionPayload{
			Name: t.Function,
			Args: t.FunctionArgs,
		}
	case types.TaskKindCommand:
		if len(t.Argv) == 0 {
			return nil, types.NewError(types.ErrKindConfig, "command template needs a non-empty argv")
		}
		desc.Payload.Command = &types.CommandPayload{Argv: t.Argv}
	default:
		return nil, types.NewError(types.ErrKindConfig,
			"template kind: got %q, want one of script, function, command", t.Kind)
	}

	return desc, nil
}
