package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/maestrod/maestro/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [ARGS...]",
	Short: "Submit a task",
	Long: `Submit a task to the daemon.

Without --script or --function the positional arguments are the argv of
a command task. With --script they become script arguments; with
--function they are key=value pairs passed to the registered function.

Examples:
  # Run a command
  maestro task submit --name compact -- compact --all

  # Run a python script with the heavy-render weight class
  maestro task submit --script render.py --type heavy-render -- scene.blend

  # Invoke a registered in-process function
  maestro task submit --function rotate-logs -- keep=5`,
	RunE: runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued, running, and recent tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := daemonClient(cmd).Status()
		if err != nil {
			return err
		}
		if st.Tasks == nil {
			fmt.Println("Task manager not available.")
			return nil
		}

		fmt.Printf("%-10s %-20s %-12s %-10s %s\n", "ID", "NAME", "STATUS", "TYPE", "WHEN")
		for _, desc := range st.Tasks.Queue {
			fmt.Printf("%-10s %-20s %-12s %-10s %s\n",
				shortID(desc.ID), desc.Name, "queued", desc.Type,
				humanize.Time(desc.SubmittedAt))
		}
		for _, task := range st.Tasks.Active {
			fmt.Printf("%-10s %-20s %-12s %-10s %s\n",
				shortID(task.Descriptor.ID), task.Descriptor.Name, task.Status,
				task.Descriptor.Type, taskWhen(task))
		}
		for _, task := range st.Tasks.Recent {
			fmt.Printf("%-10s %-20s %-12s %-10s %s\n",
				shortID(task.Descriptor.ID), task.Descriptor.Name, task.Status,
				task.Descriptor.Type, taskWhen(task))
		}
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := daemonClient(cmd).GetTask(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:        %s\n", task.Descriptor.ID)
		fmt.Printf("Name:      %s\n", task.Descriptor.Name)
		fmt.Printf("Kind:      %s\n", task.Descriptor.Kind)
		fmt.Printf("Type:      %s\n", task.Descriptor.Type)
		fmt.Printf("Status:    %s\n", task.Status)
		fmt.Printf("Source:    %s\n", task.Descriptor.Source)
		fmt.Printf("Submitted: %s\n", humanize.Time(task.Descriptor.SubmittedAt))
		if task.StartedAt != nil {
			fmt.Printf("Started:   %s\n", humanize.Time(*task.StartedAt))
		}
		if task.EndedAt != nil {
			fmt.Printf("Ended:     %s\n", humanize.Time(*task.EndedAt))
		}
		if task.ExitCode != nil {
			fmt.Printf("Exit code: %d\n", *task.ExitCode)
		}
		if task.Reason != "" {
			fmt.Printf("Reason:    %s\n", task.Reason)
		}
		if task.Result != "" {
			fmt.Printf("Result:\n%s\n", indent(task.Result))
		}
		if task.Error != "" {
			fmt.Printf("Error:\n%s\n", indent(task.Error))
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemonClient(cmd).CancelTask(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Task cancelled: %s\n", args[0])
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskCancelCmd)

	taskSubmitCmd.Flags().String("name", "", "Task name")
	taskSubmitCmd.Flags().String("type", "", "Weight class (e.g. heavy-render, utility)")
	taskSubmitCmd.Flags().Int("priority", 0, "Priority (lower runs earlier)")
	taskSubmitCmd.Flags().Int("timeout", 0, "Timeout in seconds (0 = daemon default)")
	taskSubmitCmd.Flags().String("script", "", "Script path; args become script arguments")
	taskSubmitCmd.Flags().String("interpreter", "", "Script interpreter (default python3)")
	taskSubmitCmd.Flags().String("function", "", "Registered function name; args become key=value pairs")
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	taskType, _ := cmd.Flags().GetString("type")
	priority, _ := cmd.Flags().GetInt("priority")
	timeout, _ := cmd.Flags().GetInt("timeout")
	script, _ := cmd.Flags().GetString("script")
	interpreter, _ := cmd.Flags().GetString("interpreter")
	function, _ := cmd.Flags().GetString("function")

	desc := &types.TaskDescriptor{
		Name:           name,
		Type:           taskType,
		Priority:       priority,
		TimeoutSeconds: int64(timeout),
		Source:         "cli",
	}

	switch {
	case script != "":
		desc.Kind = types.TaskKindScript
		desc.Payload.Script = &types.ScriptPayload{
			Path:        script,
			Args:        args,
			Interpreter: interpreter,
		}
	case function != "":
		fnArgs := make(map[string]string, len(args))
		for _, arg := range args {
			key, value, ok := strings.Cut(arg, "=")
			if !ok {
				return types.NewError(types.ErrKindConfig,
					"function argument %q: want key=value", arg)
			}
			fnArgs[key] = value
		}
		desc.Kind = types.TaskKindFunction
		desc.Payload.Function = &types.FunctionPayload{Name: function, Args: fnArgs}
	default:
		if len(args) == 0 {
			return types.NewError(types.ErrKindConfig,
				"nothing to run: give argv, --script, or --function")
		}
		desc.Kind = types.TaskKindCommand
		desc.Payload.Command = &types.CommandPayload{Argv: args}
	}

	id, err := daemonClient(cmd).SubmitTask(desc)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Task submitted: %s\n", id)
	return nil
}

func taskWhen(task *types.Task) string {
	switch {
	case task.EndedAt != nil:
		return humanize.Time(*task.EndedAt)
	case task.StartedAt != nil:
		return "for " + time.Since(*task.StartedAt).Round(time.Second).String()
	default:
		return humanize.Time(task.Descriptor.SubmittedAt)
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n  ")
}
