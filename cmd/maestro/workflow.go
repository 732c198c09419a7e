package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maestrod/maestro/pkg/types"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Drive the workflow state machine",
}

var workflowStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringArray("param")
		params := make(map[string]string, len(raw))
		for _, p := range raw {
			key, value, ok := strings.Cut(p, "=")
			if !ok {
				return types.NewError(types.ErrKindConfig, "param %q: want key=value", p)
			}
			params[key] = value
		}
		if err := daemonClient(cmd).WorkflowAction("start", params); err != nil {
			return err
		}
		fmt.Println("✓ Workflow started")
		return nil
	},
}

var workflowPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running workflow",
	RunE:  workflowAction("pause", "Workflow paused"),
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the paused workflow",
	RunE:  workflowAction("resume", "Workflow resumed"),
}

var workflowStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the workflow",
	RunE:  workflowAction("stop", "Workflow stopped"),
}

func init() {
	workflowCmd.AddCommand(workflowStartCmd)
	workflowCmd.AddCommand(workflowPauseCmd)
	workflowCmd.AddCommand(workflowResumeCmd)
	workflowCmd.AddCommand(workflowStopCmd)

	workflowStartCmd.Flags().StringArray("param", nil, "Workflow parameter, key=value (repeatable)")
}

func workflowAction(action, done string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := daemonClient(cmd).WorkflowAction(action, nil); err != nil {
			return err
		}
		fmt.Printf("✓ %s\n", done)
		return nil
	}
}
