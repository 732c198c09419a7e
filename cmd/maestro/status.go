package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/maestrod/maestro/pkg/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := daemonClient(cmd)
		st, err := c.Status()
		if err != nil {
			return err
		}

		if st.Workflow != nil {
			fmt.Printf("Workflow:  %s", st.Workflow.State)
			if st.Workflow.StartedAt != nil {
				fmt.Printf("  (started %s, run time %s, %d pauses)",
					humanize.Time(*st.Workflow.StartedAt),
					st.Workflow.TotalRunTime.Round(time.Second),
					st.Workflow.PauseCount)
			}
			fmt.Println()
			fmt.Printf("Agents:    %d active, %d paused, %d terminated\n",
				st.Workflow.ActiveAgents, st.Workflow.PausedAgents, st.Workflow.TerminatedAgents)
		}

		if st.Tasks != nil {
			fmt.Printf("Tasks:     %d queued, %d running\n", st.Tasks.Queued, st.Tasks.Running)
			if st.Tasks.Strategy != nil {
				s := st.Tasks.Strategy
				fmt.Printf("Strategy:  %s (max %d concurrent)", s.Kind, s.MaxConcurrent)
				if st.Tasks.Quiescent {
					fmt.Print("  [quiescent]")
				}
				fmt.Println()
			}
			if len(st.Tasks.Deferred) > 0 {
				var parts []string
				for taskType, n := range st.Tasks.Deferred {
					parts = append(parts, fmt.Sprintf("%s=%d", taskType, n))
				}
				fmt.Printf("Deferred:  %s\n", strings.Join(parts, " "))
			}
		}

		if st.Resources != nil {
			r := st.Resources
			fmt.Printf("Resources: cpu %s  mem %s  disk %s  (sampled %s)\n",
				percent(r.CPUPercent), percent(r.MemPercent), percent(r.DiskPercent),
				humanize.Time(r.TakenAt))
			fmt.Printf("Network:   %s sent, %s received\n",
				humanize.Bytes(r.NetSentBytes), humanize.Bytes(r.NetRecvBytes))
		}

		fmt.Printf("Sessions:  %d active\n", len(st.Sessions))
		fmt.Printf("Locks:     %d held\n", len(st.Locks))
		fmt.Printf("Schedule:  %d entries\n", len(st.Schedule))
		return nil
	},
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List held file locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := daemonClient(cmd).Locks()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No locks held.")
			return nil
		}
		fmt.Printf("%-8s %-24s %-12s %s\n", "MODE", "HOLDERS", "ACQUIRED", "PATH")
		for _, e := range entries {
			fmt.Printf("%-8s %-24s %-12s %s\n",
				e.Mode, strings.Join(e.Holders, ","), humanize.Time(e.AcquiredAt), e.Path)
		}
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := daemonClient(cmd).Sessions()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No active sessions.")
			return nil
		}
		fmt.Printf("%-10s %-14s %-8s %-14s %s\n", "ID", "TYPE", "PID", "STARTED", "COMMAND")
		for _, r := range records {
			fmt.Printf("%-10s %-14s %-8d %-14s %s\n",
				shortID(r.ID), r.Type, r.PID, humanize.Time(r.StartedAt), r.Command)
		}
		return nil
	},
}

// daemonClient builds a client against the --addr flag
func daemonClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func percent(v float64) string {
	if v < 0 { // types.UnknownPercent
		return "?"
	}
	return fmt.Sprintf("%.1f%%", v)
}
