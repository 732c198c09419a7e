package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maestrod/maestro/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		switch types.KindOf(err) {
		case types.ErrKindConfig:
			os.Exit(2)
		case types.ErrKindSessionConflict:
			os.Exit(3)
		default:
			os.Exit(1)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Maestro - parallel task orchestration for a single host",
	Long: `Maestro runs and supervises parallel tasks on one machine: it admits
work against live host resources, schedules recurring tasks, arbitrates
file locks between workflow roles, and exposes a local HTTP surface for
status and control.

The daemon owns all state; every other subcommand talks to it over the
local API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Maestro version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7171", "Daemon API address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(sessionsCmd)
}
