// maestro-migrate moves state written by the legacy flat-file layout
// into the versioned envelope layout the daemon reads. The legacy
// implementation kept bare JSON files at the state-dir root; the daemon
// keeps checksummed envelopes under v1/. Run once, before the first
// daemon start against an old state directory.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

// Version is set via ldflags during build
var Version = "dev"

// migrations maps each legacy root-level file to its versioned target
var migrations = []struct {
	legacy string
	target string
}{
	{"file_locks.json", state.LocksFile},
	{"active_sessions.json", state.SessionsFile},
	{"scheduled_tasks.json", state.ScheduleFile},
	{"workflow_status.json", state.WorkflowFile},
	{"resource_history.json", state.ResourcesFile},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "maestro-migrate",
	Short:   "Migrate a legacy Maestro state directory",
	Version: Version,
	RunE:    runMigrate,
}

func init() {
	rootCmd.Flags().String("state-dir", "/var/lib/maestro", "State directory to migrate")
	rootCmd.Flags().Bool("dry-run", false, "Report what would be migrated without writing")
	rootCmd.Flags().Bool("force", false, "Overwrite versioned files that already exist")
	rootCmd.Flags().Bool("keep", false, "Leave legacy files in place after migration")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("state-dir")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")
	keep, _ := cmd.Flags().GetBool("keep")

	if _, err := os.Stat(root); err != nil {
		return types.WrapError(types.ErrKindConfig, err, "state directory %s", root)
	}

	dir, err := state.New(root, clock.NewSystem())
	if err != nil {
		return err
	}

	migrated := 0
	for _, m := range migrations {
		src := filepath.Join(root, m.legacy)
		raw, err := os.ReadFile(src)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return types.WrapError(types.ErrKindPersistence, err, "reading %s", m.legacy)
		}

		if !json.Valid(raw) {
			fmt.Printf("  skipped %s: not valid JSON\n", m.legacy)
			continue
		}
		if _, err := os.Stat(dir.StatePath(m.target)); err == nil && !force {
			fmt.Printf("  skipped %s: %s already exists (use --force to overwrite)\n",
				m.legacy, m.target)
			continue
		}

		if dryRun {
			fmt.Printf("  would migrate %s -> v1/%s\n", m.legacy, m.target)
			migrated++
			continue
		}

		// the payload shape carried over; only the envelope is new
		if err := dir.Save(m.target, json.RawMessage(raw)); err != nil {
			return err
		}
		if !keep {
			if err := os.Rename(src, src+".migrated"); err != nil {
				return types.WrapError(types.ErrKindPersistence, err, "renaming %s", m.legacy)
			}
		}
		fmt.Printf("  migrated %s -> v1/%s\n", m.legacy, m.target)
		migrated++
	}

	if dryRun {
		fmt.Printf("Dry run: %d file(s) would be migrated.\n", migrated)
	} else {
		fmt.Printf("✓ Migration complete: %d file(s).\n", migrated)
	}
	return nil
}
