package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrod/maestro/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "/var/lib/maestro", cfg.StateDir)
	assert.Equal(t, 5, cfg.Tasks.MaxParallelTasks)
	assert.Equal(t, 3600, cfg.Tasks.TaskTimeoutSeconds)
	assert.Equal(t, "utility", cfg.Tasks.DefaultTaskType)
	assert.True(t, cfg.Tasks.CheckPeers)
	assert.Equal(t, 5, cfg.Monitor.MonitoringIntervalSeconds)
	assert.Equal(t, 15, cfg.Monitor.AllocationIntervalSeconds)
	assert.Equal(t, 100, cfg.Monitor.MaxHistory)
	assert.True(t, cfg.Monitor.AdaptiveAllocation)
	assert.Equal(t, Bands{Low: 50, Medium: 70, High: 85, Critical: 95}, cfg.Monitor.Thresholds["cpu"])
	assert.Equal(t, Bands{Low: 60, Medium: 75, High: 90, Critical: 97}, cfg.Monitor.Thresholds["disk"])
	assert.Equal(t, "yield", cfg.Session.Policy)
	assert.Equal(t, 30, cfg.Locks.GraceSeconds)
	assert.Equal(t, 60, cfg.Locks.DefaultDurationSeconds)
	assert.Equal(t, 250, cfg.Locks.DebounceMs)
	assert.Equal(t, 30, cfg.Snapshot.IntervalSeconds)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"state_dir": "/tmp/maestro-test",
		"task_manager": {
			"max_parallel_tasks": 3,
			"task_timeout": 120,
			"default_task_type": "analysis",
			"task_types": {
				"analysis": {"max_instances": 2, "cpu_weight": 2, "mem_weight": 1, "disk_weight": 1}
			}
		},
		"monitor": {"allocation_interval": 7},
		"session": {"policy": "continue"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/maestro-test", cfg.StateDir)
	assert.Equal(t, 3, cfg.Tasks.MaxParallelTasks)
	assert.Equal(t, 120, cfg.Tasks.TaskTimeoutSeconds)
	assert.Equal(t, "analysis", cfg.Tasks.DefaultTaskType)
	assert.Equal(t, 7, cfg.Monitor.AllocationIntervalSeconds)
	// untouched fields fall back to defaults
	assert.Equal(t, 5, cfg.Monitor.MonitoringIntervalSeconds)
	assert.Equal(t, "continue", cfg.Session.Policy)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Equal(t, types.ErrKindConfig, types.KindOf(err))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MAESTRO_TASK_MANAGER_MAX_PARALLEL_TASKS", "9")

	path := writeConfig(t, `{"task_manager": {"max_parallel_tasks": 3}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Tasks.MaxParallelTasks)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "zero max parallel",
			mutate: func(c *Config) { c.Tasks.MaxParallelTasks = 0 },
			field:  "max_parallel_tasks",
		},
		{
			name:   "negative timeout",
			mutate: func(c *Config) { c.Tasks.TaskTimeoutSeconds = -1 },
			field:  "task_timeout",
		},
		{
			name: "unordered bands",
			mutate: func(c *Config) {
				c.Monitor.Thresholds["cpu"] = Bands{Low: 80, Medium: 70, High: 85, Critical: 95}
			},
			field: "thresholds.cpu",
		},
		{
			name:   "unknown metric",
			mutate: func(c *Config) { c.Monitor.Thresholds["gpu"] = Bands{Low: 1, Medium: 2, High: 3, Critical: 4} },
			field:  "thresholds.gpu",
		},
		{
			name:   "bad session policy",
			mutate: func(c *Config) { c.Session.Policy = "panic" },
			field:  "session.policy",
		},
		{
			name: "undeclared default type",
			mutate: func(c *Config) {
				c.Tasks.DefaultTaskType = "ghost"
			},
			field: "default_task_type",
		},
		{
			name: "zero weight",
			mutate: func(c *Config) {
				c.Tasks.TaskTypes["utility"] = TaskTypeWeights{MaxInstances: 1, CPUWeight: 0, MemWeight: 1, DiskWeight: 1}
			},
			field: "task_types.utility",
		},
		{
			name: "duplicate schedule id",
			mutate: func(c *Config) {
				c.Scheduler.Entries = []ScheduleEntryConfig{
					{ID: "a", ScheduleKind: "daily"},
					{ID: "a", ScheduleKind: "daily"},
				}
			},
			field: "duplicate id",
		},
		{
			name: "unknown schedule kind",
			mutate: func(c *Config) {
				c.Scheduler.Entries = []ScheduleEntryConfig{{ID: "a", ScheduleKind: "hourly"}}
			},
			field: "schedule_kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, types.ErrKindConfig, types.KindOf(err))
			assert.Contains(t, err.Error(), tt.field, "error must name the offending field")
		})
	}
}
