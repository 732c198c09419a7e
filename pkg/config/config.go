package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/maestrod/maestro/pkg/types"
)

// Config is the full daemon configuration, loaded from a single JSON file
// with MAESTRO_* environment overrides.
type Config struct {
	StateDir  string          `mapstructure:"state_dir" json:"state_dir"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
	API       APIConfig       `mapstructure:"api" json:"api"`
	Tasks     TaskManager     `mapstructure:"task_manager" json:"task_manager"`
	Monitor   Monitor         `mapstructure:"monitor" json:"monitor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" json:"scheduler"`
	Session   SessionConfig   `mapstructure:"session" json:"session"`
	Locks     LocksConfig     `mapstructure:"locks" json:"locks"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot" json:"snapshot"`
	Control   ControlConfig   `mapstructure:"control" json:"control"`
}

// LogConfig selects level, format, and optional rotated file output
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	JSON       bool   `mapstructure:"json" json:"json"`
	File       string `mapstructure:"file" json:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days,omitempty"`
}

// APIConfig configures the local HTTP status surface
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Listen  string `mapstructure:"listen" json:"listen"`
}

// TaskTypeWeights configures one task-type weight class
type TaskTypeWeights struct {
	MaxInstances int     `mapstructure:"max_instances" json:"max_instances"`
	CPUWeight    float64 `mapstructure:"cpu_weight" json:"cpu_weight"`
	MemWeight    float64 `mapstructure:"mem_weight" json:"mem_weight"`
	DiskWeight   float64 `mapstructure:"disk_weight" json:"disk_weight"`
}

// TaskManager configures admission, dispatch, and worker lifecycle
type TaskManager struct {
	MaxParallelTasks   int                        `mapstructure:"max_parallel_tasks" json:"max_parallel_tasks"`
	TaskTimeoutSeconds int                        `mapstructure:"task_timeout" json:"task_timeout"`
	DefaultTaskType    string                     `mapstructure:"default_task_type" json:"default_task_type"`
	CheckPeers         bool                       `mapstructure:"check_peers" json:"check_peers"`
	GraceSeconds       int                        `mapstructure:"cancel_grace_seconds" json:"cancel_grace_seconds"`
	CompletedRetained  int                        `mapstructure:"completed_retained" json:"completed_retained"`
	DispatchTickMs     int                        `mapstructure:"dispatch_tick_ms" json:"dispatch_tick_ms"`
	TaskTypes          map[string]TaskTypeWeights `mapstructure:"task_types" json:"task_types"`
}

func (t TaskManager) TaskTimeout() time.Duration { return time.Duration(t.TaskTimeoutSeconds) * time.Second }
func (t TaskManager) Grace() time.Duration       { return time.Duration(t.GraceSeconds) * time.Second }
func (t TaskManager) DispatchTick() time.Duration {
	return time.Duration(t.DispatchTickMs) * time.Millisecond
}

// Bands holds the four thresholds for one metric, percentages ascending
type Bands struct {
	Low      float64 `mapstructure:"low" json:"low"`
	Medium   float64 `mapstructure:"medium" json:"medium"`
	High     float64 `mapstructure:"high" json:"high"`
	Critical float64 `mapstructure:"critical" json:"critical"`
}

// Monitor configures the resource sampler and allocation controller
type Monitor struct {
	MonitoringIntervalSeconds int              `mapstructure:"monitoring_interval" json:"monitoring_interval"`
	AllocationIntervalSeconds int              `mapstructure:"allocation_interval" json:"allocation_interval"`
	MaxHistory                int              `mapstructure:"max_history" json:"max_history"`
	DiskRoot                  string           `mapstructure:"disk_root" json:"disk_root"`
	TopProcesses              int              `mapstructure:"top_processes" json:"top_processes"`
	AdaptiveAllocation        bool             `mapstructure:"adaptive_allocation" json:"adaptive_allocation"`
	Thresholds                map[string]Bands `mapstructure:"thresholds" json:"thresholds"`
}

func (m Monitor) MonitoringInterval() time.Duration {
	return time.Duration(m.MonitoringIntervalSeconds) * time.Second
}
func (m Monitor) AllocationInterval() time.Duration {
	return time.Duration(m.AllocationIntervalSeconds) * time.Second
}

// ScheduleEntryConfig is one configured schedule entry; params are decoded
// per schedule_kind by the scheduler.
type ScheduleEntryConfig struct {
	ID             string                 `mapstructure:"id" json:"id"`
	Template       TemplateConfig         `mapstructure:"template" json:"template"`
	ScheduleKind   string                 `mapstructure:"schedule_kind" json:"schedule_kind"`
	ScheduleParams map[string]interface{} `mapstructure:"schedule_params" json:"schedule_params"`
	Enabled        bool                   `mapstructure:"enabled" json:"enabled"`
}

// TemplateConfig is the task-descriptor template of a schedule entry
type TemplateConfig struct {
	Name           string            `mapstructure:"name" json:"name"`
	Kind           string            `mapstructure:"kind" json:"kind"`
	Path           string            `mapstructure:"path" json:"path,omitempty"`
	Args           []string          `mapstructure:"args" json:"args,omitempty"`
	Interpreter    string            `mapstructure:"interpreter" json:"interpreter,omitempty"`
	Argv           []string          `mapstructure:"argv" json:"argv,omitempty"`
	Function       string            `mapstructure:"function" json:"function,omitempty"`
	FunctionArgs   map[string]string `mapstructure:"function_args" json:"function_args,omitempty"`
	TaskType       string            `mapstructure:"task_type" json:"task_type"`
	Priority       int               `mapstructure:"priority" json:"priority"`
	TimeoutSeconds int               `mapstructure:"timeout" json:"timeout"`
}

// SchedulerConfig carries the tick and the statically configured entries
type SchedulerConfig struct {
	TickSeconds int                   `mapstructure:"tick" json:"tick"`
	Entries     []ScheduleEntryConfig `mapstructure:"entries" json:"entries"`
}

func (s SchedulerConfig) Tick() time.Duration { return time.Duration(s.TickSeconds) * time.Second }

// SessionConfig configures session typing and conflict arbitration
type SessionConfig struct {
	Policy                 string `mapstructure:"policy" json:"policy"` // ask | yield | continue
	MonitorIntervalSeconds int    `mapstructure:"monitor_interval" json:"monitor_interval"`
	MaxAgeHours            int    `mapstructure:"max_age_hours" json:"max_age_hours"`
}

func (s SessionConfig) MonitorInterval() time.Duration {
	return time.Duration(s.MonitorIntervalSeconds) * time.Second
}
func (s SessionConfig) MaxAge() time.Duration { return time.Duration(s.MaxAgeHours) * time.Hour }

// LocksConfig configures lock TTL grace and persistence debounce
type LocksConfig struct {
	GraceSeconds           int `mapstructure:"grace_seconds" json:"grace_seconds"`
	DefaultDurationSeconds int `mapstructure:"default_duration_seconds" json:"default_duration_seconds"`
	DebounceMs             int `mapstructure:"debounce_ms" json:"debounce_ms"`
}

func (l LocksConfig) Grace() time.Duration { return time.Duration(l.GraceSeconds) * time.Second }
func (l LocksConfig) DefaultDuration() time.Duration {
	return time.Duration(l.DefaultDurationSeconds) * time.Second
}
func (l LocksConfig) Debounce() time.Duration { return time.Duration(l.DebounceMs) * time.Millisecond }

// SnapshotConfig configures the periodic state snapshotter
type SnapshotConfig struct {
	IntervalSeconds int `mapstructure:"interval" json:"interval"`
}

func (s SnapshotConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// ControlConfig configures the control-channel file poller
type ControlConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval" json:"poll_interval"`
}

func (c ControlConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Load reads configuration from an explicit path, the MAESTRO_CONFIG
// environment variable, or the default search path, in that order.
// A missing file is not an error when no explicit path was given; the
// defaults apply. Environment variables with the MAESTRO_ prefix
// override file values (e.g. MAESTRO_TASK_MANAGER_MAX_PARALLEL_TASKS).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv("MAESTRO_CONFIG")
	}

	explicit := path != ""
	if explicit {
		dir := filepath.Dir(path)
		filename := filepath.Base(path)
		ext := filepath.Ext(filename)

		v.SetConfigName(strings.TrimSuffix(filename, ext))
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		v.AddConfigPath(dir)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("/etc/maestro")
		v.AddConfigPath("$HOME/.maestro")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MAESTRO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	// booleans that default to true need viper-level defaults; a zero
	// value after Unmarshal is indistinguishable from an explicit false
	v.SetDefault("api.enabled", true)
	v.SetDefault("task_manager.check_peers", true)
	v.SetDefault("monitor.adaptive_allocation", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, types.WrapError(types.ErrKindConfig, err, "reading config file")
		}
		// no file anywhere on the search path: run on defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.WrapError(types.ErrKindConfig, err, "decoding config")
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := &Config{}
	cfg.API.Enabled = true
	cfg.Tasks.CheckPeers = true
	cfg.Monitor.AdaptiveAllocation = true
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = "/var/lib/maestro"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:7171"
	}

	t := &cfg.Tasks
	if t.MaxParallelTasks == 0 {
		t.MaxParallelTasks = 5
	}
	if t.TaskTimeoutSeconds == 0 {
		t.TaskTimeoutSeconds = 3600
	}
	if t.DefaultTaskType == "" {
		t.DefaultTaskType = "utility"
	}
	if t.GraceSeconds == 0 {
		t.GraceSeconds = 5
	}
	if t.CompletedRetained == 0 {
		t.CompletedRetained = 100
	}
	if t.DispatchTickMs == 0 {
		t.DispatchTickMs = 100
	}
	if t.TaskTypes == nil {
		t.TaskTypes = map[string]TaskTypeWeights{
			"heavy-render": {MaxInstances: 2, CPUWeight: 4, MemWeight: 4, DiskWeight: 2},
			"simulation":   {MaxInstances: 3, CPUWeight: 3, MemWeight: 2, DiskWeight: 1},
			"analysis":     {MaxInstances: 4, CPUWeight: 2, MemWeight: 2, DiskWeight: 1},
			"utility":      {MaxInstances: 8, CPUWeight: 1, MemWeight: 1, DiskWeight: 1},
		}
	}

	m := &cfg.Monitor
	if m.MonitoringIntervalSeconds == 0 {
		m.MonitoringIntervalSeconds = 5
	}
	if m.AllocationIntervalSeconds == 0 {
		m.AllocationIntervalSeconds = 15
	}
	if m.MaxHistory == 0 {
		m.MaxHistory = 100
	}
	if m.DiskRoot == "" {
		m.DiskRoot = "/"
	}
	if m.Thresholds == nil {
		m.Thresholds = map[string]Bands{}
	}
	if _, ok := m.Thresholds["cpu"]; !ok {
		m.Thresholds["cpu"] = Bands{Low: 50, Medium: 70, High: 85, Critical: 95}
	}
	if _, ok := m.Thresholds["mem"]; !ok {
		m.Thresholds["mem"] = Bands{Low: 50, Medium: 70, High: 85, Critical: 95}
	}
	if _, ok := m.Thresholds["disk"]; !ok {
		m.Thresholds["disk"] = Bands{Low: 60, Medium: 75, High: 90, Critical: 97}
	}

	if cfg.Scheduler.TickSeconds == 0 {
		cfg.Scheduler.TickSeconds = 30
	}

	s := &cfg.Session
	if s.Policy == "" {
		s.Policy = string(types.ConflictPolicyYield)
	}
	if s.MonitorIntervalSeconds == 0 {
		s.MonitorIntervalSeconds = 30
	}
	if s.MaxAgeHours == 0 {
		s.MaxAgeHours = 24
	}

	l := &cfg.Locks
	if l.GraceSeconds == 0 {
		l.GraceSeconds = 30
	}
	if l.DefaultDurationSeconds == 0 {
		l.DefaultDurationSeconds = 60
	}
	if l.DebounceMs == 0 {
		l.DebounceMs = 250
	}

	if cfg.Snapshot.IntervalSeconds == 0 {
		cfg.Snapshot.IntervalSeconds = 30
	}
	if cfg.Control.PollIntervalSeconds == 0 {
		cfg.Control.PollIntervalSeconds = 2
	}
}

// Validate checks field ranges and cross-field consistency. Errors carry
// kind config and name the offending field with the expected shape; the
// daemon refuses to start on them (exit code 2).
func (c *Config) Validate() error {
	if c.Tasks.MaxParallelTasks < 1 {
		return types.NewError(types.ErrKindConfig,
			"task_manager.max_parallel_tasks: got %d, want integer >= 1", c.Tasks.MaxParallelTasks)
	}
	if c.Tasks.TaskTimeoutSeconds < 0 {
		return types.NewError(types.ErrKindConfig,
			"task_manager.task_timeout: got %d, want seconds >= 0 (0 disables the timeout)", c.Tasks.TaskTimeoutSeconds)
	}
	for name, w := range c.Tasks.TaskTypes {
		if w.MaxInstances < 1 {
			return types.NewError(types.ErrKindConfig,
				"task_manager.task_types.%s.max_instances: got %d, want integer >= 1", name, w.MaxInstances)
		}
		if w.CPUWeight <= 0 || w.MemWeight <= 0 || w.DiskWeight <= 0 {
			return types.NewError(types.ErrKindConfig,
				"task_manager.task_types.%s: weights must be positive numbers", name)
		}
	}
	if _, ok := c.Tasks.TaskTypes[c.Tasks.DefaultTaskType]; !ok {
		return types.NewError(types.ErrKindConfig,
			"task_manager.default_task_type: %q is not declared under task_types", c.Tasks.DefaultTaskType)
	}

	if c.Monitor.MonitoringIntervalSeconds < 1 {
		return types.NewError(types.ErrKindConfig,
			"monitor.monitoring_interval: got %d, want seconds >= 1", c.Monitor.MonitoringIntervalSeconds)
	}
	if c.Monitor.AllocationIntervalSeconds < 1 {
		return types.NewError(types.ErrKindConfig,
			"monitor.allocation_interval: got %d, want seconds >= 1", c.Monitor.AllocationIntervalSeconds)
	}
	if c.Monitor.MaxHistory < 1 {
		return types.NewError(types.ErrKindConfig,
			"monitor.max_history: got %d, want integer >= 1", c.Monitor.MaxHistory)
	}
	for metric, b := range c.Monitor.Thresholds {
		if metric != "cpu" && metric != "mem" && metric != "disk" {
			return types.NewError(types.ErrKindConfig,
				"monitor.thresholds.%s: unknown metric, want one of cpu, mem, disk", metric)
		}
		if b.Low < 0 || b.Critical > 100 || !(b.Low < b.Medium && b.Medium < b.High && b.High < b.Critical) {
			return types.NewError(types.ErrKindConfig,
				"monitor.thresholds.%s: want 0 <= low < medium < high < critical <= 100, got {%.0f,%.0f,%.0f,%.0f}",
				metric, b.Low, b.Medium, b.High, b.Critical)
		}
	}

	switch types.ConflictPolicy(c.Session.Policy) {
	case types.ConflictPolicyAsk, types.ConflictPolicyYield, types.ConflictPolicyContinue:
	default:
		return types.NewError(types.ErrKindConfig,
			"session.policy: got %q, want one of ask, yield, continue", c.Session.Policy)
	}

	seen := make(map[string]bool, len(c.Scheduler.Entries))
	for i, e := range c.Scheduler.Entries {
		if e.ID == "" {
			return types.NewError(types.ErrKindConfig,
				"scheduler.entries[%d].id: must be a non-empty unique string", i)
		}
		if seen[e.ID] {
			return types.NewError(types.ErrKindConfig,
				"scheduler.entries[%d].id: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = true
		switch types.ScheduleKind(e.ScheduleKind) {
		case types.ScheduleInterval, types.ScheduleDaily, types.ScheduleWeekly,
			types.ScheduleMonthly, types.ScheduleOnce, types.ScheduleCron:
		default:
			return types.NewError(types.ErrKindConfig,
				"scheduler.entries[%d].schedule_kind: got %q, want one of interval, daily, weekly, monthly, once, cron",
				i, e.ScheduleKind)
		}
	}

	return nil
}
