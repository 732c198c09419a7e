/*
Package config loads and validates Maestro's configuration.

Configuration is a single human-edited JSON file resolved from (in order)
an explicit --config path, the MAESTRO_CONFIG environment variable, or
the default search path /etc/maestro, $HOME/.maestro, and the working
directory. Any field can be overridden through the environment with the
MAESTRO_ prefix and underscores for nesting, e.g.

	MAESTRO_TASK_MANAGER_MAX_PARALLEL_TASKS=8
	MAESTRO_MONITOR_ALLOCATION_INTERVAL=10
	MAESTRO_LOG_LEVEL=debug

A missing file is fine — defaults apply — but a present-and-broken file
is a refusal to start: Load returns a types.Error with kind config naming
the offending field and the expected shape, and the daemon exits with
code 2.

# Configuration Groups

	state_dir     root for the versioned v1/ state layout and control/ dir
	log           level, json, optional rotated file output
	api           local HTTP status surface (enabled, listen address)
	task_manager  max_parallel_tasks, task_timeout, task_types weights,
	              default_task_type, check_peers, cancel grace
	monitor       monitoring_interval, allocation_interval, max_history,
	              four threshold bands per metric, adaptive_allocation
	scheduler     tick plus statically configured schedule entries
	session       conflict policy (ask|yield|continue), monitor cadence
	locks         TTL grace, zero-duration default, persistence debounce
	snapshot      periodic snapshot interval
	control       control-channel poll interval

Interval-like fields are plain integers in the file (seconds, except
dispatch_tick_ms and debounce_ms); typed accessors such as
Tasks.TaskTimeout() return time.Duration.

# Example

	{
	  "state_dir": "/var/lib/maestro",
	  "log": {"level": "info", "json": true},
	  "task_manager": {
	    "max_parallel_tasks": 5,
	    "task_timeout": 3600,
	    "default_task_type": "utility",
	    "task_types": {
	      "heavy-render": {"max_instances": 2, "cpu_weight": 4, "mem_weight": 4, "disk_weight": 2},
	      "utility":      {"max_instances": 8, "cpu_weight": 1, "mem_weight": 1, "disk_weight": 1}
	    }
	  },
	  "monitor": {
	    "monitoring_interval": 5,
	    "allocation_interval": 15,
	    "thresholds": {
	      "cpu": {"low": 50, "medium": 70, "high": 85, "critical": 95}
	    }
	  },
	  "scheduler": {
	    "entries": [
	      {
	        "id": "nightly-report",
	        "schedule_kind": "daily",
	        "schedule_params": {"time_of_day": "02:30"},
	        "template": {"kind": "script", "path": "report.py", "task_type": "analysis", "priority": 5},
	        "enabled": true
	      }
	    ]
	  }
	}

Credential-like environment values are read but never logged.
*/
package config
