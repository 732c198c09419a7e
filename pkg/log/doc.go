/*
Package log provides structured logging for Maestro using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, optional rotated
file output, and helper functions for common logging patterns. All logs
include timestamps and support filtering by severity level.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Thread-safe concurrent writes

Configuration:
  - Level: debug/info/warn/error threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (default stdout)
  - File: rotated file output via lumberjack (size/backups/age caps);
    when both Output and File.Path are set, logs tee to both

Context Loggers:
  - WithComponent: add component name to all logs
  - WithTaskID / WithWorkflowID / WithSessionID: add id context

# Usage

Initializing the logger:

	// console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

	// JSON + rotated file (daemon)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		File:       log.FileConfig{Path: "/var/log/maestro/maestro.log"},
	})

Component loggers:

	dispatchLog := log.WithComponent("manager")
	dispatchLog.Info().
		Str("task_id", task.Descriptor.ID).
		Int("priority", task.Descriptor.Priority).
		Msg("task started")

	lockLog := log.WithComponent("locks")
	lockLog.Warn().
		Str("path", path).
		Str("holder", holder).
		Msg("stale lock reclaimed")

# Security

Credential-like environment values (tokens, keys, passwords) are read by
the config layer but never logged. Use typed fields (.Str, .Int, .Err)
rather than interpolating user-controlled strings into messages.

# Integration Points

Every long-lived component (sampler, allocator, manager, scheduler,
session monitor, lock registry, snapshotter, control poller, API server)
creates its own child logger via WithComponent at construction time.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Lumberjack rotation: https://gopkg.in/natefinch/lumberjack.v2
*/
package log
