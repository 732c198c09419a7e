package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maestrod/maestro/pkg/allocator"
	"github.com/maestrod/maestro/pkg/api"
	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/config"
	"github.com/maestrod/maestro/pkg/control"
	"github.com/maestrod/maestro/pkg/events"
	"github.com/maestrod/maestro/pkg/locks"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/manager"
	"github.com/maestrod/maestro/pkg/metrics"
	"github.com/maestrod/maestro/pkg/sampler"
	"github.com/maestrod/maestro/pkg/scheduler"
	"github.com/maestrod/maestro/pkg/session"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
	"github.com/maestrod/maestro/pkg/worker"
	"github.com/maestrod/maestro/pkg/workflow"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestrator daemon",
	Long: `Run the Maestro daemon in the foreground.

The daemon restores persisted state, starts the resource sampler, the
allocation controller, the task manager, the scheduler, and the control
surfaces, then runs until SIGINT or SIGTERM. A second instance against
the same state directory refuses to start.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("config", "", "Config file path (default: MAESTRO_CONFIG or the search path)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		File: log.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		},
	})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("version", Version).
		Str("state_dir", cfg.StateDir).
		Msg("starting")

	clk := clock.NewSystem()
	dir, err := state.New(cfg.StateDir, clk)
	if err != nil {
		return err
	}

	pidfile := session.NewPidfile(filepath.Join(cfg.StateDir, "maestro.pid"))
	if err := pidfile.Acquire(); err != nil {
		return err
	}
	defer pidfile.Release()

	broker := events.NewBroker()
	broker.Start()

	smp := sampler.New(sampler.Config{
		Interval:     cfg.Monitor.MonitoringInterval(),
		DiskRoot:     cfg.Monitor.DiskRoot,
		MaxHistory:   cfg.Monitor.MaxHistory,
		TopProcesses: cfg.Monitor.TopProcesses,
	}, clk, dir)
	if err := smp.Restore(); err != nil {
		logger.Warn().Err(err).Msg("resource history not restored")
	}
	smp.Start()

	alloc := allocator.New(allocator.Config{
		Interval:   cfg.Monitor.AllocationInterval(),
		MaxHistory: cfg.Monitor.MaxHistory,
		Adaptive:   cfg.Monitor.AdaptiveAllocation,
		InitialMax: cfg.Tasks.MaxParallelTasks,
		CPU:        bands(cfg.Monitor.Thresholds["cpu"]),
		Mem:        bands(cfg.Monitor.Thresholds["mem"]),
		Disk:       bands(cfg.Monitor.Thresholds["disk"]),
		TaskTypes:  weights(cfg.Tasks.TaskTypes),
	}, smp, clk, broker)
	alloc.Start()

	sessions, err := session.New(session.Config{
		MonitorInterval: cfg.Session.MonitorInterval(),
		MaxAge:          cfg.Session.MaxAge(),
		Policy:          types.ConflictPolicy(cfg.Session.Policy),
	}, clk, dir, session.NewDetector(), broker)
	if err != nil {
		return err
	}
	sessions.Start()

	// losing a session arbitration closes admission for locks and tasks
	gate := func() bool {
		return sessions.Arbitrate().Action == session.ActionContinue
	}

	lockReg := locks.New(locks.Config{
		Grace:           cfg.Locks.Grace(),
		DefaultDuration: cfg.Locks.DefaultDuration(),
		Debounce:        cfg.Locks.Debounce(),
		Gate:            gate,
	}, clk, dir, broker)

	wf := workflow.New(clk, dir, broker)

	exec := worker.NewExecutor(worker.Config{Grace: cfg.Tasks.Grace()}, nil)

	mgr := manager.New(manager.Config{
		MaxParallel:       cfg.Tasks.MaxParallelTasks,
		DefaultTaskType:   cfg.Tasks.DefaultTaskType,
		DefaultTimeout:    cfg.Tasks.TaskTimeout(),
		Grace:             cfg.Tasks.Grace(),
		CompletedRetained: cfg.Tasks.CompletedRetained,
		DispatchTick:      cfg.Tasks.DispatchTick(),
		CheckPeers:        cfg.Tasks.CheckPeers,
		Gate:              gate,
	}, clk, dir, alloc, exec, broker)
	mgr.Start()

	sched := scheduler.New(scheduler.Config{Tick: cfg.Scheduler.Tick()}, clk, dir, mgr.Submit)
	for _, ec := range cfg.Scheduler.Entries {
		entry, err := ec.Entry()
		if err != nil {
			return err
		}
		// entries restored from the schedule file win over config copies
		if err := sched.Add(entry); err != nil {
			logger.Debug().Str("schedule_id", entry.ID).Err(err).Msg("config entry skipped")
		}
	}
	sched.Start()

	ctl := control.New(control.Config{PollInterval: cfg.Control.PollInterval()},
		clk, dir, wf, mgr.Submit, broker)
	ctl.Start()

	collector := metrics.NewCollector(metrics.Sources{
		Strategy:  alloc,
		Resources: smp,
		Tasks:     mgr,
		Locks:     lockReg,
		Sessions:  sessions,
		Schedule:  sched,
	})
	collector.Start()

	snap := state.NewSnapshotter(cfg.Snapshot.Interval())
	snap.Register("tasks", mgr.Persist)
	snap.Register("schedule", sched.Persist)
	snap.Register("workflow", wf.Persist)
	snap.Register("locks", lockReg.Flush)
	snap.Register("sessions", sessions.Persist)
	snap.Register("resources", smp.Persist)
	snap.Start()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Deps{
			Manager:   mgr,
			Scheduler: sched,
			Workflow:  wf,
			Locks:     lockReg,
			Sessions:  sessions,
			Sampler:   smp,
			Dir:       dir,
			Version:   Version,
		})
		if err := apiServer.Start(cfg.API.Listen); err != nil {
			snap.Stop()
			return err
		}
	}

	logger.Info().Msg("daemon running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// intake surfaces first, then the engine, then the final snapshot
	if apiServer != nil {
		apiServer.Stop()
	}
	ctl.Stop()
	sched.Stop()
	mgr.Stop()
	collector.Stop()
	alloc.Stop()
	sessions.Stop()
	smp.Stop()
	snap.Stop()
	broker.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}

func bands(b config.Bands) allocator.Bands {
	return allocator.Bands{Low: b.Low, Medium: b.Medium, High: b.High, Critical: b.Critical}
}

func weights(classes map[string]config.TaskTypeWeights) map[string]allocator.Weights {
	out := make(map[string]allocator.Weights, len(classes))
	for name, w := range classes {
		out[name] = allocator.Weights{
			MaxInstances: w.MaxInstances,
			CPU:          w.CPUWeight,
			Mem:          w.MemWeight,
			Disk:         w.DiskWeight,
		}
	}
	return out
}
