package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_tasks_total",
			Help: "Number of tracked tasks by status",
		},
		[]string{"status"},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_tasks_running",
			Help: "Number of currently running tasks",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_queue_depth",
			Help: "Number of queued task descriptors",
		},
	)

	TasksDeferred = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_tasks_deferred",
			Help: "Number of descriptors parked by per-type cap, by task type",
		},
		[]string{"task_type"},
	)

	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_tasks_submitted_total",
			Help: "Total task descriptors accepted for dispatch",
		},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_tasks_finished_total",
			Help: "Total tasks reaching a terminal status, by status",
		},
		[]string{"status"},
	)

	AdmissionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_admissions_rejected_total",
			Help: "Descriptors pushed back because the strategy flipped mid-dispatch",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maestro_dispatch_latency_seconds",
			Help:    "Time from submission to launch",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_task_duration_seconds",
			Help:    "Wall time from launch to terminal status, by task type",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"task_type"},
	)

	// Allocation metrics
	StrategyKind = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_strategy_kind",
			Help: "Current allocation strategy (1 for the active kind, 0 otherwise)",
		},
		[]string{"kind"},
	)

	StrategyMaxConcurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_strategy_max_concurrent",
			Help: "Concurrency cap of the current strategy",
		},
	)

	ResourcePercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_resource_percent",
			Help: "Latest sampled host resource usage by metric (-1 when unknown)",
		},
		[]string{"metric"},
	)

	// Lock metrics
	LocksHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_locks_held",
			Help: "Live file locks by mode",
		},
		[]string{"mode"},
	)

	LockPreemptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_lock_preemptions_total",
			Help: "Locks forcibly taken by a higher-priority workflow",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_sessions_active",
			Help: "Live sessions by type",
		},
		[]string{"type"},
	)

	// Scheduler metrics
	ScheduleEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_schedule_entries",
			Help: "Scheduled entries currently registered",
		},
	)

	ScheduleFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_schedule_fired_total",
			Help: "Scheduled entries fired into the task manager",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksRunning)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksDeferred)
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(AdmissionsRejected)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(StrategyKind)
	prometheus.MustRegister(StrategyMaxConcurrent)
	prometheus.MustRegister(ResourcePercent)
	prometheus.MustRegister(LocksHeld)
	prometheus.MustRegister(LockPreemptions)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(ScheduleEntries)
	prometheus.MustRegister(ScheduleFired)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
