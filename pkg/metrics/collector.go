package metrics

import (
	"time"

	"github.com/maestrod/maestro/pkg/types"
)

// Sources are the component surfaces the collector polls. Each field is
// optional; a nil source simply leaves its gauges untouched.
type Sources struct {
	Strategy interface {
		Current() *types.Strategy
	}
	Resources interface {
		Latest() *types.ResourceSnapshot
	}
	Tasks interface {
		TaskCounts() map[types.TaskStatus]int
		QueueDepth() int
		DeferredCounts() map[string]int
	}
	Locks interface {
		Locks() []*types.LockEntry
	}
	Sessions interface {
		Active() []*types.SessionRecord
	}
	Schedule interface {
		Entries() []*types.ScheduleEntry
	}
}

var strategyKinds = []types.StrategyKind{
	types.StrategyScaleUp,
	types.StrategyMaintain,
	types.StrategyScaleDown,
	types.StrategyStopNew,
	types.StrategyEmergencyStop,
}

// Collector periodically copies component state into the prometheus
// gauges. Counters and histograms are incremented at their sources; the
// collector only handles point-in-time values.
type Collector struct {
	sources Sources
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(sources Sources) *Collector {
	return &Collector{
		sources: sources,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectStrategy()
	c.collectResources()
	c.collectTasks()
	c.collectLocks()
	c.collectSessions()
	c.collectSchedule()
}

func (c *Collector) collectStrategy() {
	if c.sources.Strategy == nil {
		return
	}
	current := c.sources.Strategy.Current()
	if current == nil {
		return
	}
	for _, kind := range strategyKinds {
		v := 0.0
		if kind == current.Kind {
			v = 1
		}
		StrategyKind.WithLabelValues(string(kind)).Set(v)
	}
	StrategyMaxConcurrent.Set(float64(current.MaxConcurrent))
}

func (c *Collector) collectResources() {
	if c.sources.Resources == nil {
		return
	}
	snap := c.sources.Resources.Latest()
	if snap == nil {
		return
	}
	ResourcePercent.WithLabelValues("cpu").Set(snap.CPUPercent)
	ResourcePercent.WithLabelValues("mem").Set(snap.MemPercent)
	ResourcePercent.WithLabelValues("disk").Set(snap.DiskPercent)
}

func (c *Collector) collectTasks() {
	if c.sources.Tasks == nil {
		return
	}
	counts := c.sources.Tasks.TaskCounts()
	for status, count := range counts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	TasksRunning.Set(float64(counts[types.TaskStatusRunning]))
	QueueDepth.Set(float64(c.sources.Tasks.QueueDepth()))
	for taskType, count := range c.sources.Tasks.DeferredCounts() {
		TasksDeferred.WithLabelValues(taskType).Set(float64(count))
	}
}

func (c *Collector) collectLocks() {
	if c.sources.Locks == nil {
		return
	}
	byMode := map[types.LockMode]int{types.LockModeRead: 0, types.LockModeWrite: 0}
	for _, entry := range c.sources.Locks.Locks() {
		byMode[entry.Mode]++
	}
	for mode, count := range byMode {
		LocksHeld.WithLabelValues(string(mode)).Set(float64(count))
	}
}

func (c *Collector) collectSessions() {
	if c.sources.Sessions == nil {
		return
	}
	byType := make(map[types.SessionType]int)
	for _, rec := range c.sources.Sessions.Active() {
		byType[rec.Type]++
	}
	for _, t := range []types.SessionType{
		types.SessionTerminal, types.SessionGUIWorkflow, types.SessionEditorAgent,
		types.SessionManualScript, types.SessionUnknown,
	} {
		SessionsActive.WithLabelValues(string(t)).Set(float64(byType[t]))
	}
}

func (c *Collector) collectSchedule() {
	if c.sources.Schedule == nil {
		return
	}
	ScheduleEntries.Set(float64(len(c.sources.Schedule.Entries())))
}
