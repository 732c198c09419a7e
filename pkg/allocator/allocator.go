package allocator

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/events"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/types"
)

// SnapshotSource supplies the latest resource snapshot; pkg/sampler
// implements it.
type SnapshotSource interface {
	Latest() *types.ResourceSnapshot
}

// Bands holds the four thresholds for one metric, ascending
type Bands struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

// Weights is one task type's weight class
type Weights struct {
	MaxInstances int
	CPU          float64
	Mem          float64
	Disk         float64
}

// Config holds allocation controller configuration
type Config struct {
	Interval   time.Duration // default 15s
	MaxHistory int           // default 100
	Adaptive   bool          // clamp step size against the previous strategy
	InitialMax int           // max_concurrent published before the first evaluation

	CPU  Bands
	Mem  Bands
	Disk Bands

	TaskTypes map[string]Weights

	// Quiescent mode: this many emergency strategies inside the window
	// trips the fatal-host response (stop_new until calm).
	QuiescentCount  int           // default 3
	QuiescentWindow time.Duration // default 5m
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 15 * time.Second
	}
	if out.MaxHistory <= 0 {
		out.MaxHistory = 100
	}
	if out.InitialMax <= 0 {
		out.InitialMax = 5
	}
	if out.CPU == (Bands{}) {
		out.CPU = Bands{Low: 50, Medium: 70, High: 85, Critical: 95}
	}
	if out.Mem == (Bands{}) {
		out.Mem = Bands{Low: 50, Medium: 70, High: 85, Critical: 95}
	}
	if out.Disk == (Bands{}) {
		out.Disk = Bands{Low: 60, Medium: 75, High: 90, Critical: 97}
	}
	if out.QuiescentCount <= 0 {
		out.QuiescentCount = 3
	}
	if out.QuiescentWindow <= 0 {
		out.QuiescentWindow = 5 * time.Minute
	}
	return out
}

// Allocator turns resource snapshots into allocation strategies on a
// fixed tick. Exactly one current strategy exists at any moment,
// published by atomic pointer swap; admission reads never block.
type Allocator struct {
	cfg    Config
	source SnapshotSource
	clk    clock.Clock
	broker *events.Broker
	log    zerolog.Logger

	current atomic.Pointer[types.Strategy]

	mu          sync.Mutex
	history     []*types.Strategy
	emergencies []time.Time
	quiescent   bool
	onChange    func(*types.Strategy)

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an allocator and publishes the startup strategy. broker
// may be nil.
func New(cfg Config, source SnapshotSource, clk clock.Clock, broker *events.Broker) *Allocator {
	a := &Allocator{
		cfg:    cfg.withDefaults(),
		source: source,
		clk:    clk,
		broker: broker,
		log:    log.WithComponent("allocator"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	initial := &types.Strategy{
		Kind:          types.StrategyMaintain,
		MaxConcurrent: a.cfg.InitialMax,
		TypeCaps:      a.typeCaps(a.cfg.InitialMax),
		Rationale:     "startup default",
		IssuedAt:      clk.Now(),
	}
	a.current.Store(initial)
	a.history = append(a.history, initial)
	return a
}

// OnChange registers a callback fired once per materially different
// strategy (kind, cap, or per-type caps changed). The callback runs on
// the allocator goroutine and must not block.
func (a *Allocator) OnChange(fn func(*types.Strategy)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

// Current returns the published strategy; never nil
func (a *Allocator) Current() *types.Strategy {
	return a.current.Load()
}

// History returns a copy of recent strategy issuances, oldest first
func (a *Allocator) History() []*types.Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.Strategy, len(a.history))
	copy(out, a.history)
	return out
}

// Quiescent reports whether the fatal-host response is active
func (a *Allocator) Quiescent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quiescent
}

// Start begins the evaluation loop
func (a *Allocator) Start() {
	go a.run()
}

// Stop halts the evaluation loop
func (a *Allocator) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *Allocator) run() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Evaluate()
		case <-a.stopCh:
			return
		}
	}
}

// Evaluate runs one control cycle: read the latest snapshot, decide,
// publish. Exposed so tests and the composition root can force a cycle.
func (a *Allocator) Evaluate() *types.Strategy {
	snap := a.source.Latest()
	if snap == nil {
		// no sample yet; keep the current strategy
		return a.Current()
	}

	prev := a.Current()
	next := a.decide(snap, prev)
	a.publish(next)
	return next
}

// metricBands pairs a snapshot with the per-metric thresholds
type metricReading struct {
	name  string
	value float64 // effective percent (unknown already worst-cased)
	bands Bands
}

func (a *Allocator) readings(snap *types.ResourceSnapshot) [3]metricReading {
	return [3]metricReading{
		{"cpu", types.EffectivePercent(snap.CPUPercent), a.cfg.CPU},
		{"mem", types.EffectivePercent(snap.MemPercent), a.cfg.Mem},
		{"disk", types.EffectivePercent(snap.DiskPercent), a.cfg.Disk},
	}
}

// decide applies the banded decision rule, first match wins:
// critical → emergency_stop, high → scale_down, medium → maintain,
// otherwise scale_up. Adaptive clamps limit the step from prev.
func (a *Allocator) decide(snap *types.ResourceSnapshot, prev *types.Strategy) *types.Strategy {
	reads := a.readings(snap)

	if a.underQuiescence(reads) {
		return a.strategy(types.StrategyStopNew, 0,
			"quiescent: repeated emergency strategies; draining until all metrics below medium")
	}

	// 1. any metric at or above critical
	for _, r := range reads {
		if r.value >= r.bands.Critical {
			return a.strategy(types.StrategyEmergencyStop, 0,
				fmt.Sprintf("%s %.1f%% at or above critical %.0f%%", r.name, r.value, r.bands.Critical))
		}
	}

	// 2. any metric at or above high
	if name, frac, ok := worstAbove(reads, func(b Bands) (float64, float64) { return b.High, b.Critical }); ok {
		base := 2
		if frac < 0.25 {
			// just above the high threshold: one extra slot
			base = 3
		}
		max := base
		if a.cfg.Adaptive && prev != nil && prev.MaxConcurrent-1 > max {
			max = prev.MaxConcurrent - 1
		}
		return a.strategy(types.StrategyScaleDown, max,
			fmt.Sprintf("%s in high band (%.0f%% of the way to critical)", name, frac*100))
	}

	// 3. any metric at or above medium
	if name, frac, ok := worstAbove(reads, func(b Bands) (float64, float64) { return b.Medium, b.High }); ok {
		base := 5
		switch {
		case frac < 1.0/3.0:
			base = 6
		case frac >= 2.0/3.0:
			base = 4
		}
		max := base
		if a.cfg.Adaptive && prev != nil {
			max = clampInt(base, prev.MaxConcurrent-1, prev.MaxConcurrent+1)
		}
		if max < 1 {
			max = 1
		}
		return a.strategy(types.StrategyMaintain, max,
			fmt.Sprintf("%s in medium band (%.0f%% of the way to high)", name, frac*100))
	}

	// 4. all quiet: scale up
	base := 8
	allVeryLow := true
	for _, r := range reads {
		if r.value > r.bands.Low/2 {
			allVeryLow = false
			break
		}
	}
	if allVeryLow {
		base = 10
	}
	max := base
	if a.cfg.Adaptive && prev != nil && max > prev.MaxConcurrent+2 {
		max = prev.MaxConcurrent + 2
	}
	if max < 1 {
		max = 1
	}
	return a.strategy(types.StrategyScaleUp, max, "all metrics below medium")
}

// worstAbove finds the reading furthest into [lower, upper) among those
// at or past lower; frac is its normalized position in that band.
func worstAbove(reads [3]metricReading, band func(Bands) (float64, float64)) (string, float64, bool) {
	worstName := ""
	worstFrac := -1.0
	for _, r := range reads {
		lower, upper := band(r.bands)
		if r.value < lower {
			continue
		}
		span := upper - lower
		frac := 1.0
		if span > 0 {
			frac = (r.value - lower) / span
			if frac > 1 {
				frac = 1
			}
		}
		if frac > worstFrac {
			worstFrac = frac
			worstName = r.name
		}
	}
	return worstName, worstFrac, worstFrac >= 0
}

// underQuiescence updates and reads the fatal-host state. Entry is
// recorded by publish; exit happens here once every metric has dropped
// below medium.
func (a *Allocator) underQuiescence(reads [3]metricReading) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.quiescent {
		return false
	}
	for _, r := range reads {
		if r.value >= r.bands.Medium {
			return true
		}
	}
	a.quiescent = false
	a.emergencies = nil
	a.log.Info().Msg("quiescent mode cleared; all metrics below medium")
	if a.broker != nil {
		a.broker.Emit(types.EventQuiescentCleared, "quiescent mode cleared")
	}
	return false
}

func (a *Allocator) strategy(kind types.StrategyKind, max int, rationale string) *types.Strategy {
	return &types.Strategy{
		Kind:          kind,
		MaxConcurrent: max,
		TypeCaps:      a.typeCaps(max),
		Rationale:     rationale,
		IssuedAt:      a.clk.Now(),
	}
}

// typeCaps derives per-type caps from the weight table. heavy-render is
// special-cased to a quarter of the concurrency budget; other types get
// max/avgWeight. Caps never exceed max_concurrent or the configured
// per-type max_instances, and never drop below 1 while tasks may run.
func (a *Allocator) typeCaps(max int) map[string]int {
	caps := make(map[string]int, len(a.cfg.TaskTypes))
	for name, w := range a.cfg.TaskTypes {
		if max <= 0 {
			caps[name] = 0
			continue
		}
		var limit int
		if name == "heavy-render" {
			limit = int(math.Round(float64(max) / 4))
		} else {
			avg := (w.CPU + w.Mem + w.Disk) / 3
			if avg <= 0 {
				avg = 1
			}
			limit = int(math.Round(float64(max) / avg))
		}
		if limit < 1 {
			limit = 1
		}
		if limit > max {
			limit = max
		}
		if w.MaxInstances > 0 && limit > w.MaxInstances {
			limit = w.MaxInstances
		}
		caps[name] = limit
	}
	return caps
}

// publish swaps the current strategy, appends history, tracks the
// emergency window, and notifies on material change.
func (a *Allocator) publish(next *types.Strategy) {
	prev := a.current.Load()
	a.current.Store(next)

	a.mu.Lock()
	a.history = append(a.history, next)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}

	enteredQuiescence := false
	if next.Kind == types.StrategyEmergencyStop {
		now := a.clk.Now()
		a.emergencies = append(a.emergencies, now)
		cutoff := now.Add(-a.cfg.QuiescentWindow)
		kept := a.emergencies[:0]
		for _, t := range a.emergencies {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		a.emergencies = kept
		if !a.quiescent && len(a.emergencies) >= a.cfg.QuiescentCount {
			a.quiescent = true
			enteredQuiescence = true
		}
	}
	onChange := a.onChange
	a.mu.Unlock()

	changed := prev == nil || !next.Equivalent(prev)
	if changed {
		a.log.Info().
			Str("kind", string(next.Kind)).
			Int("max_concurrent", next.MaxConcurrent).
			Str("rationale", next.Rationale).
			Msg("strategy changed")
		if onChange != nil {
			onChange(next)
		}
		if a.broker != nil {
			a.broker.Publish(&types.Event{
				Type:    types.EventStrategyChanged,
				Message: fmt.Sprintf("%s (max %d): %s", next.Kind, next.MaxConcurrent, next.Rationale),
				Data: map[string]string{
					"kind":           string(next.Kind),
					"max_concurrent": fmt.Sprintf("%d", next.MaxConcurrent),
				},
			})
		}
	}

	if enteredQuiescence {
		a.log.Error().
			Int("emergencies", a.cfg.QuiescentCount).
			Dur("window", a.cfg.QuiescentWindow).
			Msg("entering quiescent mode: refusing new tasks until metrics calm")
		if a.broker != nil {
			a.broker.Emit(types.EventQuiescentEntered,
				"repeated emergency strategies; refusing new tasks until all metrics drop below medium")
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
