package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/metrics"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

// SubmitFunc hands a constructed descriptor to the task manager
type SubmitFunc func(*types.TaskDescriptor) error

// Config holds scheduler configuration
type Config struct {
	Tick time.Duration // ceiling on the evaluation sleep, default 30s
}

// heapItem wraps an entry for the due-time min-heap
type heapItem struct {
	entry *types.ScheduleEntry
	index int
}

type dueHeap []*heapItem

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	return h[i].entry.NextRun.Before(*h[j].entry.NextRun)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x interface{}) {
	it := x.(*heapItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// scheduleFile is the schedule.json payload
type scheduleFile struct {
	Tasks     []*types.ScheduleEntry `json:"tasks"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Scheduler fires scheduled entries into the task manager at their due
// times. Entries live in a map keyed by id with a min-heap over
// next_run; the loop sleeps until the earlier of the tick and the next
// due time, so mutations wake it early instead of being polled.
type Scheduler struct {
	cfg    Config
	clk    clock.Clock
	dir    *state.Dir
	submit SubmitFunc
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[string]*types.ScheduleEntry
	heap    dueHeap
	byID    map[string]*heapItem

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler and restores persisted entries, recomputing
// next_run from last_run. dir may be nil (tests).
func New(cfg Config, clk clock.Clock, dir *state.Dir, submit SubmitFunc) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	s := &Scheduler{
		cfg:     cfg,
		clk:     clk,
		dir:     dir,
		submit:  submit,
		log:     log.WithComponent("scheduler"),
		entries: make(map[string]*types.ScheduleEntry),
		byID:    make(map[string]*heapItem),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.restore()
	return s
}

func (s *Scheduler) restore() {
	if s.dir == nil {
		return
	}
	var file scheduleFile
	restored, err := s.dir.Load(state.ScheduleFile, &file)
	if err != nil {
		s.log.Warn().Err(err).Msg("schedule reset")
	}
	if !restored {
		return
	}

	now := s.clk.Now()
	s.mu.Lock()
	for _, entry := range file.Tasks {
		if entry.Enabled {
			next, err := NextRun(entry.Schedule, entry.LastRun, now)
			if err != nil || next == nil {
				s.log.Warn().Err(err).Str("entry_id", entry.ID).Msg("restored entry disabled")
				entry.Enabled = false
				entry.NextRun = nil
			} else {
				entry.NextRun = next
			}
		} else {
			entry.NextRun = nil
		}
		s.entries[entry.ID] = entry
		s.pushLocked(entry)
	}
	s.mu.Unlock()

	s.log.Info().Int("entries", len(file.Tasks)).Msg("schedule restored")
}

// Add registers a new entry. Duplicate ids are rejected. A one-shot
// whose moment has already passed is created disabled and never fires.
func (s *Scheduler) Add(entry *types.ScheduleEntry) error {
	if entry.ID == "" {
		entry.ID = clock.NewID()
	}
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return types.NewError(types.ErrKindInternal, "schedule entry %s already exists", entry.ID)
	}

	if entry.Enabled {
		next, err := NextRun(entry.Schedule, entry.LastRun, now)
		if err != nil {
			return err
		}
		if next == nil {
			// a once whose moment has passed
			entry.Enabled = false
			entry.NextRun = nil
			s.log.Warn().Str("entry_id", entry.ID).
				Msg("one-shot entry is in the past; created disabled")
		} else {
			entry.NextRun = next
		}
	} else {
		entry.NextRun = nil
	}

	s.entries[entry.ID] = entry
	s.pushLocked(entry)
	s.persistLocked()
	s.wake()

	s.log.Info().
		Str("entry_id", entry.ID).
		Str("schedule", string(entry.Schedule.Kind)).
		Bool("enabled", entry.Enabled).
		Msg("schedule entry added")
	return nil
}

// Remove deletes an entry by id
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return types.NewError(types.ErrKindInternal, "no schedule entry %s", id)
	}
	delete(s.entries, id)
	s.dropLocked(id)
	s.persistLocked()
	s.wake()
	return nil
}

// Enable re-arms a disabled entry from now
func (s *Scheduler) Enable(id string) error {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return types.NewError(types.ErrKindInternal, "no schedule entry %s", id)
	}
	if entry.Enabled {
		return nil
	}
	next, err := NextRun(entry.Schedule, entry.LastRun, now)
	if err != nil {
		return err
	}
	if next == nil {
		return types.NewError(types.ErrKindConfig, "entry %s can never fire again", id)
	}
	entry.Enabled = true
	entry.NextRun = next
	s.dropLocked(id)
	s.pushLocked(entry)
	s.persistLocked()
	s.wake()
	return nil
}

// Disable makes an entry inert without removing it
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return types.NewError(types.ErrKindInternal, "no schedule entry %s", id)
	}
	entry.Enabled = false
	entry.NextRun = nil
	s.dropLocked(id)
	s.persistLocked()
	return nil
}

// Get returns a copy of one entry
func (s *Scheduler) Get(id string) (*types.ScheduleEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	cp := *entry
	return &cp, true
}

// Entries returns copies of all entries, soonest first, disabled last
func (s *Scheduler) Entries() []*types.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.ScheduleEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		cp := *entry
		out = append(out, &cp)
	}
	sortEntries(out)
	return out
}

// Start begins the evaluation loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the loop and persists the entry map
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	for {
		sleep := s.untilNext()
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
			s.Evaluate()
		case <-s.wakeCh:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// untilNext returns min(tick, next_run - now), floored so a due entry
// is picked up promptly without a busy loop.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	sleep := s.cfg.Tick
	if len(s.heap) > 0 {
		until := s.heap[0].entry.NextRun.Sub(s.clk.Now())
		if until < sleep {
			sleep = until
		}
	}
	if sleep < 10*time.Millisecond {
		sleep = 10 * time.Millisecond
	}
	return sleep
}

// Evaluate fires every due entry once and returns how many fired.
// Exposed so tests and the composition root can force a cycle.
func (s *Scheduler) Evaluate() int {
	now := s.clk.Now()

	s.mu.Lock()
	var due []*types.ScheduleEntry
	for len(s.heap) > 0 && !s.heap[0].entry.NextRun.After(now) {
		it := heap.Pop(&s.heap).(*heapItem)
		delete(s.byID, it.entry.ID)
		due = append(due, it.entry)
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.fire(entry, now)
	}

	if len(due) > 0 {
		s.mu.Lock()
		s.persistLocked()
		s.mu.Unlock()
	}
	return len(due)
}

// fire builds a descriptor from the template and submits it, then
// advances the entry. One-shots disable themselves after firing.
func (s *Scheduler) fire(entry *types.ScheduleEntry, now time.Time) {
	desc := entry.Template
	desc.ID = clock.NewID()
	desc.SubmittedAt = now
	desc.Source = "scheduler"

	if err := s.submit(&desc); err != nil {
		s.log.Error().Err(err).
			Str("entry_id", entry.ID).
			Msg("scheduled submission refused")
	} else {
		metrics.ScheduleFired.Inc()
		s.log.Info().
			Str("entry_id", entry.ID).
			Str("task_id", clock.ShortID(desc.ID)).
			Msg("scheduled task fired")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last := now
	entry.LastRun = &last

	if entry.Schedule.Kind == types.ScheduleOnce {
		entry.Enabled = false
		entry.NextRun = nil
		return
	}

	next, err := NextRun(entry.Schedule, entry.LastRun, now)
	if err != nil || next == nil {
		s.log.Warn().Err(err).Str("entry_id", entry.ID).Msg("entry disabled: no further run")
		entry.Enabled = false
		entry.NextRun = nil
		return
	}
	entry.NextRun = next
	s.pushLocked(entry)
}

// Persist snapshots the entry map to schedule.json
func (s *Scheduler) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// persistLocked logs instead of returning; mutation paths never fail on
// a persistence hiccup. Caller holds mu.
func (s *Scheduler) persistLocked() {
	if err := s.saveLocked(); err != nil {
		s.log.Error().Err(err).Msg("persisting schedule")
	}
}

func (s *Scheduler) saveLocked() error {
	if s.dir == nil {
		return nil
	}
	tasks := make([]*types.ScheduleEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		cp := *entry
		tasks = append(tasks, &cp)
	}
	sortEntries(tasks)
	return s.dir.Save(state.ScheduleFile, &scheduleFile{
		Tasks:     tasks,
		UpdatedAt: s.clk.Now(),
	})
}

// pushLocked adds an armed entry to the due heap. Caller holds mu.
func (s *Scheduler) pushLocked(entry *types.ScheduleEntry) {
	if !entry.Enabled || entry.NextRun == nil {
		return
	}
	it := &heapItem{entry: entry}
	heap.Push(&s.heap, it)
	s.byID[entry.ID] = it
}

// dropLocked removes an entry from the due heap. Caller holds mu.
func (s *Scheduler) dropLocked(id string) {
	if it, ok := s.byID[id]; ok {
		heap.Remove(&s.heap, it.index)
		delete(s.byID, id)
	}
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func sortEntries(entries []*types.ScheduleEntry) {
	// armed entries by due time, then disabled, both tie-broken by id
	less := func(a, b *types.ScheduleEntry) bool {
		switch {
		case a.NextRun != nil && b.NextRun != nil && !a.NextRun.Equal(*b.NextRun):
			return a.NextRun.Before(*b.NextRun)
		case (a.NextRun != nil) != (b.NextRun != nil):
			return a.NextRun != nil
		default:
			return a.ID < b.ID
		}
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && less(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
