package locks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/events"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/metrics"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

// preemptionMargin is how far a requester's workflow priority must
// exceed the holder's before the holder is evicted.
const preemptionMargin = 2

// PeerGate is consulted before every lock request; returning false
// means this process must yield to a conflicting session and the
// request is refused. Wired to session arbitration by the daemon.
type PeerGate func() bool

// Config holds lock registry configuration
type Config struct {
	Grace           time.Duration // added to expected duration before a lock is stale, default 30s
	DefaultDuration time.Duration // used when a request declares no duration, default 60s
	Debounce        time.Duration // persistence coalescing window, default 250ms
	Gate            PeerGate      // optional session arbitration hook
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Grace <= 0 {
		out.Grace = 30 * time.Second
	}
	if out.DefaultDuration <= 0 {
		out.DefaultDuration = 60 * time.Second
	}
	if out.Debounce <= 0 {
		out.Debounce = 250 * time.Millisecond
	}
	return out
}

// registryFile is the locks.json payload
type registryFile struct {
	FileLocks   map[string]*types.LockEntry        `json:"file_locks"`
	Workflows   map[string]*types.WorkflowLockInfo `json:"workflows"`
	LastUpdated time.Time                          `json:"last_updated"`
}

// Registry arbitrates file access between workflow roles. Reads share,
// writes exclude, entries expire past their declared duration, and a
// sufficiently senior workflow can preempt a holder. One mutex
// serializes every operation; persistence is debounced and performed
// off the mutex.
type Registry struct {
	cfg    Config
	clk    clock.Clock
	dir    *state.Dir
	broker *events.Broker
	log    zerolog.Logger
	pid    int

	mu        sync.Mutex
	locks     map[string]*types.LockEntry
	workflows map[string]*types.WorkflowLockInfo
	pending   bool
	timer     *time.Timer
}

// New loads locks.json and returns the registry. A corrupt file has
// already been archived by the state layer; the registry starts empty.
func New(cfg Config, clk clock.Clock, dir *state.Dir, broker *events.Broker) *Registry {
	r := &Registry{
		cfg:       cfg.withDefaults(),
		clk:       clk,
		dir:       dir,
		broker:    broker,
		log:       log.WithComponent("locks"),
		pid:       os.Getpid(),
		locks:     make(map[string]*types.LockEntry),
		workflows: make(map[string]*types.WorkflowLockInfo),
	}

	var file registryFile
	restored, err := dir.Load(state.LocksFile, &file)
	if err != nil {
		r.log.Warn().Err(err).Msg("lock registry reset")
	}
	if restored {
		if file.FileLocks != nil {
			r.locks = file.FileLocks
		}
		if file.Workflows != nil {
			r.workflows = file.Workflows
		}
		r.log.Info().Int("locks", len(r.locks)).Msg("lock registry restored")
	}
	return r
}

// Canonical returns the registry key for a path
func Canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// RegisterWorkflow records a workflow's lock priority. Requests naming
// an unregistered workflow arbitrate at priority 0.
func (r *Registry) RegisterWorkflow(id string, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.workflows[id]; ok {
		info.Priority = priority
	} else {
		r.workflows[id] = &types.WorkflowLockInfo{Priority: priority}
	}
	r.markDirty()
}

// RollbackRequired reports whether a workflow lost a lock to preemption
// and must roll back before continuing.
func (r *Registry) RollbackRequired(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.workflows[id]
	return ok && info.Rollback
}

// Request attempts to take the lock on path for role. Shared when both
// sides read, reentrant for the existing exclusive holder, and
// preempted when the requester's workflow outranks the holder's by
// more than the margin. Returns false when the caller must back off.
func (r *Registry) Request(path, role string, mode types.LockMode, expected time.Duration, workflowID string) bool {
	if r.cfg.Gate != nil && !r.cfg.Gate() {
		r.log.Info().Str("path", path).Str("role", role).
			Msg("lock refused: yielding to conflicting session")
		return false
	}

	key := Canonical(path)
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.locks[key]
	if ok && r.staleLocked(entry, now) {
		r.dropLocked(key, "expired")
		entry, ok = nil, false
	}

	if !ok {
		r.locks[key] = &types.LockEntry{
			Path:            key,
			Mode:            mode,
			Holders:         []string{role},
			WorkflowID:      workflowID,
			AcquiredAt:      now,
			ExpectedSeconds: int64(r.effective(expected) / time.Second),
			PID:             r.pid,
		}
		r.markDirty()
		return true
	}

	// shared readers
	if entry.Mode == types.LockModeRead && mode == types.LockModeRead {
		if !entry.HeldBy(role) {
			entry.Holders = append(entry.Holders, role)
		}
		r.markDirty()
		return true
	}

	// reentrant writer: same role extends its own exclusive hold
	if entry.Mode == types.LockModeWrite && mode == types.LockModeWrite && entry.HeldBy(role) {
		if secs := int64(r.effective(expected) / time.Second); secs > entry.ExpectedSeconds {
			entry.ExpectedSeconds = secs
		}
		entry.AcquiredAt = now
		r.markDirty()
		return true
	}

	// priority preemption
	if r.priorityLocked(workflowID) > r.priorityLocked(entry.WorkflowID)+preemptionMargin {
		r.preemptLocked(key, entry, role, mode, expected, workflowID, now)
		return true
	}

	r.log.Debug().
		Str("path", key).
		Str("role", role).
		Str("held_by", fmt.Sprintf("%v", entry.Holders)).
		Msg("lock request denied")
	return false
}

// Release gives up role's hold on path. Read locks shed one holder and
// vanish when none remain; write locks require the matching holder.
// A non-owning release is a no-op returning false.
func (r *Registry) Release(path, role string) bool {
	key := Canonical(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.locks[key]
	if !ok || !entry.HeldBy(role) {
		return false
	}

	if entry.Mode == types.LockModeRead {
		kept := entry.Holders[:0]
		for _, h := range entry.Holders {
			if h != role {
				kept = append(kept, h)
			}
		}
		entry.Holders = kept
		if len(entry.Holders) == 0 {
			delete(r.locks, key)
		}
	} else {
		delete(r.locks, key)
	}
	r.markDirty()
	return true
}

// Sweep drops every expired entry and returns how many were removed
func (r *Registry) Sweep() int {
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	swept := 0
	for key, entry := range r.locks {
		if r.staleLocked(entry, now) {
			r.dropLocked(key, "expired")
			swept++
		}
	}
	if swept > 0 {
		r.markDirty()
	}
	return swept
}

// CompleteWorkflow releases every lock owned by the workflow and clears
// its registration. Returns how many locks were released.
func (r *Registry) CompleteWorkflow(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for key, entry := range r.locks {
		if entry.WorkflowID == id {
			delete(r.locks, key)
			released++
		}
	}
	delete(r.workflows, id)
	r.markDirty()
	return released
}

// Locks returns a copy of all current entries, ordered by path
func (r *Registry) Locks() []*types.LockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.LockEntry, 0, len(r.locks))
	for _, entry := range r.locks {
		cp := *entry
		cp.Holders = append([]string(nil), entry.Holders...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Held reports whether any live entry covers path
func (r *Registry) Held(path string) bool {
	key := Canonical(path)
	now := r.clk.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.locks[key]
	return ok && !r.staleLocked(entry, now)
}

// Flush synchronously persists the registry, cancelling any pending
// debounce. Called on shutdown and by the snapshotter.
func (r *Registry) Flush() error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = false
	file := r.fileLocked()
	r.mu.Unlock()

	return r.dir.Save(state.LocksFile, file)
}

func (r *Registry) effective(expected time.Duration) time.Duration {
	if expected <= 0 {
		return r.cfg.DefaultDuration
	}
	return expected
}

func (r *Registry) staleLocked(entry *types.LockEntry, now time.Time) bool {
	ttl := entry.ExpectedDuration()
	if ttl <= 0 {
		ttl = r.cfg.DefaultDuration
	}
	return now.After(entry.AcquiredAt.Add(ttl + r.cfg.Grace))
}

func (r *Registry) dropLocked(key, reason string) {
	entry := r.locks[key]
	delete(r.locks, key)
	r.log.Warn().
		Str("path", key).
		Str("reason", reason).
		Strs("holders", entry.Holders).
		Msg("stale lock removed")
	if r.broker != nil {
		r.broker.Publish(&types.Event{
			Type:       types.EventLockSwept,
			Path:       key,
			WorkflowID: entry.WorkflowID,
			Message:    fmt.Sprintf("stale lock on %s removed (%s)", key, reason),
		})
	}
}

func (r *Registry) priorityLocked(workflowID string) int {
	if workflowID == "" {
		return 0
	}
	if info, ok := r.workflows[workflowID]; ok {
		return info.Priority
	}
	return 0
}

func (r *Registry) preemptLocked(key string, old *types.LockEntry, role string, mode types.LockMode, expected time.Duration, workflowID string, now time.Time) {
	if old.WorkflowID != "" {
		if info, ok := r.workflows[old.WorkflowID]; ok {
			info.Rollback = true
		} else {
			r.workflows[old.WorkflowID] = &types.WorkflowLockInfo{Rollback: true}
		}
	}

	metrics.LockPreemptions.Inc()
	r.log.Warn().
		Str("path", key).
		Str("evicted_workflow", old.WorkflowID).
		Str("winning_workflow", workflowID).
		Msg("lock preempted by higher-priority workflow")
	if r.broker != nil {
		r.broker.Publish(&types.Event{
			Type:       types.EventLockPreempted,
			Path:       key,
			WorkflowID: old.WorkflowID,
			Message: fmt.Sprintf("lock on %s preempted: workflow %s outranks %s",
				key, workflowID, old.WorkflowID),
		})
	}

	r.locks[key] = &types.LockEntry{
		Path:            key,
		Mode:            mode,
		Holders:         []string{role},
		WorkflowID:      workflowID,
		AcquiredAt:      now,
		ExpectedSeconds: int64(r.effective(expected) / time.Second),
		PID:             r.pid,
	}
	r.markDirty()
}

// markDirty schedules a debounced persist. Caller holds mu.
func (r *Registry) markDirty() {
	if r.pending {
		return
	}
	r.pending = true
	r.timer = time.AfterFunc(r.cfg.Debounce, r.persistNow)
}

// persistNow copies the maps under the mutex and writes outside it
func (r *Registry) persistNow() {
	r.mu.Lock()
	r.pending = false
	r.timer = nil
	file := r.fileLocked()
	r.mu.Unlock()

	if err := r.dir.Save(state.LocksFile, file); err != nil {
		r.log.Error().Err(err).Msg("persisting lock registry")
	}
}

func (r *Registry) fileLocked() *registryFile {
	locks := make(map[string]*types.LockEntry, len(r.locks))
	for k, v := range r.locks {
		cp := *v
		cp.Holders = append([]string(nil), v.Holders...)
		locks[k] = &cp
	}
	wfs := make(map[string]*types.WorkflowLockInfo, len(r.workflows))
	for k, v := range r.workflows {
		cp := *v
		wfs[k] = &cp
	}
	return &registryFile{
		FileLocks:   locks,
		Workflows:   wfs,
		LastUpdated: r.clk.Now(),
	}
}
