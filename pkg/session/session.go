package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	ps "github.com/mitchellh/go-ps"
	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/events"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

// Action is the outcome of conflict arbitration for the local session
type Action string

const (
	ActionContinue Action = "continue" // this session holds priority
	ActionYield    Action = "yield"    // a higher-priority peer is active
)

// Decision records one arbitration outcome
type Decision struct {
	Action Action
	Peer   *types.SessionRecord // highest-priority conflicting peer, nil if none
	Reason string
}

// PromptFunc resolves an arbitration when the policy is ask. It runs on
// the caller's goroutine and may block on operator input.
type PromptFunc func(self, peer *types.SessionRecord) Action

// Config holds session registry configuration
type Config struct {
	MonitorInterval time.Duration        // liveness sweep cadence, default 30s
	MaxAge          time.Duration        // records older than this retire, default 24h
	Policy          types.ConflictPolicy // ask | yield | continue
	Prompt          PromptFunc           // consulted when Policy is ask
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MonitorInterval <= 0 {
		out.MonitorInterval = 30 * time.Second
	}
	if out.MaxAge <= 0 {
		out.MaxAge = 24 * time.Hour
	}
	if out.Policy == "" {
		out.Policy = types.ConflictPolicyYield
	}
	return out
}

// registryFile is the sessions.json payload
type registryFile struct {
	Active      map[string]*types.SessionRecord `json:"active_sessions"`
	Completed   map[string]*types.SessionRecord `json:"completed_sessions"`
	LastUpdated time.Time                       `json:"last_updated"`
}

// Registry tracks this process's session alongside peer sessions in a
// shared state file, and arbitrates conflicts between session types.
type Registry struct {
	cfg    Config
	clk    clock.Clock
	dir    *state.Dir
	broker *events.Broker
	log    zerolog.Logger

	pidAlive func(pid int) bool

	mu        sync.Mutex
	current   *types.SessionRecord
	active    map[string]*types.SessionRecord
	completed map[string]*types.SessionRecord

	stopCh chan struct{}
	doneCh chan struct{}
}

// New loads the shared session file, detects the local session type,
// and registers this process. broker may be nil.
func New(cfg Config, clk clock.Clock, dir *state.Dir, det *Detector, broker *events.Broker) (*Registry, error) {
	r := &Registry{
		cfg:       cfg.withDefaults(),
		clk:       clk,
		dir:       dir,
		broker:    broker,
		log:       log.WithComponent("session"),
		pidAlive:  pidAlive,
		active:    make(map[string]*types.SessionRecord),
		completed: make(map[string]*types.SessionRecord),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	var file registryFile
	restored, err := dir.Load(state.SessionsFile, &file)
	if err != nil {
		// corrupt file already archived; start from empty maps
		r.log.Warn().Err(err).Msg("session file reset")
	}
	if restored {
		if file.Active != nil {
			r.active = file.Active
		}
		if file.Completed != nil {
			r.completed = file.Completed
		}
	}

	if det == nil {
		det = NewDetector()
	}
	kind, hints := det.Detect()
	now := clk.Now()
	r.current = &types.SessionRecord{
		ID:         clock.NewID(),
		Type:       kind,
		PID:        det.PID,
		Command:    det.Argv0,
		WorkingDir: det.WorkingDir,
		Hints:      hints,
		StartedAt:  now,
		LastSeenAt: now,
	}
	r.active[r.current.ID] = r.current

	r.retireStale()
	if err := r.Persist(); err != nil {
		return nil, err
	}

	r.log.Info().
		Str("session_id", clock.ShortID(r.current.ID)).
		Str("type", string(kind)).
		Int("pid", det.PID).
		Msg("session registered")
	if broker != nil {
		broker.Publish(&types.Event{
			Type:      types.EventSessionStarted,
			SessionID: r.current.ID,
			Message:   fmt.Sprintf("%s session started (pid %d)", kind, det.PID),
		})
	}
	return r, nil
}

// Current returns this process's session record
func (r *Registry) Current() *types.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.current
	return &cp
}

// Active returns all live session records, oldest first
func (r *Registry) Active() []*types.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedRecords(r.active)
}

// Conflicts returns active peers whose type is in the conflicting set
// for the current session's type.
func (r *Registry) Conflicts() []*types.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.SessionRecord
	for id, rec := range r.active {
		if id == r.current.ID {
			continue
		}
		if r.current.Type.ConflictsWith(rec.Type) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Type.Priority() > out[j].Type.Priority()
	})
	return out
}

// Arbitrate resolves the current session against its conflicting peers:
// the higher priority continues, the lower reacts per the configured
// policy. Called on startup and before lock requests.
func (r *Registry) Arbitrate() Decision {
	conflicts := r.Conflicts()
	if len(conflicts) == 0 {
		return Decision{Action: ActionContinue, Reason: "no conflicting sessions"}
	}

	self := r.Current()
	peer := conflicts[0] // highest priority first
	if self.Type.Priority() > peer.Type.Priority() {
		return r.resolved(Decision{
			Action: ActionContinue,
			Peer:   peer,
			Reason: fmt.Sprintf("%s outranks %s", self.Type, peer.Type),
		})
	}

	switch r.cfg.Policy {
	case types.ConflictPolicyContinue:
		return r.resolved(Decision{
			Action: ActionContinue,
			Peer:   peer,
			Reason: fmt.Sprintf("policy continue despite active %s", peer.Type),
		})
	case types.ConflictPolicyAsk:
		if r.cfg.Prompt != nil {
			act := r.cfg.Prompt(self, peer)
			return r.resolved(Decision{
				Action: act,
				Peer:   peer,
				Reason: fmt.Sprintf("operator chose %s over active %s", act, peer.Type),
			})
		}
		// no prompt wired: fall through to yielding
		fallthrough
	default:
		return r.resolved(Decision{
			Action: ActionYield,
			Peer:   peer,
			Reason: fmt.Sprintf("%s yields to %s", self.Type, peer.Type),
		})
	}
}

func (r *Registry) resolved(d Decision) Decision {
	r.log.Info().
		Str("action", string(d.Action)).
		Str("reason", d.Reason).
		Msg("session conflict arbitrated")
	if r.broker != nil {
		ev := &types.Event{
			Type:      types.EventSessionConflict,
			SessionID: r.current.ID,
			Message:   d.Reason,
			Data:      map[string]string{"action": string(d.Action)},
		}
		if d.Peer != nil {
			ev.Data["peer"] = d.Peer.ID
		}
		r.broker.Publish(ev)
	}
	return d
}

// Start begins the background liveness monitor
func (r *Registry) Start() {
	go r.run()
}

// Stop halts the monitor and retires the current session record
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh

	r.mu.Lock()
	r.completeLocked(r.current.ID)
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		r.log.Error().Err(err).Msg("persisting session file on shutdown")
	}
}

func (r *Registry) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep refreshes the current record's liveness stamp and retires any
// record whose pid is gone or whose age exceeds the cutoff.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current.LastSeenAt = r.clk.Now()
	r.retireStale()
	if err := r.persistLocked(); err != nil {
		r.log.Error().Err(err).Msg("persisting session file")
	}
}

// retireStale moves dead or aged records to completed. Caller holds mu
// (or is still single-threaded in New).
func (r *Registry) retireStale() {
	now := r.clk.Now()
	for id, rec := range r.active {
		if id == r.current.ID {
			continue
		}
		switch {
		case !r.pidAlive(rec.PID):
			r.log.Debug().Str("session_id", clock.ShortID(id)).Int("pid", rec.PID).
				Msg("retiring session: pid gone")
			r.completeLocked(id)
		case now.Sub(rec.StartedAt) > r.cfg.MaxAge:
			r.log.Debug().Str("session_id", clock.ShortID(id)).
				Msg("retiring session: exceeded max age")
			r.completeLocked(id)
		}
	}
}

func (r *Registry) completeLocked(id string) {
	rec, ok := r.active[id]
	if !ok {
		return
	}
	now := r.clk.Now()
	rec.EndedAt = &now
	delete(r.active, id)
	r.completed[id] = rec
}

// Persist writes the shared session file, for the snapshotter
func (r *Registry) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

func (r *Registry) persistLocked() error {
	return r.dir.Save(state.SessionsFile, &registryFile{
		Active:      r.active,
		Completed:   r.completed,
		LastUpdated: r.clk.Now(),
	})
}

func sortedRecords(m map[string]*types.SessionRecord) []*types.SessionRecord {
	out := make([]*types.SessionRecord, 0, len(m))
	for _, rec := range m {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// pidAlive checks the process table for pid
func pidAlive(pid int) bool {
	proc, err := ps.FindProcess(pid)
	return err == nil && proc != nil
}
