package state

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/log"
)

// SnapshotFunc persists one component's state; registered by the owner
type SnapshotFunc func() error

type target struct {
	name string
	fn   SnapshotFunc
}

// Snapshotter periodically persists every registered store and runs a
// final pass on shutdown. Individual failures are aggregated and logged;
// one broken store never blocks the others.
type Snapshotter struct {
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	targets []target

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSnapshotter creates a snapshotter with the given cadence
func NewSnapshotter(interval time.Duration) *Snapshotter {
	return &Snapshotter{
		interval: interval,
		log:      log.WithComponent("snapshotter"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register adds a named store to the snapshot set
func (s *Snapshotter) Register(name string, fn SnapshotFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target{name: name, fn: fn})
}

// Start begins the periodic snapshot loop
func (s *Snapshotter) Start() {
	go s.run()
}

// Stop halts the loop and takes one final snapshot
func (s *Snapshotter) Stop() {
	close(s.stopCh)
	<-s.doneCh

	if err := s.SnapshotAll(); err != nil {
		s.log.Error().Err(err).Msg("final snapshot incomplete")
	} else {
		s.log.Info().Msg("final snapshot written")
	}
}

func (s *Snapshotter) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SnapshotAll(); err != nil {
				s.log.Error().Err(err).Msg("periodic snapshot incomplete")
			}
		case <-s.stopCh:
			return
		}
	}
}

// SnapshotAll persists every registered store, aggregating failures
func (s *Snapshotter) SnapshotAll() error {
	s.mu.Lock()
	targets := make([]target, len(s.targets))
	copy(targets, s.targets)
	s.mu.Unlock()

	var result *multierror.Error
	for _, t := range targets {
		if err := t.fn(); err != nil {
			s.log.Error().Err(err).Str("store", t.name).Msg("snapshot failed")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
