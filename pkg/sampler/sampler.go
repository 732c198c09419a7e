package sampler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

const (
	readRetries  = 3
	retryBackoff = 50 * time.Millisecond
)

// Probes supplies the raw metric reads. The zero value means "use the
// host probes" (gopsutil); tests script individual fields.
type Probes struct {
	CPU  func() (float64, error)
	Mem  func() (float64, error)
	Disk func(root string) (float64, error)
	Net  func() (sent, recv uint64, err error)
	Top  func(k int) ([]types.ProcessSample, error)
}

func hostProbes() Probes {
	return Probes{
		CPU: func() (float64, error) {
			// interval 0 measures since the previous call, i.e. averaged
			// over the sampler tick
			pcts, err := cpu.Percent(0, false)
			if err != nil {
				return 0, err
			}
			if len(pcts) == 0 {
				return 0, types.NewError(types.ErrKindTransient, "cpu percent returned no values")
			}
			return pcts[0], nil
		},
		Mem: func() (float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
		Disk: func(root string) (float64, error) {
			du, err := disk.Usage(root)
			if err != nil {
				return 0, err
			}
			return du.UsedPercent, nil
		},
		Net: func() (uint64, uint64, error) {
			counters, err := gnet.IOCounters(false)
			if err != nil {
				return 0, 0, err
			}
			if len(counters) == 0 {
				return 0, 0, nil
			}
			return counters[0].BytesSent, counters[0].BytesRecv, nil
		},
		Top: topProcesses,
	}
}

// topProcesses returns the K processes using the most CPU
func topProcesses(k int) ([]types.ProcessSample, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	samples := make([]types.ProcessSample, 0, len(procs))
	for _, p := range procs {
		cpuPct, err := p.CPUPercent()
		if err != nil {
			continue
		}
		memPct, err := p.MemoryPercent()
		if err != nil {
			continue
		}
		name, err := p.Name()
		if err != nil {
			name = "?"
		}
		samples = append(samples, types.ProcessSample{
			PID:        p.Pid,
			Name:       name,
			CPUPercent: cpuPct,
			MemPercent: memPct,
		})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].CPUPercent > samples[j].CPUPercent })
	if len(samples) > k {
		samples = samples[:k]
	}
	return samples, nil
}

// Config holds sampler configuration
type Config struct {
	Interval     time.Duration // default 5s
	DiskRoot     string        // volume whose usage is sampled, default "/"
	MaxHistory   int           // ring size, default 100
	TopProcesses int           // 0 disables the top-K table
	Probes       *Probes       // nil = host probes
}

// Sampler periodically samples host resources, retains a bounded
// history, and publishes the latest snapshot without ever blocking its
// consumers.
type Sampler struct {
	cfg    Config
	clk    clock.Clock
	dir    *state.Dir
	log    zerolog.Logger
	probes Probes

	latest  atomic.Pointer[types.ResourceSnapshot]
	eventCh chan *types.ResourceSnapshot

	mu      sync.Mutex
	history []*types.ResourceSnapshot

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a sampler; dir may be nil when history persistence is not
// wanted (tests, poc binaries).
func New(cfg Config, clk clock.Clock, dir *state.Dir) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.DiskRoot == "" {
		cfg.DiskRoot = "/"
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	probes := hostProbes()
	if cfg.Probes != nil {
		if cfg.Probes.CPU != nil {
			probes.CPU = cfg.Probes.CPU
		}
		if cfg.Probes.Mem != nil {
			probes.Mem = cfg.Probes.Mem
		}
		if cfg.Probes.Disk != nil {
			probes.Disk = cfg.Probes.Disk
		}
		if cfg.Probes.Net != nil {
			probes.Net = cfg.Probes.Net
		}
		if cfg.Probes.Top != nil {
			probes.Top = cfg.Probes.Top
		}
	}

	return &Sampler{
		cfg:     cfg,
		clk:     clk,
		dir:     dir,
		log:     log.WithComponent("sampler"),
		probes:  probes,
		eventCh: make(chan *types.ResourceSnapshot, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Restore reloads persisted history; absent or corrupt files leave the
// sampler empty.
func (s *Sampler) Restore() error {
	if s.dir == nil {
		return nil
	}
	var history []*types.ResourceSnapshot
	restored, err := s.dir.Load(state.ResourcesFile, &history)
	if restored {
		s.mu.Lock()
		s.history = history
		s.mu.Unlock()
		if n := len(history); n > 0 {
			s.latest.Store(history[n-1])
		}
	}
	return err
}

// Start begins the sampling loop; the first sample is taken immediately
func (s *Sampler) Start() {
	go s.run()
}

// Stop halts the sampling loop
func (s *Sampler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sampler) run() {
	defer close(s.doneCh)

	// prime the cpu delta so the first ticked read has a window
	s.sample()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stopCh:
			return
		}
	}
}

// retryRead retries a metric read with exponential backoff; persistent
// failure yields the unknown sentinel.
func (s *Sampler) retryRead(metric string, read func() (float64, error)) float64 {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		v, err := read()
		if err == nil {
			return v
		}
		lastErr = err
		time.Sleep(retryBackoff << attempt)
	}
	s.log.Warn().Err(lastErr).Str("metric", metric).Msg("metric read failed; tagging unknown")
	return types.UnknownPercent
}

func (s *Sampler) sample() {
	snap := &types.ResourceSnapshot{TakenAt: s.clk.Now()}

	snap.CPUPercent = s.retryRead("cpu", s.probes.CPU)
	snap.MemPercent = s.retryRead("mem", s.probes.Mem)
	snap.DiskPercent = s.retryRead("disk", func() (float64, error) { return s.probes.Disk(s.cfg.DiskRoot) })

	sent, recv, err := s.probes.Net()
	if err != nil {
		s.log.Warn().Err(err).Str("metric", "net").Msg("metric read failed; zeroing counters")
	} else {
		snap.NetSentBytes = sent
		snap.NetRecvBytes = recv
	}

	if s.cfg.TopProcesses > 0 {
		if rows, err := s.probes.Top(s.cfg.TopProcesses); err == nil {
			snap.TopProcesses = rows
		}
	}

	s.publish(snap)
}

// publish appends to the ring, swaps the latest pointer, and offers the
// snapshot on the depth-1 event channel, dropping the oldest pending
// event on overflow. Never blocks.
func (s *Sampler) publish(snap *types.ResourceSnapshot) {
	s.mu.Lock()
	s.history = append(s.history, snap)
	if len(s.history) > s.cfg.MaxHistory {
		s.history = s.history[len(s.history)-s.cfg.MaxHistory:]
	}
	s.mu.Unlock()

	s.latest.Store(snap)

	select {
	case s.eventCh <- snap:
	default:
		select {
		case <-s.eventCh:
		default:
		}
		select {
		case s.eventCh <- snap:
		default:
		}
	}
}

// Latest returns the most recent snapshot, or nil before the first sample
func (s *Sampler) Latest() *types.ResourceSnapshot {
	return s.latest.Load()
}

// History returns a copy of the bounded snapshot ring, oldest first
func (s *Sampler) History() []*types.ResourceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.ResourceSnapshot, len(s.history))
	copy(out, s.history)
	return out
}

// Events exposes the depth-1 change channel
func (s *Sampler) Events() <-chan *types.ResourceSnapshot {
	return s.eventCh
}

// Persist writes the history ring to the resources state file
func (s *Sampler) Persist() error {
	if s.dir == nil {
		return nil
	}
	return s.dir.Save(state.ResourcesFile, s.History())
}
