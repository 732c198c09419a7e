package control

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maestrod/maestro/pkg/clock"
	"github.com/maestrod/maestro/pkg/events"
	"github.com/maestrod/maestro/pkg/log"
	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

// Control-channel file names under the state layout's control/
// directory. External workers write these; the poller consumes them.
const (
	CommandFile       = "workflow_command.json"
	RequestFile       = "workflow_request.json"
	AutomationFile    = "automation_queue.json"
	CreationFile      = "task_creation_queue.json"
	NotificationsFile = "gui_notifications.json"
)

const notificationLimit = 100

// Workflow is the slice of the workflow store the poller drives
type Workflow interface {
	Start(params map[string]string) error
	Pause() error
	Resume() error
	Stop() error
	Configure(params map[string]string) error
}

// SubmitFunc hands a drained descriptor to the task manager
type SubmitFunc func(*types.TaskDescriptor) error

// Config holds poller configuration
type Config struct {
	PollInterval time.Duration // default 2s
}

// commandFile is the workflow_command.json payload
type commandFile struct {
	Command string `json:"command"` // stop | pause | resume
}

// requestFile is the workflow_request.json payload
type requestFile struct {
	Action string            `json:"action"` // start | configure
	Params map[string]string `json:"params,omitempty"`
}

// Poller consumes the file-based control channels that pre-date the
// HTTP surface: GUI panels and editor helpers drop JSON files into
// control/ and the poller applies them on a fixed interval. Consumed
// files are removed so a command is applied exactly once.
type Poller struct {
	cfg    Config
	clk    clock.Clock
	dir    *state.Dir
	wf     Workflow
	submit SubmitFunc
	broker *events.Broker
	log    zerolog.Logger

	mu            sync.Mutex
	notifications []*types.Event

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a poller and loads the persisted notification log
func New(cfg Config, clk clock.Clock, dir *state.Dir, wf Workflow, submit SubmitFunc, broker *events.Broker) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	p := &Poller{
		cfg:    cfg,
		clk:    clk,
		dir:    dir,
		wf:     wf,
		submit: submit,
		broker: broker,
		log:    log.WithComponent("control"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	p.loadNotifications()
	return p
}

// Start begins the poll loop and the notification subscriber
func (p *Poller) Start() {
	var sub events.Subscriber
	if p.broker != nil {
		sub = p.broker.Subscribe()
	}
	go p.run(sub)
}

// Stop halts the loop
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) run(sub events.Subscriber) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Poll()
		case event, ok := <-sub:
			if ok {
				p.appendNotification(event)
			}
		case <-p.stopCh:
			return
		}
	}
}

// Poll runs one pass over all control channels. Exposed so tests and
// the composition root can force a pass.
func (p *Poller) Poll() {
	p.pollCommand()
	p.pollRequest()
	p.promoteCreationQueue()
	p.drainAutomationQueue()
}

// pollCommand applies workflow_command.json and clears it
func (p *Poller) pollCommand() {
	var cmd commandFile
	if !p.consume(CommandFile, &cmd) {
		return
	}

	var err error
	switch cmd.Command {
	case "stop":
		err = p.wf.Stop()
	case "pause":
		err = p.wf.Pause()
	case "resume":
		err = p.wf.Resume()
	default:
		p.log.Warn().Str("command", cmd.Command).Msg("unknown workflow command ignored")
		return
	}
	if err != nil {
		p.log.Warn().Err(err).Str("command", cmd.Command).Msg("workflow command refused")
	} else {
		p.log.Info().Str("command", cmd.Command).Msg("workflow command applied")
	}
}

// pollRequest applies workflow_request.json and clears it
func (p *Poller) pollRequest() {
	var req requestFile
	if !p.consume(RequestFile, &req) {
		return
	}

	var err error
	switch req.Action {
	case "start":
		err = p.wf.Start(req.Params)
	case "configure":
		err = p.wf.Configure(req.Params)
	default:
		p.log.Warn().Str("action", req.Action).Msg("unknown workflow request ignored")
		return
	}
	if err != nil {
		p.log.Warn().Err(err).Str("action", req.Action).Msg("workflow request refused")
	} else {
		p.log.Info().Str("action", req.Action).Msg("workflow request applied")
	}
}

// promoteCreationQueue normalizes raw descriptors dropped into
// task_creation_queue.json and appends them to automation_queue.json.
// External writers only need to fill a payload; everything else gets a
// default here so the manager sees well-formed submissions.
func (p *Poller) promoteCreationQueue() {
	var raw []*types.TaskDescriptor
	if !p.consume(CreationFile, &raw) {
		return
	}

	normalized := make([]*types.TaskDescriptor, 0, len(raw))
	for _, desc := range raw {
		if desc == nil {
			continue
		}
		p.normalize(desc)
		normalized = append(normalized, desc)
	}
	if len(normalized) == 0 {
		return
	}

	// append under the existing automation queue, if any
	var queue []*types.TaskDescriptor
	p.read(AutomationFile, &queue)
	queue = append(queue, normalized...)

	path := p.dir.ControlPath(AutomationFile)
	if err := state.WriteJSONAtomic(path, queue); err != nil {
		p.log.Error().Err(err).Msg("appending to automation queue")
		return
	}
	p.log.Info().Int("count", len(normalized)).Msg("descriptors promoted to automation queue")
}

// drainAutomationQueue submits every queued descriptor and clears the file
func (p *Poller) drainAutomationQueue() {
	var queue []*types.TaskDescriptor
	if !p.consume(AutomationFile, &queue) {
		return
	}

	for _, desc := range queue {
		if desc == nil {
			continue
		}
		if desc.Source == "" {
			desc.Source = "automation"
		}
		if err := p.submit(desc); err != nil {
			p.log.Warn().Err(err).
				Str("task", desc.Name).
				Msg("automation submission refused")
		}
	}
}

// normalize fills the fields external writers habitually omit
func (p *Poller) normalize(desc *types.TaskDescriptor) {
	if desc.ID == "" {
		desc.ID = clock.NewID()
	}
	if desc.Kind == "" {
		switch {
		case desc.Payload.Script != nil:
			desc.Kind = types.TaskKindScript
		case desc.Payload.Function != nil:
			desc.Kind = types.TaskKindFunction
		case desc.Payload.Command != nil:
			desc.Kind = types.TaskKindCommand
		}
	}
	if desc.Source == "" {
		desc.Source = "automation"
	}
	if desc.SubmittedAt.IsZero() {
		desc.SubmittedAt = p.clk.Now()
	}
}

// consume reads a control file into out and removes it. Returns false
// when the file is absent or unreadable; a malformed file is removed so
// it does not wedge the channel.
func (p *Poller) consume(name string, out interface{}) bool {
	path := p.dir.ControlPath(name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn().Err(err).Str("file", name).Msg("reading control file")
		}
		return false
	}

	if err := json.Unmarshal(raw, out); err != nil {
		p.log.Warn().Err(err).Str("file", name).Msg("malformed control file discarded")
		p.remove(path, name)
		return false
	}
	p.remove(path, name)
	return true
}

// read loads a control file without consuming it
func (p *Poller) read(name string, out interface{}) {
	raw, err := os.ReadFile(p.dir.ControlPath(name))
	if err != nil {
		return
	}
	if err := json.Unmarshal(raw, out); err != nil {
		p.log.Warn().Err(err).Str("file", name).Msg("malformed control file ignored")
	}
}

func (p *Poller) remove(path, name string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.log.Warn().Err(err).Str("file", name).Msg("clearing control file")
	}
}

// appendNotification adds a broker event to the bounded gui log
func (p *Poller) appendNotification(event *types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.notifications = append(p.notifications, event)
	if len(p.notifications) > notificationLimit {
		p.notifications = p.notifications[len(p.notifications)-notificationLimit:]
	}

	path := p.dir.ControlPath(NotificationsFile)
	if err := state.WriteJSONAtomic(path, p.notifications); err != nil {
		p.log.Warn().Err(err).Msg("writing notification log")
	}
}

// Notifications returns a copy of the bounded event log
func (p *Poller) Notifications() []*types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Event, len(p.notifications))
	copy(out, p.notifications)
	return out
}

func (p *Poller) loadNotifications() {
	raw, err := os.ReadFile(p.dir.ControlPath(NotificationsFile))
	if err != nil {
		return
	}
	var saved []*types.Event
	if err := json.Unmarshal(raw, &saved); err != nil {
		return
	}
	if len(saved) > notificationLimit {
		saved = saved[len(saved)-notificationLimit:]
	}
	p.notifications = saved
}
