package session

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/maestrod/maestro/pkg/state"
	"github.com/maestrod/maestro/pkg/types"
)

// ErrAlreadyRunning signals that another live instance owns the pidfile
var ErrAlreadyRunning = errors.New("another instance is already running")

// Pidfile guards against concurrent daemon instances. Acquire writes
// the caller's pid; a pidfile naming a live process refuses the start.
type Pidfile struct {
	path string
	pid  int
}

func NewPidfile(path string) *Pidfile {
	return &Pidfile{path: path, pid: os.Getpid()}
}

// Acquire claims the pidfile. A stale file (dead pid or garbage) is
// overwritten; a live owner returns ErrAlreadyRunning wrapped with the
// session_conflict kind so the CLI can map it to its exit code.
func (p *Pidfile) Acquire() error {
	raw, err := os.ReadFile(p.path)
	if err == nil {
		owner, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr == nil && owner > 0 && owner != p.pid && pidAlive(owner) {
			return types.WrapError(types.ErrKindSessionConflict, ErrAlreadyRunning,
				"pidfile %s held by pid %d", p.path, owner)
		}
	} else if !os.IsNotExist(err) {
		return types.WrapError(types.ErrKindPersistence, err, "reading pidfile %s", p.path)
	}

	if err := state.WriteAtomic(p.path, []byte(fmt.Sprintf("%d\n", p.pid))); err != nil {
		return types.WrapError(types.ErrKindPersistence, err, "writing pidfile %s", p.path)
	}
	return nil
}

// Release removes the pidfile if this process still owns it
func (p *Pidfile) Release() {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return
	}
	owner, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || owner != p.pid {
		return
	}
	os.Remove(p.path)
}
