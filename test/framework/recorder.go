package framework

import (
	"context"
	"sync"

	"github.com/maestrod/maestro/pkg/worker"
)

// Recorder captures the order in which task functions ran, and can hold
// them open until the test releases them.
type Recorder struct {
	mu    sync.Mutex
	order []string
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Order returns a copy of the recorded names, in execution order
func (r *Recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Recorder) note(name string) {
	r.mu.Lock()
	r.order = append(r.order, name)
	r.mu.Unlock()
}

// Fn returns a function body that records its run and returns
func (r *Recorder) Fn(name string) worker.Function {
	return func(ctx context.Context, args map[string]string) (string, error) {
		r.note(name)
		return name, nil
	}
}

// Blocking returns a function body that records its run and then waits
// on release (or ctx). Close release to let every caller finish.
func (r *Recorder) Blocking(name string, release <-chan struct{}) worker.Function {
	return func(ctx context.Context, args map[string]string) (string, error) {
		r.note(name)
		select {
		case <-release:
			return name, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
