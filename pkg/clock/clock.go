package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time for components that schedule or expire work, so
// tests can drive them deterministically. Implementations must be safe
// for concurrent use.
type Clock interface {
	// Now returns the current time. The returned value carries Go's
	// monotonic reading, so Sub/Since on values from the same Clock are
	// immune to wall-clock adjustments.
	Now() time.Time

	// Since returns the elapsed time since t.
	Since(t time.Time) time.Duration
}

// System is the real clock
type System struct{}

func NewSystem() *System { return &System{} }

func (*System) Now() time.Time                  { return time.Now() }
func (*System) Since(t time.Time) time.Duration { return time.Since(t) }

// NewID returns a globally unique opaque id
func NewID() string {
	return uuid.New().String()
}

// ShortID returns the first 8 characters of an id for log lines
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// ISO8601 formats a wall timestamp for user-visible surfaces
func ISO8601(t time.Time) string {
	return t.Format(time.RFC3339)
}
