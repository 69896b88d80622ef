package supervisor

import (
	"time"

	"github.com/edirooss/cmdpool/pkg/supervisor/backend"
)

// Child is the supervisor's per-child record. A Child exists in the registry
// iff the process has been started and not yet reaped.
type Child struct {
	// ID is the optional user-supplied label surfaced to callbacks.
	ID string
	// PID is the operating-system process id; registry key.
	PID int
	// StartedAt is set once at insertion and never mutated.
	StartedAt time.Time
	// Cmdline is the argv passed to the backend.
	Cmdline []string
	// Extra is the opaque configuration passed through to the backend.
	Extra map[string]string

	handle backend.Handle

	stdout *LineReader
	stderr *LineReader
}

// Handle exposes the backend handle, for callers that need backend-specific
// capabilities beyond the supervisor surface.
func (c *Child) Handle() backend.Handle { return c.handle }

// Age reports how long the child has been running (or lingering unreaped).
func (c *Child) Age() time.Duration { return time.Since(c.StartedAt) }

// Stdout returns the non-blocking line reader over the child's stdout.
// The reader and its carry-over buffer are owned by the Child and die with
// it; callers must only touch them from supervisor callbacks.
func (c *Child) Stdout() *LineReader {
	if c.stdout == nil {
		c.stdout = NewLineReader(c.handle.Stdout())
	}
	return c.stdout
}

// Stderr returns the non-blocking line reader over the child's stderr.
func (c *Child) Stderr() *LineReader {
	if c.stderr == nil {
		c.stderr = NewLineReader(c.handle.Stderr())
	}
	return c.stderr
}

// label returns the id used in diagnostics.
func (c *Child) label() string {
	if c.ID == "" {
		return "[no ID provided]"
	}
	return c.ID
}
