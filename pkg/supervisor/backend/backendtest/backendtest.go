// Package backendtest provides an in-memory Backend for exercising
// supervisor logic without spawning real processes. Handles record every
// delivered signal and terminate according to a per-spawn policy, so tests
// can script graceful exits, stubborn children, and spawn failures.
package backendtest

import (
	"io"
	"strings"
	"sync"
	"syscall"

	"github.com/edirooss/cmdpool/pkg/supervisor/backend"
	"go.uber.org/zap"
)

// Backend is a scriptable in-memory backend.Backend.
type Backend struct {
	mu      sync.Mutex
	pids    *pidSpace
	handles map[int]*Handle

	// Stubborn children ignore everything but SIGKILL.
	stubborn bool
	// When set, the next Start fails with this error and clears it.
	failNext error
}

// New returns an empty fake backend. Register it for by-name resolution:
//
//	backend.Register("fake", func(*zap.Logger) backend.Backend { return fake })
func New() *Backend {
	return &Backend{
		pids:    newPIDSpace(),
		handles: make(map[int]*Handle),
	}
}

// Register installs b in the backend registry under name.
func (b *Backend) Register(name string) {
	backend.Register(name, func(*zap.Logger) backend.Backend { return b })
}

// SetStubborn makes subsequently spawned children ignore INT and TERM.
func (b *Backend) SetStubborn(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stubborn = v
}

// FailNext makes the next Start return err wrapped in a SpawnError.
func (b *Backend) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

func (b *Backend) Start(cmdline []string, extra map[string]string) (backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return nil, &backend.SpawnError{Cmdline: cmdline, Err: err}
	}

	h := &Handle{
		backend:  b,
		pid:      int(b.pids.alloc()),
		cmdline:  append([]string(nil), cmdline...),
		extra:    extra,
		stubborn: b.stubborn,
	}
	b.handles[h.pid] = h
	return h, nil
}

// Handles returns every handle ever started, keyed by pid.
func (b *Backend) Handles() map[int]*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]*Handle, len(b.handles))
	for pid, h := range b.handles {
		out[pid] = h
	}
	return out
}

// Handle is a scriptable fake child.
type Handle struct {
	backend *Backend

	pid      int
	cmdline  []string
	extra    map[string]string
	stubborn bool

	mu         sync.Mutex
	terminated bool
	closed     int
	signals    []syscall.Signal
	output     string
}

func (h *Handle) Pid() int { return h.pid }

func (h *Handle) IsTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	if h.closed == 1 {
		h.backend.pids.release(int64(h.pid))
	}
	return nil
}

func (h *Handle) Stdout() io.Reader { return strings.NewReader(h.output) }
func (h *Handle) Stderr() io.Reader { return strings.NewReader("") }

// Signal records sig and applies the termination policy: SIGKILL always
// kills; SIGINT and SIGTERM kill unless the child is stubborn.
func (h *Handle) Signal(sig syscall.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	switch sig {
	case syscall.SIGKILL:
		h.terminated = true
	case syscall.SIGINT, syscall.SIGTERM:
		if !h.stubborn {
			h.terminated = true
		}
	}
	return nil
}

// Exit marks the child terminated, as if it finished on its own.
func (h *Handle) Exit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
}

// SetOutput stages the content served by Stdout.
func (h *Handle) SetOutput(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.output = s
}

// Signals returns the signals delivered so far, in order.
func (h *Handle) Signals() []syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syscall.Signal(nil), h.signals...)
}

// CloseCount reports how many times Close ran.
func (h *Handle) CloseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
