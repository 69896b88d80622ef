// Package supervisor launches and manages a bounded pool of external child
// processes: admission control, per-child age limits, output streaming into
// user callbacks, and a graceful-to-forceful termination escalation on
// shutdown or overrun.
//
// Progress is driven from within Spawn, Wait, and Sweep — there is no
// background scan of its own. All entry points serialize on one mutex, so
// callbacks run one at a time, never concurrently with a reap of the same
// child.
//
// Canonical usage:
//
//	sup, err := supervisor.New(supervisor.Options{MaxKids: 4, Timeout: 30 * time.Second})
//	...
//	for _, job := range jobs {
//		sup.Spawn(supervisor.SpawnSpec{Cmdline: job})  // blocks while the pool is full
//	}
//	sup.Wait(0)
//	sup.Close()
package supervisor

import (
	"sync"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/edirooss/cmdpool/pkg/supervisor/backend"
	"go.uber.org/zap"
)

// ErrBackendNotFound is surfaced by New when Options.Backend names an
// unregistered adapter.
var ErrBackendNotFound = backend.ErrNotFound

// Callback observes a child lifecycle transition. Callbacks run on the
// supervisor thread: a callback that blocks stalls admission, reaping, and
// the age-killer. A returned error (or a panic) is logged with the child id
// and swallowed — a crashing callback must not abandon reaped zombies or
// leak admission slots. From inside a callback only the Child and CountKids
// may be touched; other supervisor methods would self-deadlock.
type Callback func(*Child) error

// Options configures a Supervisor. All fields are optional.
type Options struct {
	// MaxKids caps concurrently running children. 0 means unbounded
	// (rarely useful, retained for compatibility).
	MaxKids int
	// Timeout is the per-child age limit; children running longer are
	// escalated during sweeps. 0 disables age-killing.
	Timeout time.Duration
	// Backend selects the spawning adapter by name. Default "exec".
	Backend string
	// KillSequence overrides DefaultKillSequence for supervisor-driven
	// escalation.
	KillSequence []KillStep
	// OnSpawn runs just after a successful spawn.
	OnSpawn Callback
	// OnReap runs just after removal from the registry, before the
	// backend handle is closed.
	OnReap Callback
	// WhileAlive runs during sweeps on each still-running child.
	WhileAlive Callback
	// Debug dumps child records on significant transitions.
	Debug bool
	// Log receives diagnostics. Nop when nil.
	Log *zap.Logger
}

// SpawnSpec describes one child to launch.
type SpawnSpec struct {
	// Cmdline is the argv; must be non-empty.
	Cmdline []string
	// ID is an optional label surfaced to callbacks and diagnostics.
	ID string
	// Extra is passed through to the backend opaquely.
	Extra map[string]string
}

// Supervisor manages a pool of external child processes.
type Supervisor struct {
	log     *zap.Logger
	opts    Options
	backend backend.Backend
	killSeq []KillStep

	mu  sync.Mutex
	reg *registry

	relay *signalRelay

	// Suspension granularity for admission, wait loops, and kill-sequence
	// polling. One second in production; shrunk in tests.
	poll time.Duration
	// Grace after the terminal TERM broadcast in a deadlined Wait.
	termGrace time.Duration

	closeOnce sync.Once
}

// New constructs a Supervisor, resolves the backend, and installs the
// INT/TERM relay handlers. Returns ErrBackendNotFound (wrapped) for an
// unknown backend name.
func New(opts Options) (*Supervisor, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("supervisor")

	name := opts.Backend
	if name == "" {
		name = "exec"
	}
	b, err := backend.Open(name, log)
	if err != nil {
		return nil, err
	}

	seq := opts.KillSequence
	if len(seq) == 0 {
		seq = DefaultKillSequence
	}

	s := &Supervisor{
		log:       log,
		opts:      opts,
		backend:   b,
		killSeq:   seq,
		reg:       newRegistry(),
		poll:      time.Second,
		termGrace: 5 * time.Second,
	}
	if opts.MaxKids == 0 {
		log.Debug("no admission cap configured; pool is unbounded")
	}
	s.installSignals()
	return s, nil
}

// Spawn launches one child. It first runs a non-blocking sweep, then — when
// the pool is full — blocks in a sweep-and-sleep loop until a reap frees a
// slot, then starts the child and records it. Either the record is in the
// registry and a Child is returned, or an error is returned and the
// registry is untouched.
func (s *Supervisor) Spawn(spec SpawnSpec) (*Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(false)

	if s.opts.MaxKids > 0 {
		for s.reg.count() >= s.opts.MaxKids {
			s.sleep()
			if s.sweep(true) {
				break
			}
		}
	}

	h, err := s.backend.Start(spec.Cmdline, spec.Extra)
	if err != nil {
		return nil, err
	}

	c := &Child{
		ID:        spec.ID,
		PID:       h.Pid(),
		StartedAt: time.Now(),
		Cmdline:   append([]string(nil), spec.Cmdline...),
		Extra:     spec.Extra,
		handle:    h,
	}
	s.reg.insert(c)

	s.log.Info("child spawned",
		zap.Int("pid", c.PID), zap.String("id", c.label()),
		zap.Int("count_kids", s.reg.count()))
	s.dump(c)

	s.invoke(s.opts.OnSpawn, "on_spawn", c)
	return c, nil
}

// Wait runs sweeps until the registry is empty. With timeout 0 it only
// returns true, once everything is reaped. With a positive timeout it
// computes a deadline; past it, a terminal TERM is broadcast to all
// remaining pids, a grace period elapses, one final sweep runs, and Wait
// reports whether the registry emptied. Survivors stay in the registry for
// the caller to inspect.
func (s *Supervisor) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timeout <= 0 {
		for s.reg.count() > 0 {
			s.sweep(false)
			if s.reg.count() == 0 {
				break
			}
			s.sleep()
		}
		return true
	}

	deadline := time.Now().Add(timeout)
	for s.reg.count() > 0 && time.Now().Before(deadline) {
		s.sweep(false)
		if s.reg.count() == 0 {
			return true
		}
		s.sleep()
	}
	if s.reg.count() == 0 {
		return true
	}

	s.log.Warn("wait deadline exceeded; broadcasting SIGTERM",
		zap.Int("count_kids", s.reg.count()))
	s.broadcast(syscall.SIGTERM)
	s.mu.Unlock()
	time.Sleep(s.termGrace)
	s.mu.Lock()
	s.sweep(false)
	return s.reg.count() == 0
}

// Sweep performs one non-blocking pass: age-kill overdue children, reap the
// terminated, run WhileAlive on the rest. Embedders that need progress
// without Spawn/Wait traffic (e.g. a server loop) call this on a ticker.
func (s *Supervisor) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(false)
}

// SendSignal delivers sig to every pid currently in the registry. No state
// mutation; reaping is left to the next sweep.
func (s *Supervisor) SendSignal(sig syscall.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast(sig)
}

// CountKids reports the registry size. Safe to call from callbacks.
func (s *Supervisor) CountKids() int { return s.reg.count() }

// Kids returns a snapshot of the current child records. Iteration order is
// unspecified.
func (s *Supervisor) Kids() []*Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.list()
}

// Kid looks up a single record by pid.
func (s *Supervisor) Kid(pid int) (*Child, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.get(pid)
}

// Full reports whether admission would block right now.
func (s *Supervisor) Full() bool {
	return s.opts.MaxKids > 0 && s.reg.count() >= s.opts.MaxKids
}

// Close tears the supervisor down: the signal relay is stopped and the
// prior INT/TERM dispositions restored. Surviving children are NOT killed
// by Close alone — that is the caller's responsibility via Wait or
// SendSignal. Idempotent.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.removeSignals()
		s.log.Debug("supervisor closed", zap.Int("count_kids", s.reg.count()))
	})
}

// sweep is the core of the engine: one pass over the registry. It reaps
// terminated children, invokes WhileAlive on the rest, and first lets the
// age-killer escalate anyone over the Timeout allowance. Returns true only
// when stopAfterReap is set and a reap occurred.
//
// The age-killer blocks for the duration of each escalation it performs;
// back-pressure on the caller is intentional.
func (s *Supervisor) sweep(stopAfterReap bool) bool {
	if s.opts.Timeout > 0 {
		for _, c := range s.reg.olderThan(time.Now(), s.opts.Timeout) {
			s.log.Warn("age limit exceeded; terminating",
				zap.Int("pid", c.PID), zap.String("id", c.label()),
				zap.Duration("age", c.Age()), zap.Duration("timeout", s.opts.Timeout))
			s.terminate(c)
		}
	}

	for _, c := range s.reg.list() {
		if c.handle.IsTerminated() {
			s.reap(c)
			if stopAfterReap {
				return true
			}
			continue
		}
		s.invoke(s.opts.WhileAlive, "while_alive", c)
	}
	return false
}

// reap removes a terminated child: registry deletion first (so OnReap sees
// the post-reap count and re-entrant sweeps cannot double-reap), then the
// OnReap callback, then the backend close. The OS-level wait was performed
// by the backend's waiter the moment the child exited; a child already
// collected there is not an error.
func (s *Supervisor) reap(c *Child) {
	s.reg.remove(c.PID)

	s.log.Info("child reaped",
		zap.Int("pid", c.PID), zap.String("id", c.label()),
		zap.Int("count_kids", s.reg.count()))
	s.dump(c)

	s.invoke(s.opts.OnReap, "on_reap", c)

	if err := c.handle.Close(); err != nil {
		s.log.Warn("backend close failed", zap.Int("pid", c.PID), zap.Error(err))
	}
}

// terminate escalates one child: the backend's own Terminate when the
// handle offers it, the kill sequence otherwise.
func (s *Supervisor) terminate(c *Child) {
	if t, ok := c.handle.(backend.Terminator); ok {
		t.Terminate()
		return
	}
	s.runKillSequence(c, s.killSeq)
}

// broadcast delivers sig to every registered child.
func (s *Supervisor) broadcast(sig syscall.Signal) {
	for _, c := range s.reg.list() {
		s.signalChild(c, sig)
	}
}

// signalChild routes sig through the backend when the handle supports it,
// raw kill otherwise. Delivery failure usually means the child beat us to
// the exit; the next sweep reaps it.
func (s *Supervisor) signalChild(c *Child, sig syscall.Signal) {
	var err error
	if sg, ok := c.handle.(backend.Signaler); ok {
		err = sg.Signal(sig)
	} else {
		err = syscall.Kill(c.PID, sig)
	}
	if err != nil {
		s.log.Debug("signal delivery failed",
			zap.Int("pid", c.PID), zap.String("signal", sig.String()), zap.Error(err))
	}
}

// invoke runs a callback guarded: errors and panics are logged with the
// child id and swallowed. The supervisor is deliberately more defensive
// than its user code.
func (s *Supervisor) invoke(cb Callback, name string, c *Child) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("callback panicked",
				zap.String("callback", name), zap.String("id", c.label()),
				zap.Any("panic", r))
		}
	}()
	if err := cb(c); err != nil {
		s.log.Error("callback failed",
			zap.String("callback", name), zap.String("id", c.label()), zap.Error(err))
	}
}

// sleep suspends for one poll interval with the lock released, so signal
// relaying and read-only inspection stay live while admission or wait
// loops idle.
func (s *Supervisor) sleep() {
	s.mu.Unlock()
	time.Sleep(s.poll)
	s.mu.Lock()
}

// dump spews the full child record when Debug is on.
func (s *Supervisor) dump(c *Child) {
	if !s.opts.Debug {
		return
	}
	s.log.Debug("child record", zap.String("dump", spew.Sdump(c)))
}
