package supervisor

import (
	"syscall"
	"time"

	"go.uber.org/zap"
)

// KillStep is one rung of the termination escalation: send Signal, then
// poll for exit over the Wait window before moving on.
type KillStep struct {
	Signal syscall.Signal
	Wait   time.Duration
}

// DefaultKillSequence is the stock escalation: two interrupts, two
// terminates, two kills, with widening grace windows. Total wall time is
// bounded by the sum of the waits (28s).
var DefaultKillSequence = []KillStep{
	{syscall.SIGINT, 3 * time.Second},
	{syscall.SIGINT, 5 * time.Second},
	{syscall.SIGTERM, 2 * time.Second},
	{syscall.SIGTERM, 8 * time.Second},
	{syscall.SIGKILL, 3 * time.Second},
	{syscall.SIGKILL, 7 * time.Second},
}

// runKillSequence drives the ordered escalation against one child until it
// exits or the sequence is exhausted. Within each step the liveness check
// runs once per poll interval. The executor never blocks indefinitely; a
// child that survives the whole sequence stays in the registry for later
// sweeps or the terminal TERM broadcast to deal with.
func (s *Supervisor) runKillSequence(c *Child, seq []KillStep) {
	log := s.log.With(zap.Int("pid", c.PID), zap.String("id", c.label()))

	for _, step := range seq {
		if c.handle.IsTerminated() {
			return
		}

		log.Info("escalation step", zap.String("signal", step.Signal.String()),
			zap.Duration("wait", step.Wait))
		s.signalChild(c, step.Signal)

		for waited := time.Duration(0); waited < step.Wait; waited += s.poll {
			time.Sleep(s.poll)
			if c.handle.IsTerminated() {
				return
			}
		}
	}

	log.Warn("kill sequence exhausted; child still alive")
}
