package supervisor

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// signalRelay forwards INT/TERM from the host process to every child in the
// registry, then lets the default action proceed so the process still dies
// per policy.
type signalRelay struct {
	ch   chan os.Signal
	done chan struct{}
}

// installSignals captures INT/TERM delivery for the relay. The prior
// dispositions come back when the relay is removed at teardown.
func (s *Supervisor) installSignals() {
	r := &signalRelay{
		ch:   make(chan os.Signal, 2),
		done: make(chan struct{}),
	}
	signal.Notify(r.ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-r.ch:
				ssig, ok := sig.(syscall.Signal)
				if !ok {
					continue
				}
				s.log.Warn("signal received; forwarding to kids",
					zap.String("signal", ssig.String()))
				s.SendSignal(ssig)

				// Re-raise with the default disposition restored:
				// the supervisor relays, it does not survive.
				signal.Reset(sig)
				_ = syscall.Kill(os.Getpid(), ssig)
			case <-r.done:
				return
			}
		}
	}()

	s.relay = r
}

// removeSignals restores the pre-construction INT/TERM handling.
func (s *Supervisor) removeSignals() {
	if s.relay == nil {
		return
	}
	signal.Stop(s.relay.ch)
	close(s.relay.done)
	s.relay = nil
}
