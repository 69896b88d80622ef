//go:build linux

package backend

import (
	"errors"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

func init() {
	Register("exec", NewExecBackend)
}

// ExecBackend is the full-featured adapter. Close detaches the handle
// (streams released, nothing more); termination escalation stays with the
// supervisor's kill sequence.
type ExecBackend struct {
	log *zap.Logger
}

func NewExecBackend(log *zap.Logger) Backend {
	return &ExecBackend{log: log.Named("exec")}
}

func (b *ExecBackend) Start(cmdline []string, extra map[string]string) (Handle, error) {
	if len(cmdline) == 0 {
		return nil, &SpawnError{Cmdline: cmdline, Err: errors.New("empty cmdline")}
	}

	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	applyExtra(cmd, extra)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}

	return launch(b.log, cmd, false, 0)
}
