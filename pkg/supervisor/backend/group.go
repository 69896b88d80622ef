//go:build linux

package backend

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func init() {
	Register("group", NewGroupBackend)
}

// GroupBackend isolates every child in its own process group and keeps the
// termination escalation on the backend side: Terminate signals the whole
// group with SIGTERM, grants a grace window, then SIGKILLs the group. Close
// bounded-waits on exit before releasing the streams, so a closed handle is
// normally a dead one.
type GroupBackend struct {
	log *zap.Logger
}

// Escalation windows for Terminate and Close.
const (
	groupTermGrace = 3 * time.Second
	groupCloseWait = 5 * time.Second
)

func NewGroupBackend(log *zap.Logger) Backend {
	return &GroupBackend{log: log.Named("group")}
}

func (b *GroupBackend) Start(cmdline []string, extra map[string]string) (Handle, error) {
	if len(cmdline) == 0 {
		return nil, &SpawnError{Cmdline: cmdline, Err: errors.New("empty cmdline")}
	}

	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	applyExtra(cmd, extra)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	h, err := launch(b.log, cmd, true, groupCloseWait)
	if err != nil {
		return nil, err
	}
	return &groupHandle{procHandle: h}, nil
}

// groupHandle layers the Terminator capability over procHandle.
type groupHandle struct {
	*procHandle
}

// Terminate drives SIGTERM → grace → SIGKILL against the process group.
func (h *groupHandle) Terminate() {
	if h.IsTerminated() {
		return
	}

	pid := h.pid
	h.log.Info("sending SIGTERM to process group", zap.Int("pgid", pid))
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		h.log.Warn("SIGTERM failed", zap.Int("pgid", pid), zap.Error(err))
	}

	select {
	case <-h.done:
		h.log.Info("process group exited gracefully", zap.Int("pgid", pid))
	case <-time.After(groupTermGrace):
		h.log.Warn("grace timeout expired; sending SIGKILL", zap.Int("pgid", pid))
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			h.log.Error("SIGKILL failed", zap.Int("pgid", pid), zap.Error(err))
		}
	}
}
