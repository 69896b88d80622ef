//go:build linux

package backend

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// procHandle wraps a started exec.Cmd behind the Handle contract.
//
// The child's stdout/stderr are plumbed through explicit os.Pipe pairs
// rather than exec.Cmd's StdoutPipe helpers: Wait() closes the helper pipes
// on exit, which would yank streams out from under callbacks mid-read. With
// raw pipes the read ends stay valid until Close.
//
// A single waiter goroutine performs the one and only Wait() for the child.
// That call is the OS-level reap; IsTerminated answers from its completion
// signal without blocking.
type procHandle struct {
	log *zap.Logger
	cmd *exec.Cmd
	pid int

	stdout *os.File // read ends; write ends belong to the child
	stderr *os.File

	// Closed by the waiter once the child is reaped.
	done      chan struct{}
	closeOnce sync.Once

	// Signal the process group (negative pid) instead of the single pid.
	group bool

	// When positive, Close blocks up to this long for child exit.
	closeWait time.Duration
}

// launch starts cmd with freshly plumbed output pipes and begins the waiter.
// On Start failure every pipe end is closed and no descriptors leak.
func launch(log *zap.Logger, cmd *exec.Cmd, group bool, closeWait time.Duration) (*procHandle, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Cmdline: cmd.Args, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, &SpawnError{Cmdline: cmd.Args, Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = stderrR.Close()
		_ = stderrW.Close()
		return nil, &SpawnError{Cmdline: cmd.Args, Err: err}
	}

	// The child inherited the write ends; drop ours so the read ends see
	// EOF when it exits.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	h := &procHandle{
		log:       log,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		stdout:    stdoutR,
		stderr:    stderrR,
		done:      make(chan struct{}),
		group:     group,
		closeWait: closeWait,
	}
	h.log.Info("process started", zap.Int("pid", h.pid), zap.String("cmd", cmd.Args[0]))

	go h.waitExit()
	return h, nil
}

// waitExit reaps the child exactly once and records exit metadata.
func (h *procHandle) waitExit() {
	if err := h.cmd.Wait(); err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			status := eerr.ProcessState.Sys().(syscall.WaitStatus)
			h.log.Info("process exited with error status",
				zap.Int("pid", h.pid),
				zap.Int("exit_code", status.ExitStatus()),
				zap.Bool("signaled", status.Signaled()))
		} else {
			h.log.Error("failed to wait for process", zap.Int("pid", h.pid), zap.Error(err))
		}
	} else {
		h.log.Info("process exited cleanly", zap.Int("pid", h.pid))
	}
	close(h.done)
}

func (h *procHandle) Pid() int { return h.pid }

func (h *procHandle) IsTerminated() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *procHandle) Stdout() io.Reader { return h.stdout }
func (h *procHandle) Stderr() io.Reader { return h.stderr }

// Close releases the stream read ends. With a closeWait configured it first
// blocks, bounded, for child exit. Idempotent.
func (h *procHandle) Close() error {
	h.closeOnce.Do(func() {
		if h.closeWait > 0 {
			select {
			case <-h.done:
			case <-time.After(h.closeWait):
				h.log.Warn("close timeout: process still running", zap.Int("pid", h.pid))
			}
		}
		_ = h.stdout.Close()
		_ = h.stderr.Close()
	})
	return nil
}

// Signal delivers sig to the child, or to its whole process group when the
// backend started it with Setpgid.
func (h *procHandle) Signal(sig syscall.Signal) error {
	pid := h.pid
	if h.group {
		pid = -pid
	}
	return syscall.Kill(pid, sig)
}

// applyExtra maps the opaque extra configuration onto cmd.
func applyExtra(cmd *exec.Cmd, extra map[string]string) {
	if dir, ok := extra[ExtraDir]; ok && dir != "" {
		cmd.Dir = dir
	}
	if env, ok := extra[ExtraEnv]; ok && env != "" {
		cmd.Env = append(os.Environ(), strings.Split(env, "\n")...)
	}
}
