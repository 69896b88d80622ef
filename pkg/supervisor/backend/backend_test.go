//go:build linux

package backend

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestOpenUnknownName(t *testing.T) {
	_, err := Open("definitely-not-registered", zap.NewNop())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestShippedAdaptersRegistered(t *testing.T) {
	names := Names()
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, want := range []string{"exec", "group"} {
		if !have[want] {
			t.Errorf("backend %q not registered; have %v", want, names)
		}
	}
}

func waitTerminated(t *testing.T, h Handle, deadline time.Duration) {
	t.Helper()
	until := time.Now().Add(deadline)
	for !h.IsTerminated() {
		if time.Now().After(until) {
			t.Fatal("child never terminated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecBackendLifecycle(t *testing.T) {
	b, err := Open("exec", zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h, err := b.Start([]string{"sh", "-c", "exit 0"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.Pid() <= 0 {
		t.Errorf("pid = %d, want positive", h.Pid())
	}
	waitTerminated(t, h, 5*time.Second)

	if err := h.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	// The full-featured adapter leaves escalation to the supervisor.
	if _, ok := h.(Terminator); ok {
		t.Error("exec handle exposes Terminate; escalation belongs to the kill sequence")
	}
}

func TestExecBackendSpawnError(t *testing.T) {
	b, _ := Open("exec", zap.NewNop())

	cases := [][]string{
		nil,
		{"/definitely/not/a/binary"},
	}
	for _, cmdline := range cases {
		_, err := b.Start(cmdline, nil)
		var serr *SpawnError
		if !errors.As(err, &serr) {
			t.Errorf("Start(%v) err = %v, want *SpawnError", cmdline, err)
		}
	}
}

func TestGroupBackendTerminate(t *testing.T) {
	b, err := Open("group", zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h, err := b.Start([]string{"sleep", "60"}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	term, ok := h.(Terminator)
	if !ok {
		t.Fatal("group handle does not expose Terminate")
	}
	term.Terminate()
	waitTerminated(t, h, 5*time.Second)

	if err := h.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
