package supervisor

import (
	"io"
	"strings"
	"testing"
	"time"
)

// collectLines polls lr until at least want lines accumulated or the
// deadline passed. The pump goroutine hands chunks over asynchronously, so
// tests poll instead of assuming a single call sees everything.
func collectLines(lr *LineReader, want int, deadline time.Duration) []string {
	var out []string
	until := time.Now().Add(deadline)
	for {
		out = append(out, lr.Lines()...)
		if len(out) >= want || time.Now().After(until) {
			return out
		}
		time.Sleep(time.Millisecond)
	}
}

// waitEOF polls until the reader reports end-of-stream.
func waitEOF(t *testing.T, lr *LineReader, deadline time.Duration) []string {
	t.Helper()
	var out []string
	until := time.Now().Add(deadline)
	for !lr.EOF() {
		out = append(out, lr.Lines()...)
		if time.Now().After(until) {
			t.Fatal("line reader never reached EOF")
		}
		time.Sleep(time.Millisecond)
	}
	return out
}

func TestLineReaderPartialCarryOver(t *testing.T) {
	pr, pw := io.Pipe()
	lr := NewLineReader(pr)

	// First chunk has no terminator: nothing is emitted, the bytes are
	// carried over.
	if _, err := pw.Write([]byte("abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if lines := collectLines(lr, 1, 20*time.Millisecond); len(lines) != 0 {
		t.Fatalf("lines after partial chunk = %v, want none", lines)
	}

	// Completing chunk: the carry-over is prefixed.
	if _, err := pw.Write([]byte("def\nghi\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := collectLines(lr, 2, time.Second)
	if len(lines) != 2 || lines[0] != "abcdef" || lines[1] != "ghi" {
		t.Fatalf("lines = %v, want [abcdef ghi]", lines)
	}

	// EOF with an empty buffer emits nothing further.
	_ = pw.Close()
	if extra := waitEOF(t, lr, time.Second); len(extra) != 0 {
		t.Fatalf("lines after EOF = %v, want none", extra)
	}
}

func TestLineReaderEOFFlushesPartial(t *testing.T) {
	pr, pw := io.Pipe()
	lr := NewLineReader(pr)

	if _, err := pw.Write([]byte("tail-without-newline")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = pw.Close()

	lines := waitEOF(t, lr, time.Second)
	if len(lines) != 1 || lines[0] != "tail-without-newline" {
		t.Fatalf("lines = %v, want the flushed partial", lines)
	}
	if got := lr.Lines(); got != nil {
		t.Fatalf("Lines after EOF flush = %v, want nil", got)
	}
}

func TestLineReaderCRLF(t *testing.T) {
	lr := NewLineReader(strings.NewReader("one\r\ntwo\nthree\r\n"))
	lines := waitEOF(t, lr, time.Second)

	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("lines = %v, want %v", lines, want)
		}
	}
}

func TestLineReaderReassembly(t *testing.T) {
	// Content split at awkward boundaries must reassemble to the original
	// split on \r?\n regardless of chunking.
	chunks := []string{"al", "pha\nbra\r", "\nvo\nchar", "lie"}

	pr, pw := io.Pipe()
	lr := NewLineReader(pr)
	go func() {
		for _, ch := range chunks {
			_, _ = pw.Write([]byte(ch))
			time.Sleep(2 * time.Millisecond)
		}
		_ = pw.Close()
	}()

	lines := waitEOF(t, lr, time.Second)
	want := []string{"alpha", "bra", "vo", "charlie"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("lines = %v, want %v", lines, want)
		}
	}
}
