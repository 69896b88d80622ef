package supervisor

import (
	"bytes"
	"io"
)

// Per-call budget for drained bytes. Callers are expected to call Lines
// repeatedly; one mebibyte per call keeps a chatty child from starving the
// rest of a sweep.
const maxDrainPerCall = 1 << 20

// LineReader yields the complete lines currently available on a stream
// without blocking for EOF. Trailing bytes lacking a terminator are carried
// over and prefixed to the next call's input; at EOF the remaining partial
// line is flushed as a final element.
//
// A pump goroutine performs the blocking reads and hands chunks over a
// buffered channel, which is what makes Lines itself non-blocking. The pump
// exits on any read error, including the stream being closed at reap.
//
// Not safe for concurrent use; call only from the supervisor thread.
type LineReader struct {
	ch   chan []byte
	rest []byte
	eof  bool
}

// NewLineReader starts draining r in the background.
func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{ch: make(chan []byte, 32)}
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				lr.ch <- chunk
			}
			if err != nil {
				close(lr.ch)
				return
			}
		}
	}()
	return lr
}

// Lines returns the complete lines currently available, stripping \n and
// \r\n terminators. When nothing is ready it returns nil immediately. After
// EOF has been observed and the buffer flushed, it always returns nil.
func (lr *LineReader) Lines() []string {
	if lr.eof {
		return nil
	}

	total := 0
drain:
	for total < maxDrainPerCall {
		select {
		case chunk, ok := <-lr.ch:
			if !ok {
				lr.eof = true
				break drain
			}
			lr.rest = append(lr.rest, chunk...)
			total += len(chunk)
		default:
			break drain
		}
	}

	var lines []string
	data := lr.rest
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := data[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		data = data[i+1:]
	}
	lr.rest = append(lr.rest[:0], data...)

	if lr.eof && len(lr.rest) > 0 {
		lines = append(lines, string(lr.rest))
		lr.rest = nil
	}
	return lines
}

// EOF reports whether the stream has ended and the buffer is drained.
func (lr *LineReader) EOF() bool { return lr.eof && len(lr.rest) == 0 }
