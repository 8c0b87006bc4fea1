package logging

import (
	"bytes"
	"sync"
)

const (
	// MaxTailLineLength is the maximum length of a captured line before
	// truncation.
	MaxTailLineLength = 4096

	// DefaultTailLines is how many trailing output lines are kept for
	// the failure summary.
	DefaultTailLines = 20
)

// Tail keeps the last N lines seen in a byte stream. The supervisor tees
// relayed worker output through it so that a nonzero exit can be reported
// with the output that preceded it, without buffering the whole stream.
//
// Tail implements io.Writer and is safe for a writer concurrent with
// Lines().
type Tail struct {
	mu      sync.Mutex
	lines   []string
	idx     int
	filled  bool
	partial bytes.Buffer
}

// NewTail creates a Tail keeping up to n lines. n <= 0 selects
// DefaultTailLines.
func NewTail(n int) *Tail {
	if n <= 0 {
		n = DefaultTailLines
	}
	return &Tail{lines: make([]string, n)}
}

// Write scans p for complete lines and records them. Bytes after the last
// newline are held until the next Write. Never returns an error.
func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rest := p
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		t.partial.Write(rest[:i])
		t.record(t.partial.String())
		t.partial.Reset()
		rest = rest[i+1:]
	}
	t.partial.Write(rest)

	// Cap the carried partial so a newline-free stream cannot grow it
	// without bound.
	if t.partial.Len() > MaxTailLineLength {
		t.record(t.partial.String()[:MaxTailLineLength] + "...(truncated)")
		t.partial.Reset()
	}
	return len(p), nil
}

// record appends one line to the circular buffer.
func (t *Tail) record(line string) {
	if len(line) > MaxTailLineLength {
		line = line[:MaxTailLineLength] + "...(truncated)"
	}
	t.lines[t.idx] = line
	t.idx++
	if t.idx == len(t.lines) {
		t.idx = 0
		t.filled = true
	}
}

// Lines returns the captured lines, oldest first. A held partial line is
// included last.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	if t.filled {
		out = append(out, t.lines[t.idx:]...)
	}
	out = append(out, t.lines[:t.idx]...)
	if t.partial.Len() > 0 {
		out = append(out, t.partial.String())
	}
	return out
}
