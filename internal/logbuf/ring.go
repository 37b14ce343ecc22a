package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// DefaultLines is the ring size used when a caller passes 0.
const DefaultLines = 200

// Ring keeps the most recent lines written to it. It implements io.Writer so
// it can sit beside a log file on a process's combined output.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	count int
	// partial holds an incomplete line (no trailing newline yet)
	partial bytes.Buffer
}

// New creates a ring buffer that stores the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = DefaultLines
	}
	return &Ring{lines: make([]string, n)}
}

// Write splits p on newlines and stores each complete line.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial.Write(p)
	for {
		i := bytes.IndexByte(r.partial.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(r.partial.Next(i + 1))
		r.push(strings.TrimRight(line, "\r\n"))
	}
	if r.partial.Len() == 0 {
		r.partial.Reset()
	}
	return len(p), nil
}

func (r *Ring) push(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// Lines returns all stored lines, oldest first. A trailing line without a
// newline is included so output from a process that died mid-line is kept.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, r.count+1)
	start := (r.next - r.count + len(r.lines)) % len(r.lines)
	for i := 0; i < r.count; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	if r.partial.Len() > 0 {
		out = append(out, r.partial.String())
	}
	return out
}

// Last returns the last n lines. If fewer lines exist, returns all of them.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
