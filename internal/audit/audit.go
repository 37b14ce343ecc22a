// Package audit provides an append-only journal of supervisor lifecycle events.
//
// Every launch, health transition, crash, stop and reclamation kill is
// recorded as newline-delimited JSON in the run directory, so what happened
// to a service can be reconstructed after the supervisor itself is gone.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionLaunch          Action = "launch"
	ActionLaunchFailed    Action = "launch_failed"
	ActionHealthy         Action = "healthy"
	ActionHealthTimeout   Action = "health_timeout"
	ActionDegraded        Action = "degraded"
	ActionRecovered       Action = "recovered"
	ActionCrash           Action = "crash"
	ActionRestart         Action = "restart"
	ActionStop            Action = "stop"
	ActionReclaimKill     Action = "reclaim_kill"
	ActionOrphanReclaimed Action = "orphan_reclaimed"
	ActionPortConflict    Action = "port_conflict"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"run_id,omitempty"`
	Action    Action    `json:"action"`
	Service   string    `json:"service,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port,omitempty"`
	Detail    string    `json:"detail,omitempty"` // signal sent, exit code, health message
	Error     string    `json:"error,omitempty"`
}

// Logger writes journal entries to an append-only file.
type Logger struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	runID string
}

// NewLogger creates or opens a journal file for appending. Entries without a
// run ID are stamped with runID.
func NewLogger(path, runID string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening event journal: %w", err)
	}
	return &Logger{file: f, path: path, runID: runID}, nil
}

// Log writes a journal entry. A nil logger discards it.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.RunID == "" {
		entry.RunID = l.runID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Path returns the journal file location.
func (l *Logger) Path() string { return l.path }

// Close closes the journal file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

// ReadEntries parses a journal file. Lines that fail to parse are skipped.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening event journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("reading event journal: %w", err)
	}
	return entries, nil
}
