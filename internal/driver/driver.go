package driver

import (
	"context"
	"time"
)

// State represents the lifecycle state of a managed process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// ProcessInfo holds runtime information about a managed process.
type ProcessInfo struct {
	PID         int
	ContainerID string
	State       State
	StartedAt   time.Time
	// Identity is the OS view of the process at launch, used to recognize it
	// again from a later invocation.
	Identity Identity
	ExitCode int
	Error    string
}

// Driver is the interface for process lifecycle management.
// Native, container and adopted drivers all implement this.
type Driver interface {
	// Start launches the process and returns immediately.
	// The process runs in the background.
	Start(ctx context.Context) error

	// Stop sends a graceful shutdown signal, waits up to timeout,
	// then force-kills if still running.
	Stop(ctx context.Context, timeout time.Duration) error

	// Info returns current process state and metadata.
	Info() ProcessInfo

	// Wait blocks until the process exits and returns the exit code.
	Wait() (int, error)

	// Done is closed once the process has exited. It is nil before Start.
	Done() <-chan struct{}

	// LogLines returns up to the last n lines of combined output.
	LogLines(n int) []string
}

// LogRotation configures the per-service log file.
type LogRotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}
