package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benaskins/troupe/internal/health"
)

// ErrShuttingDown is returned by operations refused after shutdown began.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// tailLines is how much of a service's output accompanies a failure.
const tailLines = 20

// ConfigError is an invalid descriptor, unknown service or dependency cycle.
// No process has been touched when it is returned.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "configuration: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// LaunchError means a service could not be spawned or exited straight away.
type LaunchError struct {
	Service  string
	ExitCode int
	Err      error
	Tail     []string
}

func (e *LaunchError) Error() string {
	return withTail(fmt.Sprintf("launching %s: %v", e.Service, e.Err), e.Tail)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HealthTimeoutError means a service never became ready within its start timeout.
type HealthTimeoutError struct {
	Service string
	Timeout time.Duration
	Last    health.Result
	Err     error
	Tail    []string
}

func (e *HealthTimeoutError) Error() string {
	msg := fmt.Sprintf("%s not healthy within %s", e.Service, e.Timeout)
	if e.Last.Message != "" {
		msg += " (last check: " + e.Last.Message + ")"
	}
	return withTail(msg, e.Tail)
}

func (e *HealthTimeoutError) Unwrap() error { return e.Err }

// PortConflictError means the service's port could not be freed, either
// because the occupant is not a recognizable leftover or because it survived
// forced termination.
type PortConflictError struct {
	Service string
	Port    int
	Err     error
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("port %d for %s: %v", e.Port, e.Service, e.Err)
}

func (e *PortConflictError) Unwrap() error { return e.Err }

// RuntimeCrash reports a service that exited while being supervised.
type RuntimeCrash struct {
	Service  string
	PID      int
	ExitCode int
	Err      error
	Tail     []string
}

func (e *RuntimeCrash) Error() string {
	msg := fmt.Sprintf("%s (pid %d) exited unexpectedly with code %d", e.Service, e.PID, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return withTail(msg, e.Tail)
}

func (e *RuntimeCrash) Unwrap() error { return e.Err }

func withTail(msg string, tail []string) string {
	if len(tail) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	b.WriteString("\nlast output:")
	for _, line := range tail {
		b.WriteString("\n  | ")
		b.WriteString(line)
	}
	return b.String()
}
