package supervisor

import (
	"log/slog"
	"time"

	"github.com/benaskins/troupe/internal/driver"
)

const (
	// DefaultMonitorInterval is the steady-state check period.
	DefaultMonitorInterval = 2 * time.Second
	// DefaultStopGrace is how long a service gets between SIGTERM and SIGKILL.
	DefaultStopGrace = 10 * time.Second
	// DefaultLaunchGrace is the window in which an exit counts as a failed launch.
	DefaultLaunchGrace = 500 * time.Millisecond
	// DefaultReclaimGrace is how long a leftover port holder gets before SIGKILL.
	DefaultReclaimGrace = 5 * time.Second
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStateDir sets the directory holding the lock, PID records, socket and runs.
func WithStateDir(dir string) Option {
	return func(s *Supervisor) {
		s.stateDir = dir
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMonitorInterval sets the period of the monitoring loop.
func WithMonitorInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.monitorInterval = d
		}
	}
}

// WithStopGrace sets the SIGTERM to SIGKILL grace period used when stopping.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithLaunchGrace sets the immediate-exit detection window. Zero disables it.
func WithLaunchGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.launchGrace = d
		}
	}
}

// WithReclaimGrace sets the grace period given to leftover port holders.
func WithReclaimGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.reclaimGrace = d
		}
	}
}

// WithForceReclaim makes port reclamation kill any occupant, recognized or not.
func WithForceReclaim(force bool) Option {
	return func(s *Supervisor) {
		s.forceReclaim = force
	}
}

// WithLogRotation sets rotation limits for service log files.
func WithLogRotation(r driver.LogRotation) Option {
	return func(s *Supervisor) {
		s.rotation = r
	}
}

// WithOnCrash sets the crash policy ("report" or "stop-dependents").
func WithOnCrash(policy string) Option {
	return func(s *Supervisor) {
		if policy != "" {
			s.onCrash = policy
		}
	}
}

// WithCrashHandler registers a callback invoked for every runtime crash.
func WithCrashHandler(fn func(*RuntimeCrash)) Option {
	return func(s *Supervisor) {
		s.crashHook = fn
	}
}
