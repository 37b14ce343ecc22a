package port

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrUnverifiedOccupant means the port is held by a process that does not
	// look like a leftover of the service, so it was left alone.
	ErrUnverifiedOccupant = errors.New("port held by an unrecognized process")
	// ErrNotReleased means the port stayed bound after forced termination.
	ErrNotReleased = errors.New("port not released")
)

// Outcome reports what FreePort did.
type Outcome int

const (
	NothingToFree Outcome = iota
	Freed
)

func (o Outcome) String() string {
	if o == Freed {
		return "freed"
	}
	return "nothing to free"
}

// KillFunc is notified for every signal the reclaimer sends.
type KillFunc func(port int, occ Occupant, sig unix.Signal)

// Reclaimer terminates leftover processes holding a port.
type Reclaimer struct {
	// Grace is how long a SIGTERM'd occupant gets before SIGKILL.
	Grace time.Duration
	// Force kills any occupant, skipping the identity check.
	Force  bool
	Logger *slog.Logger
	// OnKill, when set, observes each signal sent.
	OnKill KillFunc

	lookup func(ctx context.Context, port int) ([]Occupant, error)
	signal func(pid int, sig unix.Signal) error
	isFree func(port int) bool
	poll   time.Duration
}

// NewReclaimer creates a reclaimer using the live process and socket tables.
func NewReclaimer(grace time.Duration, force bool, logger *slog.Logger) *Reclaimer {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		Grace:  grace,
		Force:  force,
		Logger: logger.With("component", "reclaimer"),
		lookup: Occupants,
		signal: unix.Kill,
		isFree: IsFree,
		poll:   50 * time.Millisecond,
	}
}

// FreePort makes port available. Occupants that match exp (or any occupant
// when Force is set) receive SIGTERM, then SIGKILL after Grace. A port that
// is already free returns NothingToFree and no error, so calls are idempotent.
// Only processes bound to the port are signalled.
func (r *Reclaimer) FreePort(ctx context.Context, port int, exp Expectation) (Outcome, error) {
	occupants, err := r.lookup(ctx, port)
	if err != nil {
		return NothingToFree, fmt.Errorf("resolving occupant of port %d: %w", port, err)
	}
	if len(occupants) == 0 {
		if r.isFree(port) {
			return NothingToFree, nil
		}
		// Bound, but the socket table did not name an owner we can see.
		return NothingToFree, fmt.Errorf("%w: port %d is bound by a process that cannot be identified", ErrUnverifiedOccupant, port)
	}

	var targets []Occupant
	var foreign []string
	for _, occ := range occupants {
		if occ.PID <= 0 {
			foreign = append(foreign, occ.String())
			continue
		}
		if r.Force || exp.Matches(occ) {
			targets = append(targets, occ)
			continue
		}
		foreign = append(foreign, occ.String())
	}
	if len(foreign) > 0 {
		return NothingToFree, fmt.Errorf("%w: port %d held by %s", ErrUnverifiedOccupant, port, strings.Join(foreign, ", "))
	}

	logger := r.Logger.With("port", port)
	for _, occ := range targets {
		logger.Warn("terminating leftover process", "pid", occ.PID, "name", occ.Name)
		r.send(port, occ, unix.SIGTERM)
	}
	if r.waitReleased(ctx, port, r.Grace) {
		return Freed, nil
	}

	for _, occ := range targets {
		logger.Warn("force-killing leftover process", "pid", occ.PID, "name", occ.Name)
		r.send(port, occ, unix.SIGKILL)
	}
	if r.waitReleased(ctx, port, 2*time.Second) {
		return Freed, nil
	}
	if ctx.Err() != nil {
		return NothingToFree, ctx.Err()
	}
	return NothingToFree, fmt.Errorf("%w: port %d still bound after SIGKILL", ErrNotReleased, port)
}

func (r *Reclaimer) send(port int, occ Occupant, sig unix.Signal) {
	if err := r.signal(occ.PID, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		r.Logger.Warn("signal failed", "port", port, "pid", occ.PID, "signal", sig.String(), "error", err)
	}
	if r.OnKill != nil {
		r.OnKill(port, occ, sig)
	}
}

// waitReleased polls until the port can be bound again.
func (r *Reclaimer) waitReleased(ctx context.Context, port int, limit time.Duration) bool {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		if r.isFree(port) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return r.isFree(port)
		case <-ctx.Done():
			return false
		}
	}
}
