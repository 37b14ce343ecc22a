package supervisor

import (
	"context"
	"errors"
	"os"

	"github.com/benaskins/troupe/internal/port"
	"github.com/benaskins/troupe/internal/spec"
)

// StopResult summarizes a stop performed without a running supervisor.
type StopResult struct {
	Stopped        []string `json:"stopped,omitempty"`
	FreedPorts     []int    `json:"freed_ports,omitempty"`
	AlreadyStopped bool     `json:"already_stopped"`
}

// StopAll stops whatever a previous supervisor left running, using only the
// PID records and the descriptors: every recorded process whose identity
// still matches is stopped, dependents before their dependencies, then every described port
// is reclaimed. It takes the state directory lock, so it fails with
// ErrLocked while a supervisor is running.
func StopAll(ctx context.Context, reg *spec.Registry, opts ...Option) (StopResult, error) {
	s := newSupervisor(reg, opts...)
	var res StopResult

	if err := os.MkdirAll(s.stateDir, 0700); err != nil {
		return res, err
	}
	lock, err := acquireLock(LockPath(s.stateDir))
	if err != nil {
		return res, err
	}
	defer lock.release()

	recs, bad, err := s.records.all()
	if err != nil {
		return res, err
	}
	for _, path := range bad {
		s.logger.Warn("ignoring unreadable PID record", "path", path)
	}

	var errs []error
	for _, rec := range inShutdownOrder(reg, recs) {
		s.priorPIDs[rec.Service] = append(s.priorPIDs[rec.Service], rec.Identity.PID)

		stopped, err := stopRecorded(ctx, rec, s.stopGrace, s.logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if stopped {
			s.logger.Info("stopped recorded service", "service", rec.Service, "pid", rec.Identity.PID)
			res.Stopped = append(res.Stopped, rec.Service)
		}
		if err := s.records.remove(rec.Service); err != nil {
			errs = append(errs, err)
		}
	}

	for _, name := range reg.ShutdownOrder(reg.Names()) {
		sp, _ := reg.Get(name)
		p := sp.Network.Port
		outcome, err := s.reclaimer.FreePort(ctx, p, s.expectation(sp))
		switch {
		case errors.Is(err, port.ErrUnverifiedOccupant):
			s.logger.Warn("port held by an unrelated process; left alone", "service", name, "port", p)
		case err != nil:
			errs = append(errs, &PortConflictError{Service: name, Port: p, Err: err})
		case outcome == port.Freed:
			res.FreedPorts = append(res.FreedPorts, p)
		}
	}

	err = errors.Join(errs...)
	res.AlreadyStopped = err == nil && len(res.Stopped) == 0 && len(res.FreedPorts) == 0
	return res, err
}
