package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/benaskins/troupe/internal/audit"
	"github.com/benaskins/troupe/internal/port"
	"github.com/benaskins/troupe/internal/spec"
)

// Shutdown stops every running service in reverse startup order. Concurrent
// and repeated calls share one shutdown; once begun, no new launch is
// accepted and in-flight startups are cancelled and rolled back first. With
// nothing running it returns nil.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	_, err, _ := s.shutdownGroup.Do("shutdown", func() (any, error) {
		s.launchMu.Lock()
		first := !s.closing
		s.closing = true
		s.launchMu.Unlock()

		if first {
			s.logger.Info("shutting down")
		}
		s.cancel()
		s.startWG.Wait()
		return nil, s.stopAll(ctx)
	})
	return err
}

// Closing reports whether shutdown has begun.
func (s *Supervisor) Closing() bool {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	return s.closing
}

// Close shuts down, then releases the state directory lock and the journal.
func (s *Supervisor) Close() error {
	err := s.Shutdown(context.Background())
	s.closeOnce.Do(func() {
		s.journal.Close()
		if lerr := s.lock.release(); lerr != nil {
			err = errors.Join(err, lerr)
		}
	})
	return err
}

func (s *Supervisor) stopAll(ctx context.Context) error {
	reg := s.Registry()

	s.mu.Lock()
	var active []string
	for name, m := range s.services {
		if m.state.Active() {
			active = append(active, name)
		}
	}
	s.mu.Unlock()

	if len(active) == 0 {
		s.logger.Info("nothing running")
		return nil
	}

	var errs []error
	for _, name := range reg.ShutdownOrder(active) {
		if err := s.stopService(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		s.logger.Info("all services stopped")
	}
	return errors.Join(errs...)
}

// stopService drives one service to Stopped: graceful signal to its process
// group, forced kill after the stop grace, then port reclamation as a safety
// net. The handle and PID record are dropped only once the process is gone.
func (s *Supervisor) stopService(ctx context.Context, name string) error {
	s.mu.Lock()
	m := s.services[name]
	if m == nil || m.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	if err := s.transitionLocked(m, StateStopping); err != nil {
		s.mu.Unlock()
		return err
	}
	m.gen++
	drv, sp := m.drv, m.spec
	s.mu.Unlock()

	log := m.logger
	var pid int
	var stopErr error
	if drv != nil {
		pid = drv.Info().PID
		log.Info("stopping service", "pid", pid)
		if err := drv.Stop(ctx, s.stopGrace); err != nil && !exited(drv) {
			stopErr = fmt.Errorf("stopping %s: %w", name, err)
		}
	}

	// The reclaimer bounds itself; it must run even if ctx is already done.
	p := sp.Network.Port
	outcome, err := s.reclaimer.FreePort(context.WithoutCancel(ctx), p, s.expectation(sp, pid))
	switch {
	case errors.Is(err, port.ErrUnverifiedOccupant):
		log.Warn("port held by an unrelated process after stop", "port", p, "error", err)
	case err != nil:
		stopErr = errors.Join(stopErr, &PortConflictError{Service: name, Port: p, Err: err})
	case outcome == port.Freed:
		log.Warn("port was still held after stop; reclaimed", "port", p)
	}

	s.mu.Lock()
	if stopErr != nil {
		s.transitionLocked(m, StateFailed)
		m.lastErr = stopErr.Error()
		s.mu.Unlock()
		log.Error("stop incomplete; keeping PID record", "error", stopErr)
		return stopErr
	}
	s.transitionLocked(m, StateStopped)
	m.drv = nil
	m.tracker = nil
	s.mu.Unlock()

	s.claims.Release(name)
	if err := s.records.remove(name); err != nil {
		log.Warn("failed to clear PID record", "error", err)
	}
	s.journal.Log(audit.Entry{Action: audit.ActionStop, Service: name, PID: pid, Port: p})
	log.Info("service stopped")
	return nil
}

// Restart stops the service's running dependents, then the service, and
// brings them back up in dependency order with health gating. Staged
// descriptor changes take effect here.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.startWG.Done()
	ctx, cancel := s.scoped(ctx)
	defer cancel()

	s.mu.Lock()
	if m, ok := s.services[name]; ok {
		m.restarts = 0
	}
	s.mu.Unlock()

	s.journal.Log(audit.Entry{Action: audit.ActionRestart, Service: name, Detail: "requested"})
	return s.restart(ctx, name)
}

func (s *Supervisor) restart(ctx context.Context, name string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	reg := s.applyStaged()
	if _, ok := reg.Get(name); !ok {
		return &ConfigError{Err: fmt.Errorf("%w: %q", spec.ErrUnknownService, name)}
	}

	var active []string
	for _, dep := range reg.Dependents(name) {
		if s.stateOf(dep).Active() {
			active = append(active, dep)
		}
	}
	for _, dep := range reg.ShutdownOrder(active) {
		if err := s.stopService(ctx, dep); err != nil {
			return err
		}
	}
	if err := s.stopService(ctx, name); err != nil {
		return err
	}

	levels, err := reg.StartupLevels(append([]string{name}, active...))
	if err != nil {
		return &ConfigError{Err: err}
	}
	return s.runLevels(ctx, reg, levels)
}
