package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/benaskins/troupe/internal/audit"
	"github.com/benaskins/troupe/internal/driver"
	"github.com/benaskins/troupe/internal/health"
	"github.com/benaskins/troupe/internal/metrics"
	"github.com/benaskins/troupe/internal/spec"
)

// Monitor checks liveness and health of every serving service at the
// monitor interval until ctx is cancelled or shutdown begins. Each service
// is checked on its own, bounded by its probe timeout; a service whose
// previous check is still running is skipped for that tick.
func (s *Supervisor) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	s.logger.Debug("monitoring started", "interval", s.monitorInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return suture.ErrDoNotRestart
		case <-ticker.C:
			s.checkAll(ctx, &inflight)
		}
	}
}

type checkTarget struct {
	name string
	gen  uint64
	sp   *spec.ServiceSpec
	drv  driver.Driver
	m    *managed
}

// checkAll starts a check for every serving service not already being
// checked and returns without waiting for them.
func (s *Supervisor) checkAll(ctx context.Context, inflight *sync.WaitGroup) {
	s.mu.Lock()
	targets := make([]checkTarget, 0, len(s.services))
	for name, m := range s.services {
		if m.state.Up() && m.drv != nil && !m.checking {
			m.checking = true
			targets = append(targets, checkTarget{name: name, gen: m.gen, sp: m.spec, drv: m.drv, m: m})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer func() {
				s.mu.Lock()
				t.m.checking = false
				s.mu.Unlock()
			}()
			s.checkOne(ctx, t)
		}()
	}
}

func (s *Supervisor) checkOne(ctx context.Context, t checkTarget) {
	if exited(t.drv) {
		s.handleExit(t.name, t.gen)
		return
	}
	res := health.Check(ctx, probeConfig(t.sp))
	if exited(t.drv) {
		s.handleExit(t.name, t.gen)
		return
	}
	metrics.ObserveCheck(t.name, res.Latency.Seconds(), res.Healthy())
	s.observe(t.name, t.gen, res)
}

func exited(drv driver.Driver) bool {
	select {
	case <-drv.Done():
		return true
	default:
		return false
	}
}

// observe feeds a check result into the service's tracker and moves it
// between Healthy and Degraded.
func (s *Supervisor) observe(name string, gen uint64, res health.Result) {
	s.mu.Lock()
	m := s.services[name]
	if m == nil || m.gen != gen || !m.state.Up() || m.tracker == nil {
		s.mu.Unlock()
		return
	}
	_, next := m.tracker.Observe(res)
	var action audit.Action
	switch {
	case next == health.StatusUnhealthy && m.state == StateHealthy:
		if s.transitionLocked(m, StateDegraded) == nil {
			action = audit.ActionDegraded
		}
	case next == health.StatusHealthy && m.state == StateDegraded:
		if s.transitionLocked(m, StateHealthy) == nil {
			action = audit.ActionRecovered
		}
	}
	state := m.state
	fails := m.tracker.ConsecutiveFails()
	port := m.spec.Network.Port
	s.mu.Unlock()

	switch action {
	case audit.ActionDegraded:
		m.logger.Warn("service degraded", "consecutive_failures", fails, "detail", res.Message)
		s.journal.Log(audit.Entry{Action: audit.ActionDegraded, Service: name, Port: port, Detail: res.Message})
	case audit.ActionRecovered:
		m.logger.Info("service recovered")
		s.journal.Log(audit.Entry{Action: audit.ActionRecovered, Service: name, Port: port})
	default:
		if state == StateDegraded {
			m.warn.Do(func() {
				m.logger.Warn("service still degraded", "consecutive_failures", fails, "detail", res.Message)
			})
		}
	}
}

// watchExit reports the exit of a healthy service's process.
func (s *Supervisor) watchExit(name string, gen uint64, drv driver.Driver) {
	select {
	case <-drv.Done():
		s.handleExit(name, gen)
	case <-s.ctx.Done():
	}
}

// handleExit turns an unexpected exit into Failed and applies the restart
// and crash policies. Exits of stopped or relaunched handles are ignored.
func (s *Supervisor) handleExit(name string, gen uint64) {
	s.mu.Lock()
	m := s.services[name]
	if m == nil || m.gen != gen || !m.state.Up() {
		s.mu.Unlock()
		return
	}
	if s.transitionLocked(m, StateFailed) != nil {
		s.mu.Unlock()
		return
	}
	sp := m.spec
	info := m.drv.Info()
	crash := &RuntimeCrash{
		Service:  name,
		PID:      info.PID,
		ExitCode: info.ExitCode,
		Tail:     m.drv.LogLines(tailLines),
	}
	if info.Error != "" {
		crash.Err = errors.New(info.Error)
	}
	m.lastErr = fmt.Sprintf("exited unexpectedly with code %d", info.ExitCode)

	restart, max, delay := sp.RestartOnFailure()
	willRestart := restart && (max == 0 || m.restarts < max)
	if willRestart {
		m.restarts++
	}
	attempt := m.restarts
	s.mu.Unlock()

	m.logger.Error("service crashed", "pid", info.PID, "exit_code", info.ExitCode)
	metrics.IncCrash(name)
	s.journal.Log(audit.Entry{
		Action:  audit.ActionCrash,
		Service: name,
		PID:     info.PID,
		Port:    sp.Network.Port,
		Detail:  fmt.Sprintf("exit code %d", info.ExitCode),
		Error:   info.Error,
	})
	if s.crashHook != nil {
		s.crashHook(crash)
	}

	switch {
	case willRestart:
		go s.restartAfterCrash(name, attempt, delay)
	case restart:
		m.logger.Error("restart attempts exhausted", "attempts", max)
		fallthrough
	default:
		if s.crashPolicy() == spec.OnCrashStopDependents {
			go s.stopDependents(name)
		}
	}
}

func (s *Supervisor) restartAfterCrash(name string, attempt int, delay time.Duration) {
	if err := s.begin(); err != nil {
		return
	}
	defer s.startWG.Done()

	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-s.ctx.Done():
		timer.Stop()
		return
	}

	s.logger.Warn("restarting crashed service", "service", name, "attempt", attempt)
	s.journal.Log(audit.Entry{Action: audit.ActionRestart, Service: name, Detail: fmt.Sprintf("attempt %d", attempt)})
	if err := s.restart(s.ctx, name); err != nil {
		s.logger.Error("restart after crash failed", "service", name, "error", err)
	}
}

// stopDependents stops everything that transitively depends on a crashed
// service, dependents of dependents first.
func (s *Supervisor) stopDependents(name string) {
	if err := s.begin(); err != nil {
		return
	}
	defer s.startWG.Done()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	reg := s.Registry()
	var active []string
	for _, dep := range reg.Dependents(name) {
		if s.stateOf(dep).Active() {
			active = append(active, dep)
		}
	}
	for _, dep := range reg.ShutdownOrder(active) {
		s.logger.Warn("stopping dependent of crashed service", "service", dep, "crashed", name)
		if err := s.stopService(context.Background(), dep); err != nil {
			s.logger.Error("failed to stop dependent", "service", dep, "error", err)
		}
	}
}
