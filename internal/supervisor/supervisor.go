// Package supervisor runs a constellation of services: dependency-ordered
// startup gated on health, continuous monitoring, and ordered shutdown that
// leaves no process or port behind.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/benaskins/troupe/internal/audit"
	"github.com/benaskins/troupe/internal/config"
	"github.com/benaskins/troupe/internal/driver"
	"github.com/benaskins/troupe/internal/health"
	"github.com/benaskins/troupe/internal/metrics"
	"github.com/benaskins/troupe/internal/port"
	"github.com/benaskins/troupe/internal/spec"
)

// Supervisor owns the supervision state of one run: a handle per launched
// service plus its last observed health. It is the only writer of PID
// records and service logs under its state directory.
type Supervisor struct {
	stateDir string
	runID    string
	runDir   string
	logger   *slog.Logger

	monitorInterval time.Duration
	stopGrace       time.Duration
	launchGrace     time.Duration
	reclaimGrace    time.Duration
	forceReclaim    bool
	rotation        driver.LogRotation
	crashHook       func(*RuntimeCrash)

	lock      *stateLock
	records   *recordStore
	journal   *audit.Logger
	reclaimer *port.Reclaimer
	claims    *port.Claims

	// ctx is cancelled when shutdown begins; in-flight startups and
	// crash restarts derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	registry      *spec.Registry
	onCrash       string
	staged        *spec.Registry
	stagedOnCrash string
	services      map[string]*managed
	priorPIDs     map[string][]int

	// opMu serializes start and restart sequences.
	opMu sync.Mutex

	launchMu sync.Mutex
	closing  bool
	startWG  sync.WaitGroup

	shutdownGroup singleflight.Group
	closeOnce     sync.Once
}

// managed is the handle of one service.
type managed struct {
	spec   *spec.ServiceSpec
	logger *slog.Logger

	state   State
	drv     driver.Driver
	gen     uint64 // bumped on every launch and stop; stale exit notices are ignored
	tracker *health.Tracker
	// checking is set while a monitor check of this service is in flight.
	checking bool

	launchedAt time.Time
	readyAt    time.Time
	restarts   int
	lastErr    string
	logPath    string

	warn rate.Sometimes
}

func newSupervisor(reg *spec.Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		stateDir:        config.DefaultStateDir(),
		logger:          slog.Default(),
		monitorInterval: DefaultMonitorInterval,
		stopGrace:       DefaultStopGrace,
		launchGrace:     DefaultLaunchGrace,
		reclaimGrace:    DefaultReclaimGrace,
		registry:        reg,
		onCrash:         spec.OnCrashReport,
		services:        make(map[string]*managed),
		priorPIDs:       make(map[string][]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	s.records = newRecordStore(s.stateDir)
	s.claims = port.NewClaims()
	s.reclaimer = port.NewReclaimer(s.reclaimGrace, s.forceReclaim, s.logger)
	return s
}

// Open takes ownership of the state directory and prepares a new run. It
// fails with ErrLocked if another supervisor already owns the directory.
func Open(reg *spec.Registry, opts ...Option) (*Supervisor, error) {
	if reg == nil {
		return nil, &ConfigError{Err: errors.New("no service registry")}
	}
	s := newSupervisor(reg, opts...)

	if err := os.MkdirAll(s.stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	lock, err := acquireLock(LockPath(s.stateDir))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s.runID = now.Format("20060102T150405.000Z") + "-" + strconv.Itoa(os.Getpid())
	s.runDir = filepath.Join(s.stateDir, "runs", s.runID)
	if err := os.MkdirAll(filepath.Join(s.runDir, "logs"), 0755); err != nil {
		lock.release()
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	journal, err := audit.NewLogger(filepath.Join(s.runDir, "events.log"), s.runID)
	if err != nil {
		lock.release()
		return nil, err
	}

	s.lock = lock
	s.journal = journal
	s.reclaimer.OnKill = func(p int, occ port.Occupant, sig unix.Signal) {
		metrics.IncReclaimSignal(strconv.Itoa(p), sig.String())
		s.journal.Log(audit.Entry{
			Action: audit.ActionReclaimKill,
			PID:    occ.PID,
			Port:   p,
			Detail: sig.String() + " " + occ.Name,
		})
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.logger = s.logger.With("run", s.runID)
	s.logger.Info("supervisor ready", "state_dir", s.stateDir, "services", len(reg.Names()))
	return s, nil
}

// LockPath returns the lock file location for a state directory.
func LockPath(stateDir string) string { return filepath.Join(stateDir, "troupe.lock") }

// SocketPath returns the control socket location for a state directory.
func SocketPath(stateDir string) string { return filepath.Join(stateDir, "troupe.sock") }

// RunID identifies this run; it names the run directory.
func (s *Supervisor) RunID() string { return s.runID }

// RunDir holds this run's service logs and event journal.
func (s *Supervisor) RunDir() string { return s.runDir }

// StateDir returns the state directory owned by the supervisor.
func (s *Supervisor) StateDir() string { return s.stateDir }

// JournalPath returns the event journal of this run.
func (s *Supervisor) JournalPath() string { return s.journal.Path() }

// Registry returns the descriptors currently in effect.
func (s *Supervisor) Registry() *spec.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry
}

// Stage queues a new descriptor set. It takes effect at the next restart,
// so running services are never changed underneath the operator.
func (s *Supervisor) Stage(reg *spec.Registry, onCrash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = reg
	s.stagedOnCrash = onCrash
}

func (s *Supervisor) applyStaged() *spec.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged != nil {
		s.registry = s.staged
		if s.stagedOnCrash != "" {
			s.onCrash = s.stagedOnCrash
		}
		s.staged = nil
		s.logger.Info("applied staged descriptors")
	}
	return s.registry
}

func (s *Supervisor) crashPolicy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onCrash
}

// begin registers an operation that shutdown must wait for.
func (s *Supervisor) begin() error {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}
	s.startWG.Add(1)
	return nil
}

// scoped derives a context that is also cancelled when shutdown begins.
func (s *Supervisor) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Start brings up the requested services (all when none are named) and
// everything they depend on, level by level. A service is launched only
// after every dependency is healthy. If any service fails, the services
// this call launched are stopped again before the error is returned.
func (s *Supervisor) Start(ctx context.Context, requested ...string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.startWG.Done()
	ctx, cancel := s.scoped(ctx)
	defer cancel()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	reg := s.Registry()
	levels, err := reg.StartupLevels(requested)
	if err != nil {
		return &ConfigError{Err: err}
	}
	s.logger.Info("startup order resolved", "levels", levels)

	s.reclaimOrphans(ctx)
	return s.runLevels(ctx, reg, levels)
}

func (s *Supervisor) runLevels(ctx context.Context, reg *spec.Registry, levels [][]string) error {
	var attempted []string
	for i, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range level {
			st := s.stateOf(name)
			if st.Up() {
				continue
			}
			if st == StateFailed {
				if err := s.stopService(ctx, name); err != nil {
					s.rollback(reg, attempted)
					return err
				}
			}
			sp, _ := reg.Get(name)
			attempted = append(attempted, name)
			g.Go(func() error { return s.bringUp(gctx, sp) })
		}
		if err := g.Wait(); err != nil {
			s.logger.Error("startup aborted", "level", i, "error", err)
			s.rollback(reg, attempted)
			return err
		}
	}
	if len(attempted) > 0 {
		s.logger.Info("services healthy", "services", attempted)
	}
	return nil
}

// rollback stops the named services, dependents first. It runs to
// completion even when the startup context was cancelled.
func (s *Supervisor) rollback(reg *spec.Registry, names []string) {
	if len(names) == 0 {
		return
	}
	s.logger.Warn("rolling back started services", "services", names)
	for _, name := range reg.ShutdownOrder(names) {
		if err := s.stopService(context.Background(), name); err != nil {
			s.logger.Error("rollback stop failed", "service", name, "error", err)
		}
	}
}

func (s *Supervisor) stateOf(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.services[name]; ok {
		return m.state
	}
	return StateStopped
}

func (s *Supervisor) entryLocked(sp *spec.ServiceSpec) *managed {
	name := sp.Name()
	m, ok := s.services[name]
	if !ok {
		m = &managed{
			state:  StateStopped,
			logger: s.logger.With("service", name),
			warn:   rate.Sometimes{Interval: 30 * time.Second},
		}
		s.services[name] = m
	}
	if m.state == StateStopped {
		m.spec = sp
	}
	return m
}

func (s *Supervisor) transitionLocked(m *managed, next State) error {
	if m.state == next {
		return nil
	}
	if !m.state.CanTransition(next) {
		err := &transitionError{service: m.spec.Name(), from: m.state, to: next}
		m.logger.Error("refusing state change", "error", err)
		return err
	}
	m.logger.Debug("state change", "from", m.state, "to", next)
	m.state = next
	metrics.SetState(m.spec.Name(), string(next), stateNames(AllStates))
	return nil
}

// fail marks a service Failed after a launch or readiness error.
func (s *Supervisor) fail(m *managed, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(m, StateFailed)
	m.lastErr = err.Error()
}

// bringUp drives one service from Stopped to Healthy.
func (s *Supervisor) bringUp(ctx context.Context, sp *spec.ServiceSpec) error {
	name := sp.Name()

	s.mu.Lock()
	m := s.entryLocked(sp)
	if err := s.transitionLocked(m, StateStarting); err != nil {
		s.mu.Unlock()
		return err
	}
	m.lastErr = ""
	log := m.logger
	s.mu.Unlock()

	log.Info("starting service", "port", sp.Network.Port)

	if err := s.claimPort(ctx, sp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fail(m, err)
		metrics.IncLaunchFailure(name, "port_conflict")
		s.journal.Log(audit.Entry{Action: audit.ActionPortConflict, Service: name, Port: sp.Network.Port, Error: err.Error()})
		log.Error("port unavailable", "port", sp.Network.Port, "error", err)
		return err
	}

	logPath := filepath.Join(s.runDir, "logs", name+".log")
	drv, err := s.newDriver(sp, logPath)
	if err == nil {
		err = s.launch(ctx, m, drv, logPath)
	}
	if err != nil {
		if errors.Is(err, ErrShuttingDown) {
			return err
		}
		lerr := &LaunchError{Service: name, ExitCode: -1, Err: err}
		if drv != nil {
			lerr.Tail = drv.LogLines(tailLines)
		}
		s.launchFailed(m, lerr, "spawn")
		return lerr
	}

	info := drv.Info()
	log = log.With("pid", info.PID)
	log.Info("service launched", "log", logPath)

	if s.launchGrace > 0 {
		timer := time.NewTimer(s.launchGrace)
		select {
		case <-drv.Done():
			timer.Stop()
			code, _ := drv.Wait()
			lerr := &LaunchError{
				Service:  name,
				ExitCode: code,
				Err:      fmt.Errorf("exited immediately with code %d", code),
				Tail:     drv.LogLines(tailLines),
			}
			s.launchFailed(m, lerr, "exited")
			return lerr
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	s.mu.Lock()
	err = s.transitionLocked(m, StateAwaitingHealth)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	policy := health.RetryPolicy{
		Interval:    sp.ProbeInterval(),
		MaxDuration: sp.StartTimeout(),
		Jitter:      0.1,
	}
	res, err := health.WaitUntilHealthy(ctx, probeConfig(sp), policy, drv.Done())
	switch {
	case err == nil:
	case errors.Is(err, health.ErrProcessExited):
		code, _ := drv.Wait()
		lerr := &LaunchError{
			Service:  name,
			ExitCode: code,
			Err:      fmt.Errorf("exited with code %d before becoming healthy", code),
			Tail:     drv.LogLines(tailLines),
		}
		s.launchFailed(m, lerr, "exited")
		return lerr
	case errors.Is(err, health.ErrTimeout):
		herr := &HealthTimeoutError{
			Service: name,
			Timeout: sp.StartTimeout(),
			Last:    res,
			Err:     err,
			Tail:    drv.LogLines(tailLines),
		}
		s.fail(m, herr)
		metrics.IncLaunchFailure(name, "health_timeout")
		s.journal.Log(audit.Entry{Action: audit.ActionHealthTimeout, Service: name, PID: info.PID, Port: sp.Network.Port, Error: res.Message})
		log.Error("service never became healthy", "timeout", sp.StartTimeout(), "last", res.Message)
		return herr
	default:
		return err
	}

	s.mu.Lock()
	err = s.transitionLocked(m, StateHealthy)
	m.tracker = health.NewTracker(sp.UnhealthyThreshold(), health.StatusHealthy)
	m.tracker.Observe(res)
	m.readyAt = time.Now()
	gen := m.gen
	s.mu.Unlock()
	if err != nil {
		return err
	}

	ready := time.Since(info.StartedAt)
	metrics.ObserveReady(name, ready.Seconds())
	s.journal.Log(audit.Entry{Action: audit.ActionHealthy, Service: name, PID: info.PID, Port: sp.Network.Port, Detail: ready.Round(time.Millisecond).String()})
	log.Info("service healthy", "ready_in", ready.Round(time.Millisecond))

	go s.watchExit(name, gen, drv)
	return nil
}

func (s *Supervisor) launchFailed(m *managed, err *LaunchError, reason string) {
	name := m.spec.Name()
	s.fail(m, err)
	metrics.IncLaunchFailure(name, reason)
	s.journal.Log(audit.Entry{Action: audit.ActionLaunchFailed, Service: name, Port: m.spec.Network.Port, Error: err.Err.Error()})
	m.logger.Error("launch failed", "error", err.Err, "exit_code", err.ExitCode)
}

// claimPort reserves the service's port among managed services and frees it
// from any leftover process.
func (s *Supervisor) claimPort(ctx context.Context, sp *spec.ServiceSpec) error {
	name, p := sp.Name(), sp.Network.Port
	if err := s.claims.Claim(name, p); err != nil {
		return &PortConflictError{Service: name, Port: p, Err: err}
	}
	outcome, err := s.reclaimer.FreePort(ctx, p, s.expectation(sp))
	if err != nil {
		s.claims.Release(name)
		return &PortConflictError{Service: name, Port: p, Err: err}
	}
	if outcome == port.Freed {
		s.logger.Warn("reclaimed port from leftover process", "service", name, "port", p)
	}
	return nil
}

// launch spawns the process and registers its handle and PID record. The
// closing check and the registration happen under launchMu, so shutdown
// either sees the new handle or the launch never happens.
func (s *Supervisor) launch(ctx context.Context, m *managed, drv driver.Driver, logPath string) error {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}

	sp := m.spec
	name := sp.Name()
	if err := drv.Start(ctx); err != nil {
		return err
	}
	info := drv.Info()

	s.mu.Lock()
	m.drv = drv
	m.gen++
	m.launchedAt = info.StartedAt
	m.logPath = logPath
	s.mu.Unlock()

	id := info.Identity
	if id.PID == 0 {
		id.PID = info.PID
	}
	rec := Record{
		Service:   name,
		RunID:     s.runID,
		Type:      "native",
		Identity:  id,
		Port:      sp.Network.Port,
		Command:   sp.Service.Command,
		LogPath:   logPath,
		StartedAt: info.StartedAt,
	}
	if sp.IsContainer() {
		rec.Type = "container"
		rec.Container = driver.ContainerName(name)
	}
	if err := s.records.save(rec); err != nil {
		m.logger.Warn("failed to save PID record", "error", err)
	}

	metrics.IncLaunch(name)
	s.journal.Log(audit.Entry{Action: audit.ActionLaunch, Service: name, PID: info.PID, Port: sp.Network.Port, Detail: logPath})
	return nil
}

func (s *Supervisor) newDriver(sp *spec.ServiceSpec, logPath string) (driver.Driver, error) {
	if sp.IsContainer() {
		drv, err := driver.NewContainer(driver.ContainerConfig{
			Name:        sp.Name(),
			Image:       sp.Service.Image,
			Env:         serviceEnv(sp, false),
			NetworkMode: sp.Service.NetworkMode,
			Port:        sp.Network.Port,
			Volumes:     sp.Volumes,
			LogPath:     logPath,
			Rotation:    s.rotation,
		})
		if err != nil {
			return nil, err
		}
		return drv, nil
	}
	return driver.NewNative(driver.NativeConfig{
		Command:    sp.Service.Command,
		Env:        serviceEnv(sp, true),
		WorkingDir: sp.Service.WorkingDir,
		LogPath:    logPath,
		Rotation:   s.rotation,
	}), nil
}

// serviceEnv builds a service environment: optionally the supervisor's own,
// then PORT, then the descriptor's env, later entries winning.
func serviceEnv(sp *spec.ServiceSpec, inherit bool) []string {
	var env []string
	if inherit {
		env = os.Environ()
	}
	env = append(env, "PORT="+strconv.Itoa(sp.Network.Port))
	keys := make([]string, 0, len(sp.Env))
	for k := range sp.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+sp.Env[k])
	}
	return env
}

// expectation describes what a leftover of sp bound to its port looks like.
func (s *Supervisor) expectation(sp *spec.ServiceSpec, pids ...int) port.Expectation {
	exp := port.Expectation{Names: append([]string(nil), sp.Network.Reclaim...)}
	if sp.IsContainer() {
		exp.Names = append(exp.Names, "docker-proxy")
	} else if fields := strings.Fields(sp.Service.Command); len(fields) > 0 {
		exp.Names = append(exp.Names, fields[0])
	}

	s.mu.Lock()
	exp.PIDs = append(exp.PIDs, s.priorPIDs[sp.Name()]...)
	s.mu.Unlock()
	for _, pid := range pids {
		if pid > 0 {
			exp.PIDs = append(exp.PIDs, pid)
		}
	}
	return exp
}

func probeConfig(sp *spec.ServiceSpec) health.Config {
	return health.Config{
		URL:     sp.HealthURL(),
		Port:    sp.Network.Port,
		Timeout: sp.ProbeTimeout(),
	}
}

// reclaimOrphans terminates processes recorded by earlier runs that are
// still alive, dependents first, then clears their records.
func (s *Supervisor) reclaimOrphans(ctx context.Context) {
	recs, bad, err := s.records.all()
	if err != nil {
		s.logger.Warn("cannot read PID records", "error", err)
		return
	}
	for _, path := range bad {
		s.logger.Warn("ignoring unreadable PID record", "path", path)
	}
	for _, rec := range inShutdownOrder(s.Registry(), recs) {
		if rec.RunID == s.runID {
			continue
		}
		s.mu.Lock()
		s.priorPIDs[rec.Service] = append(s.priorPIDs[rec.Service], rec.Identity.PID)
		s.mu.Unlock()

		stopped, err := stopRecorded(ctx, rec, s.stopGrace, s.logger)
		if err != nil {
			s.logger.Error("failed to reclaim process from previous run", "service", rec.Service, "pid", rec.Identity.PID, "error", err)
			continue
		}
		if stopped {
			s.logger.Warn("reclaimed process from previous run", "service", rec.Service, "pid", rec.Identity.PID, "run", rec.RunID)
			s.journal.Log(audit.Entry{Action: audit.ActionOrphanReclaimed, Service: rec.Service, PID: rec.Identity.PID, Port: rec.Port, Detail: rec.RunID})
		}
		if err := s.records.remove(rec.Service); err != nil {
			s.logger.Warn("failed to clear PID record", "service", rec.Service, "error", err)
		}
	}
}

// stopRecorded stops the process or container behind a record from another
// run. It reports false when nothing recognizable was running.
func stopRecorded(ctx context.Context, rec Record, grace time.Duration, logger *slog.Logger) (bool, error) {
	if rec.Container != "" {
		if !driver.ContainerRunning(ctx, rec.Container) {
			return false, nil
		}
		return true, driver.StopContainer(ctx, rec.Container, grace)
	}
	if rec.Identity.PID <= 0 {
		return false, nil
	}
	drv, err := driver.NewAdopted(ctx, rec.Identity, rec.StartedAt, rec.LogPath)
	if err != nil {
		if driver.Alive(rec.Identity.PID) {
			logger.Warn("recorded PID now belongs to another process; leaving it alone",
				"service", rec.Service, "pid", rec.Identity.PID, "recorded_name", rec.Identity.Name)
		}
		return false, nil
	}
	if err := drv.Stop(ctx, grace); err != nil {
		return true, fmt.Errorf("stopping %s (pid %d): %w", rec.Service, rec.Identity.PID, err)
	}
	return true, nil
}
