package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/benaskins/troupe/internal/driver"
	"github.com/benaskins/troupe/internal/health"
	"github.com/benaskins/troupe/internal/logbuf"
	"github.com/benaskins/troupe/internal/port"
	"github.com/benaskins/troupe/internal/spec"
)

// Report sources.
const (
	SourceSupervisor = "supervisor"
	SourceProbe      = "probe"
)

// ServiceStatus is the externally visible state of one service.
type ServiceStatus struct {
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Up        bool          `json:"up"`
	State     State         `json:"state"`
	Health    health.Status `json:"health"`
	Detail    string        `json:"detail,omitempty"`
	PID       int           `json:"pid,omitempty"`
	Port      int           `json:"port"`
	PortInUse bool          `json:"port_in_use"`
	Uptime    string        `json:"uptime,omitempty"`
	Restarts  int           `json:"restarts,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	LogPath   string        `json:"log_path,omitempty"`
}

// Report is a point-in-time view of every described service.
type Report struct {
	Source   string          `json:"source"`
	RunID    string          `json:"run_id,omitempty"`
	Taken    time.Time       `json:"taken"`
	Services []ServiceStatus `json:"services"`
}

// AllDown reports whether no service is up and no described port is bound.
func (r Report) AllDown() bool {
	for _, st := range r.Services {
		if st.Up || st.PortInUse {
			return false
		}
	}
	return true
}

// Get returns the status of one service.
func (r Report) Get(name string) (ServiceStatus, bool) {
	for _, st := range r.Services {
		if st.Name == name {
			return st, true
		}
	}
	return ServiceStatus{}, false
}

func serviceType(sp *spec.ServiceSpec) string {
	if sp.IsContainer() {
		return "container"
	}
	return "native"
}

func uptime(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return time.Since(since).Round(time.Second).String()
}

// Report builds the view from the supervision state.
func (s *Supervisor) Report() Report {
	reg := s.Registry()
	rep := Report{Source: SourceSupervisor, RunID: s.runID, Taken: time.Now().UTC()}

	s.mu.Lock()
	for _, sp := range reg.Specs() {
		st := ServiceStatus{
			Name:   sp.Name(),
			Type:   serviceType(sp),
			State:  StateStopped,
			Health: health.StatusUnknown,
			Port:   sp.Network.Port,
		}
		if m, ok := s.services[sp.Name()]; ok {
			st.State = m.state
			st.Up = m.state.Up()
			st.Restarts = m.restarts
			st.LastError = m.lastErr
			st.LogPath = m.logPath
			if m.tracker != nil && st.Up {
				last := m.tracker.Last()
				st.Health = m.tracker.Status()
				st.Detail = last.Message
			}
			if m.drv != nil && m.state.Active() {
				st.PID = m.drv.Info().PID
			}
			if st.Up {
				st.Uptime = uptime(m.launchedAt)
			}
		}
		if st.Detail == "" && !st.Up {
			st.Detail = "not running"
		}
		rep.Services = append(rep.Services, st)
	}
	s.mu.Unlock()

	for i := range rep.Services {
		rep.Services[i].PortInUse = !port.IsFree(rep.Services[i].Port)
	}
	return rep
}

// Logs returns up to n recent output lines of a service from this run.
func (s *Supervisor) Logs(name string, n int) ([]string, error) {
	s.mu.Lock()
	m, ok := s.services[name]
	var drv driver.Driver
	var path string
	if ok {
		drv, path = m.drv, m.logPath
	}
	s.mu.Unlock()

	if _, known := s.Registry().Get(name); !known && !ok {
		return nil, fmt.Errorf("%w: %q", spec.ErrUnknownService, name)
	}
	if drv != nil {
		return drv.LogLines(n), nil
	}
	if path == "" {
		return nil, nil
	}
	return logbuf.TailFile(path, n)
}

// LatestLogPath finds the log of name's most recent run without a
// supervisor: the PID record's log if one is left, else the newest run
// directory holding a log for it.
func LatestLogPath(stateDir, name string) (string, error) {
	if rec, ok, err := newRecordStore(stateDir).load(name); err == nil && ok && rec.LogPath != "" {
		return rec.LogPath, nil
	}
	runs, err := os.ReadDir(filepath.Join(stateDir, "runs"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	// Run IDs start with a UTC timestamp, so names sort chronologically.
	for i := len(runs) - 1; i >= 0; i-- {
		path := filepath.Join(stateDir, "runs", runs[i].Name(), "logs", name+".log")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no log found for %s in %s", name, stateDir)
}

// Probe builds a report without a running supervisor: PID records are
// checked against the live process table and every service's health
// endpoint or port is probed directly.
func Probe(ctx context.Context, reg *spec.Registry, stateDir string) Report {
	recs, _, _ := newRecordStore(stateDir).all()
	byName := make(map[string]Record, len(recs))
	for _, rec := range recs {
		byName[rec.Service] = rec
	}

	specs := reg.Specs()
	rep := Report{Source: SourceProbe, Taken: time.Now().UTC(), Services: make([]ServiceStatus, len(specs))}
	var g errgroup.Group
	for i, sp := range specs {
		rec, hasRec := byName[sp.Name()]
		g.Go(func() error {
			var r *Record
			if hasRec {
				r = &rec
			}
			rep.Services[i] = probeOne(ctx, sp, r)
			return nil
		})
	}
	g.Wait()
	if len(recs) > 0 {
		rep.RunID = recs[len(recs)-1].RunID
	}
	return rep
}

func probeOne(ctx context.Context, sp *spec.ServiceSpec, rec *Record) ServiceStatus {
	st := ServiceStatus{
		Name:   sp.Name(),
		Type:   serviceType(sp),
		State:  StateStopped,
		Health: health.StatusUnknown,
		Port:   sp.Network.Port,
	}

	alive := false
	if rec != nil {
		st.LogPath = rec.LogPath
		if rec.Container != "" {
			alive = driver.ContainerRunning(ctx, rec.Container)
		} else {
			alive = driver.VerifyProcess(ctx, rec.Identity)
		}
		if alive {
			st.PID = rec.Identity.PID
			st.Uptime = uptime(rec.StartedAt)
		}
	}

	res := health.Check(ctx, probeConfig(sp))
	st.Health = res.Status
	st.PortInUse = !port.IsFree(sp.Network.Port)
	switch {
	case res.Healthy() && alive:
		st.Up, st.State = true, StateHealthy
	case res.Healthy():
		st.Up, st.State = true, StateHealthy
		st.Detail = "responding, but not launched by troupe"
	case alive:
		st.Up, st.State = true, StateDegraded
		st.Detail = res.Message
	case st.PortInUse:
		st.Detail = "port in use by another process"
	default:
		st.Detail = "not running"
	}
	return st
}
