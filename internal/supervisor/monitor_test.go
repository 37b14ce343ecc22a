package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/benaskins/troupe/internal/audit"
	"github.com/benaskins/troupe/internal/driver"
	"github.com/benaskins/troupe/internal/health"
	"github.com/benaskins/troupe/internal/port"
	"github.com/benaskins/troupe/internal/spec"
)

func crashingSpec(name string, p int, after time.Duration, deps ...string) *spec.ServiceSpec {
	sp := helperSpec(name, p, "crash", deps...)
	sp.Env["TROUPE_TEST_CRASH_AFTER"] = after.String()
	return sp
}

func TestCrashIsDetected(t *testing.T) {
	crashes := make(chan *RuntimeCrash, 1)
	s := openTest(t,
		newRegistry(t, crashingSpec("api", freePort(t), time.Second)),
		WithCrashHandler(func(c *RuntimeCrash) { crashes <- c }),
	)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := pidOf(s, "api")

	select {
	case c := <-crashes:
		if c.Service != "api" || c.PID != pid || c.ExitCode != 2 {
			t.Errorf("crash = %+v, want api pid %d exit 2", c, pid)
		}
		if len(c.Tail) == 0 || c.Tail[len(c.Tail)-1] != "fatal: out of memory" {
			t.Errorf("tail = %q", c.Tail)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("crash not reported")
	}

	st, _ := s.Report().Get("api")
	if st.State != StateFailed || st.Up || st.LastError == "" {
		t.Errorf("status after crash = %+v", st)
	}
	if count(entries(t, s), audit.ActionCrash, "api") != 1 {
		t.Error("crash not journaled")
	}
	// A failed service is still cleaned up on shutdown.
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if st := s.stateOf("api"); st != StateStopped {
		t.Errorf("state after shutdown = %s", st)
	}
}

func TestCrashStopsDependents(t *testing.T) {
	reg := newRegistry(t,
		crashingSpec("api", freePort(t), time.Second),
		helperSpec("web", freePort(t), "http", "api"),
		helperSpec("tts", freePort(t), "http"),
	)
	s := openTest(t, reg, WithOnCrash(spec.OnCrashStopDependents))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 10*time.Second, "web to be stopped", func() bool {
		return s.stateOf("web") == StateStopped
	})
	if st := s.stateOf("api"); st != StateFailed {
		t.Errorf("api = %s, want failed", st)
	}
	if st := s.stateOf("tts"); st != StateHealthy {
		t.Errorf("unrelated tts = %s, want healthy", st)
	}
}

func TestCrashReportPolicyLeavesDependents(t *testing.T) {
	crashes := make(chan *RuntimeCrash, 1)
	reg := newRegistry(t,
		crashingSpec("api", freePort(t), time.Second),
		helperSpec("web", freePort(t), "http", "api"),
	)
	s := openTest(t, reg, WithCrashHandler(func(c *RuntimeCrash) { crashes <- c }))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-crashes:
	case <-time.After(10 * time.Second):
		t.Fatal("crash not reported")
	}
	time.Sleep(200 * time.Millisecond)
	if st := s.stateOf("web"); st != StateHealthy {
		t.Errorf("web = %s, want healthy under the report policy", st)
	}
}

func TestCrashRestartPolicy(t *testing.T) {
	sp := crashingSpec("api", freePort(t), 700*time.Millisecond)
	sp.Restart = &spec.RestartPolicy{
		Policy:      "on-failure",
		MaxAttempts: 1,
		Delay:       spec.Duration{Duration: 100 * time.Millisecond},
	}
	s := openTest(t, newRegistry(t, sp))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 15*time.Second, "restart attempts to run out", func() bool {
		return count(entries(t, s), audit.ActionCrash, "api") == 2
	})
	waitFor(t, 2*time.Second, "api to stay failed", func() bool {
		return s.stateOf("api") == StateFailed
	})

	es := entries(t, s)
	if n := count(es, audit.ActionLaunch, "api"); n != 2 {
		t.Errorf("launches = %d, want 2", n)
	}
	if n := count(es, audit.ActionRestart, "api"); n != 1 {
		t.Errorf("restarts = %d, want 1", n)
	}
	if st, _ := s.Report().Get("api"); st.Restarts != 1 {
		t.Errorf("restart count = %d", st.Restarts)
	}
}

func TestMonitorDegradedAndRecovered(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "unhealthy")
	sp := helperSpec("api", freePort(t), "flaky")
	sp.Env["TROUPE_TEST_FLAG"] = flag
	sp.Health.UnhealthyThreshold = 2
	s := openTest(t, newRegistry(t, sp))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Monitor(ctx) }()

	if err := os.WriteFile(flag, nil, 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, "degraded", func() bool { return s.stateOf("api") == StateDegraded })
	st, _ := s.Report().Get("api")
	if !st.Up || st.Health != health.StatusUnhealthy {
		t.Errorf("degraded status = %+v", st)
	}

	os.Remove(flag)
	waitFor(t, 5*time.Second, "recovered", func() bool { return s.stateOf("api") == StateHealthy })

	es := entries(t, s)
	if indexOf(es, audit.ActionDegraded, "api") < 0 || indexOf(es, audit.ActionRecovered, "api") < 0 {
		t.Errorf("journal = %+v", es)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Monitor = %v", err)
	}
}

func TestMonitorHungCheckDoesNotDelayOthers(t *testing.T) {
	dir := t.TempDir()
	hangFlag := filepath.Join(dir, "hang")
	failFlag := filepath.Join(dir, "fail")

	slow := helperSpec("slow", freePort(t), "stall")
	slow.Env["TROUPE_TEST_FLAG"] = hangFlag
	slow.Health.Timeout = spec.Duration{Duration: 5 * time.Second}
	api := helperSpec("api", freePort(t), "flaky")
	api.Env["TROUPE_TEST_FLAG"] = failFlag
	api.Health.UnhealthyThreshold = 2

	s := openTest(t, newRegistry(t, slow, api))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Monitor(ctx)

	if err := os.WriteFile(hangFlag, nil, 0644); err != nil {
		t.Fatal(err)
	}
	// Let a check of slow get stuck before api starts failing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(failFlag, nil, 0644); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	waitFor(t, 2*time.Second, "api degraded", func() bool { return s.stateOf("api") == StateDegraded })
	if d := time.Since(start); d > 1500*time.Millisecond {
		t.Errorf("api degraded after %v, want it on the monitor's schedule", d)
	}
	if st := s.stateOf("slow"); st != StateHealthy {
		t.Errorf("slow = %s, want healthy while its check is pending", st)
	}
}

func TestMonitorStopsOnShutdown(t *testing.T) {
	s := openTest(t, newRegistry(t, helperSpec("api", freePort(t), "http")))
	done := make(chan error, 1)
	go func() { done <- s.Monitor(context.Background()) }()

	s.Shutdown(context.Background())
	select {
	case err := <-done:
		if !errors.Is(err, suture.ErrDoNotRestart) {
			t.Errorf("Monitor = %v, want ErrDoNotRestart", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Monitor kept running after shutdown")
	}
}

func TestRestartRelaunchesDependents(t *testing.T) {
	reg := newRegistry(t,
		helperSpec("api", freePort(t), "http"),
		helperSpec("web", freePort(t), "http", "api"),
		helperSpec("tts", freePort(t), "http"),
	)
	s := openTest(t, reg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	apiPID, webPID, ttsPID := pidOf(s, "api"), pidOf(s, "web"), pidOf(s, "tts")

	if err := s.Restart(context.Background(), "api"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if pidOf(s, "api") == apiPID || pidOf(s, "web") == webPID {
		t.Error("api and its dependent should both have been relaunched")
	}
	if pidOf(s, "tts") != ttsPID {
		t.Error("unrelated service was restarted")
	}

	es := entries(t, s)
	webStop, apiStop := indexOf(es, audit.ActionStop, "web"), indexOf(es, audit.ActionStop, "api")
	if webStop < 0 || apiStop < 0 || webStop > apiStop {
		t.Errorf("stop order wrong: web at %d, api at %d", webStop, apiStop)
	}
	for _, name := range []string{"api", "web", "tts"} {
		if st := s.stateOf(name); st != StateHealthy {
			t.Errorf("%s = %s after restart", name, st)
		}
	}
}

func TestRestartStoppedService(t *testing.T) {
	s := openTest(t, newRegistry(t, helperSpec("api", freePort(t), "http")))
	if err := s.Restart(context.Background(), "api"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if st := s.stateOf("api"); st != StateHealthy {
		t.Errorf("api = %s", st)
	}
}

func TestRestartUnknownService(t *testing.T) {
	s := openTest(t, newRegistry(t, helperSpec("api", freePort(t), "http")))
	var cerr *ConfigError
	if err := s.Restart(context.Background(), "nope"); !errors.As(err, &cerr) {
		t.Fatalf("Restart = %v, want ConfigError", err)
	}
}

func TestStopAllAfterAbandonedRun(t *testing.T) {
	dir := t.TempDir()
	pa, pb := freePort(t), freePort(t)
	reg := newRegistry(t,
		helperSpec("api", pa, "http"),
		helperSpec("web", pb, "http", "api"),
	)
	s := openIn(t, dir, reg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	webPID := pidOf(s, "web")

	if _, err := StopAll(context.Background(), reg, testOptions(dir)...); !errors.Is(err, ErrLocked) {
		t.Fatalf("StopAll while running = %v, want ErrLocked", err)
	}

	abandon(s)
	res, err := StopAll(context.Background(), reg, testOptions(dir)...)
	if err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if len(res.Stopped) != 2 || res.Stopped[0] != "web" || res.AlreadyStopped {
		t.Errorf("result = %+v, want web then api stopped", res)
	}
	if !port.IsFree(pa) || !port.IsFree(pb) {
		t.Error("ports still bound")
	}
	// The abandoned supervisor still reaps its children, asynchronously.
	waitFor(t, 2*time.Second, "web to be reaped", func() bool { return !driver.Alive(webPID) })

	res, err = StopAll(context.Background(), reg, testOptions(dir)...)
	if err != nil || !res.AlreadyStopped {
		t.Errorf("second StopAll = %+v, %v; want already stopped", res, err)
	}
}

func TestStartReclaimsOrphansFromPreviousRun(t *testing.T) {
	dir := t.TempDir()
	p := freePort(t)
	reg := newRegistry(t, helperSpec("api", p, "http"))

	old := openIn(t, dir, reg)
	if err := old.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	oldPID := pidOf(old, "api")
	abandon(old)

	s := openIn(t, dir, reg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if pidOf(s, "api") == oldPID {
		t.Fatal("expected a fresh process")
	}
	es := entries(t, s)
	i := indexOf(es, audit.ActionOrphanReclaimed, "api")
	if i < 0 || es[i].PID != oldPID || es[i].Detail != old.RunID() {
		t.Errorf("orphan reclamation not journaled: %+v", es)
	}
	rec, ok, _ := s.records.load("api")
	if !ok || rec.RunID != s.RunID() {
		t.Errorf("record = %+v, want one from the new run", rec)
	}
}

func TestStartReclaimsOrphansDependentsFirst(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t,
		helperSpec("db", freePort(t), "http"),
		helperSpec("api", freePort(t), "http", "db"),
	)

	old := openIn(t, dir, reg)
	if err := old.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	abandon(old)

	s := openIn(t, dir, reg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	es := entries(t, s)
	api := indexOf(es, audit.ActionOrphanReclaimed, "api")
	db := indexOf(es, audit.ActionOrphanReclaimed, "db")
	if api < 0 || db < 0 {
		t.Fatalf("orphans not journaled: %+v", es)
	}
	if api > db {
		t.Errorf("db reclaimed at %d before its dependent api at %d", db, api)
	}
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()

	stranger := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer stranger.Close()
	strangerPort := stranger.Listener.Addr().(*net.TCPAddr).Port

	squatter, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer squatter.Close()
	squatPort := squatter.Addr().(*net.TCPAddr).Port

	apiPort := freePort(t)
	reg := newRegistry(t,
		helperSpec("api", apiPort, "http"),
		helperSpec("ext", strangerPort, "http"),
		helperSpec("idle", freePort(t), "http"),
		helperSpec("squat", squatPort, "http"),
	)
	running := newRegistry(t, helperSpec("api", apiPort, "http"))
	s := openIn(t, dir, running)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rep := Probe(context.Background(), reg, dir)
	if rep.Source != SourceProbe || rep.RunID != s.RunID() {
		t.Errorf("report header = %+v", rep)
	}
	cases := []struct {
		name   string
		up     bool
		state  State
		detail string
	}{
		{"api", true, StateHealthy, ""},
		{"ext", true, StateHealthy, "responding, but not launched by troupe"},
		{"idle", false, StateStopped, "not running"},
		{"squat", false, StateStopped, "port in use by another process"},
	}
	for _, tc := range cases {
		st, ok := rep.Get(tc.name)
		if !ok {
			t.Errorf("%s missing from report", tc.name)
			continue
		}
		if st.Up != tc.up || st.State != tc.state || st.Detail != tc.detail {
			t.Errorf("%s = %+v, want up=%v state=%s detail=%q", tc.name, st, tc.up, tc.state, tc.detail)
		}
	}
	if st, _ := rep.Get("api"); st.PID != pidOf(s, "api") {
		t.Errorf("api pid = %d, want %d", st.PID, pidOf(s, "api"))
	}
}
