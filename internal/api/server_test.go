package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benaskins/troupe/internal/health"
	"github.com/benaskins/troupe/internal/spec"
	"github.com/benaskins/troupe/internal/supervisor"
)

type fakeController struct {
	mu         sync.Mutex
	report     supervisor.Report
	restartErr error
	stopErr    error
	restarted  []string
	stops      int
	logs       map[string][]string
}

func (f *fakeController) Report() supervisor.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeController) Restart(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, name)
	return f.restartErr
}

func (f *fakeController) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeController) Logs(name string, n int) ([]string, error) {
	lines, ok := f.logs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", spec.ErrUnknownService, name)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func (f *fakeController) calls() (stops int, restarted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops, append([]string(nil), f.restarted...)
}

func newFake() *fakeController {
	return &fakeController{
		report: supervisor.Report{
			Source: supervisor.SourceSupervisor,
			RunID:  "run-1",
			Services: []supervisor.ServiceStatus{
				{Name: "api", Type: "native", Up: true, State: supervisor.StateHealthy, Health: health.StatusHealthy, PID: 1234, Port: 9001},
				{Name: "web", Type: "native", State: supervisor.StateStopped, Health: health.StatusUnknown, Port: 9002, Detail: "not running"},
			},
		},
		logs: map[string][]string{"api": {"one", "two", "three"}},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shortSocket keeps socket paths under the platform length limit.
func shortSocket(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "troupe")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func setupTestServer(t *testing.T, ctrl Controller, onStop func()) (*Client, string) {
	t.Helper()

	path := shortSocket(t)
	srv := NewServer(ctrl, quietLogger(), onStop)
	if err := srv.ListenUnix(path); err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := NewClient(path)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, path
}

func TestHealthEndpoint(t *testing.T) {
	client, _ := setupTestServer(t, newFake(), nil)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestSocketPermissions(t *testing.T) {
	_, path := setupTestServer(t, newFake(), nil)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}
}

func TestStatusEndpoint(t *testing.T) {
	client, _ := setupTestServer(t, newFake(), nil)

	rep, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rep.RunID != "run-1" || len(rep.Services) != 2 {
		t.Fatalf("report = %+v", rep)
	}
	api, _ := rep.Get("api")
	if !api.Up || api.State != supervisor.StateHealthy || api.Health != health.StatusHealthy || api.PID != 1234 {
		t.Errorf("api = %+v", api)
	}
}

func TestStopEndpoint(t *testing.T) {
	fake := newFake()
	stopped := make(chan struct{})
	client, _ := setupTestServer(t, fake, func() { close(stopped) })

	res, err := client.Stop(context.Background())
	if err != nil || res.Status != "stopped" {
		t.Fatalf("Stop = %+v, %v", res, err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("onStop not called")
	}
	if stops, _ := fake.calls(); stops != 1 {
		t.Errorf("Shutdown calls = %d", stops)
	}
}

func TestStopEndpointFailure(t *testing.T) {
	fake := newFake()
	fake.stopErr = errors.New("port 9001 for api: still bound")
	var called atomic.Bool
	client, _ := setupTestServer(t, fake, func() { called.Store(true) })

	_, err := client.Stop(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Stop = %v, want a 500", err)
	}
	if !strings.Contains(apiErr.Message, "still bound") {
		t.Errorf("message = %q", apiErr.Message)
	}
	if called.Load() {
		t.Error("onStop must not run when shutdown failed")
	}
}

func TestRestartEndpoint(t *testing.T) {
	fake := newFake()
	client, _ := setupTestServer(t, fake, nil)

	st, err := client.Restart(context.Background(), "api")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	_, restarted := fake.calls()
	if st.Name != "api" || len(restarted) != 1 || restarted[0] != "api" {
		t.Errorf("status = %+v, restarted = %v", st, restarted)
	}
}

func TestRestartEndpointErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"unknown", &supervisor.ConfigError{Err: fmt.Errorf("%w: %q", spec.ErrUnknownService, "nope")}, http.StatusNotFound, "unknown_service"},
		{"config", &supervisor.ConfigError{Err: errors.New("dependency cycle")}, http.StatusBadRequest, "config"},
		{"shutting down", supervisor.ErrShuttingDown, http.StatusConflict, "shutting_down"},
		{"port", &supervisor.PortConflictError{Service: "api", Port: 9001, Err: errors.New("held by nginx")}, http.StatusConflict, "port_conflict"},
		{"launch", &supervisor.LaunchError{Service: "api", Err: errors.New("exited immediately with code 1")}, http.StatusInternalServerError, "launch"},
		{"health", &supervisor.HealthTimeoutError{Service: "api", Err: health.ErrTimeout}, http.StatusInternalServerError, "health_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFake()
			fake.restartErr = tc.err
			client, _ := setupTestServer(t, fake, nil)

			_, err := client.Restart(context.Background(), "api")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Restart = %v, want APIError", err)
			}
			if apiErr.StatusCode != tc.status || apiErr.Kind != tc.kind {
				t.Errorf("got %d/%s, want %d/%s", apiErr.StatusCode, apiErr.Kind, tc.status, tc.kind)
			}
		})
	}
}

func TestLogsEndpoint(t *testing.T) {
	client, path := setupTestServer(t, newFake(), nil)

	lines, err := client.Logs(context.Background(), "api", 2)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if strings.Join(lines, ",") != "two,three" {
		t.Errorf("lines = %v", lines)
	}

	_, err = client.Logs(context.Background(), "nope", 2)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("unknown service = %v", err)
	}

	hc := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("unix", path)
		},
	}}
	resp, err := hc.Get("http://troupe/v1/services/api/logs?n=zero")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad n = %d, want 400", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, path := setupTestServer(t, newFake(), nil)
	hc := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("unix", path)
		},
	}}
	resp, err := hc.Get("http://troupe/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestClientWithoutSupervisor(t *testing.T) {
	client, err := NewClient(shortSocket(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Ping(context.Background()); !errors.Is(err, ErrNoSupervisor) {
		t.Errorf("Ping = %v, want ErrNoSupervisor", err)
	}
}

func TestServeRemovesSocket(t *testing.T) {
	path := shortSocket(t)
	srv := NewServer(newFake(), quietLogger(), nil)
	// A stale socket from a crashed run is replaced.
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := srv.ListenUnix(path); err != nil {
		t.Fatalf("ListenUnix over stale file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket not removed: %v", err)
	}
}

func TestMetricsServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ms := NewMetricsServer(addr, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ms.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var resp *http.Response
	for range 50 {
		if resp, err = http.Get("http://" + addr + "/metrics"); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
