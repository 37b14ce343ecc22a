package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"sync/atomic"
	"testing"
	"time"
)

func FuzzHealthCheckPath(f *testing.F) {
	f.Add("/health")
	f.Add("/")
	f.Add("/a/b/c?q=1")
	f.Add("/@redirect")
	f.Fuzz(func(t *testing.T, path string) {
		// Same construction as ServiceSpec.HealthURL
		url := fmt.Sprintf("http://127.0.0.1:%d%s", 8080, path)
		parsed, err := neturl.Parse(url)
		if err != nil {
			return
		}
		if len(path) > 0 && path[0] == '/' {
			if parsed.Hostname() != "127.0.0.1" {
				t.Errorf("health URL host changed to %q for path %q", parsed.Hostname(), path)
			}
		}
	})
}

func listenPort(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, port := listenPort(t)
	ln.Close()
	return port
}

func TestCheckHTTP2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res := Check(context.Background(), Config{URL: srv.URL + "/health", Timeout: time.Second})
	if !res.Healthy() {
		t.Fatalf("expected healthy, got %+v", res)
	}
}

func TestCheckHTTPNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := Check(context.Background(), Config{URL: srv.URL, Timeout: time.Second})
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %+v", res)
	}
}

func TestCheckHTTPTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	res := Check(context.Background(), Config{URL: srv.URL, Timeout: 100 * time.Millisecond})
	if res.Healthy() {
		t.Fatal("expected unhealthy on timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("check not bounded by timeout: %v", elapsed)
	}
}

func TestCheckTCP(t *testing.T) {
	ln, port := listenPort(t)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	if res := Check(context.Background(), Config{Port: port, Timeout: time.Second}); !res.Healthy() {
		t.Fatalf("expected healthy, got %+v", res)
	}
}

func TestCheckTCPRefused(t *testing.T) {
	port := freePort(t)
	if res := Check(context.Background(), Config{Port: port, Timeout: time.Second}); res.Healthy() {
		t.Fatal("expected unhealthy for closed port")
	}
}

func TestWaitUntilHealthyEventually(t *testing.T) {
	var ready atomic.Bool
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	time.AfterFunc(150*time.Millisecond, func() { ready.Store(true) })

	policy := RetryPolicy{Interval: 20 * time.Millisecond, MaxDuration: 5 * time.Second}
	res, err := WaitUntilHealthy(context.Background(), Config{URL: srv.URL, Timeout: time.Second}, policy, nil)
	if err != nil {
		t.Fatalf("WaitUntilHealthy: %v", err)
	}
	if !res.Healthy() {
		t.Errorf("expected healthy result, got %+v", res)
	}
	if hits.Load() < 2 {
		t.Errorf("expected several polls, got %d", hits.Load())
	}
}

func TestWaitUntilHealthyTimeout(t *testing.T) {
	port := freePort(t)
	policy := RetryPolicy{Interval: 20 * time.Millisecond, MaxDuration: 200 * time.Millisecond}

	start := time.Now()
	_, err := WaitUntilHealthy(context.Background(), Config{Port: port, Timeout: 50 * time.Millisecond}, policy, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("wait overran its bound: %v", elapsed)
	}
}

func TestWaitUntilHealthyMaxAttempts(t *testing.T) {
	port := freePort(t)
	policy := RetryPolicy{Interval: time.Millisecond, MaxAttempts: 3}

	_, err := WaitUntilHealthy(context.Background(), Config{Port: port, Timeout: 50 * time.Millisecond}, policy, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWaitUntilHealthyProcessExited(t *testing.T) {
	port := freePort(t)
	exited := make(chan struct{})
	time.AfterFunc(50*time.Millisecond, func() { close(exited) })

	policy := RetryPolicy{Interval: 20 * time.Millisecond, MaxDuration: 10 * time.Second}
	start := time.Now()
	_, err := WaitUntilHealthy(context.Background(), Config{Port: port, Timeout: 50 * time.Millisecond}, policy, exited)
	if !errors.Is(err, ErrProcessExited) {
		t.Fatalf("expected ErrProcessExited, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("exit was not noticed promptly")
	}
}

func TestWaitUntilHealthyCancelled(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	policy := RetryPolicy{Interval: 20 * time.Millisecond}
	_, err := WaitUntilHealthy(ctx, Config{Port: port, Timeout: 50 * time.Millisecond}, policy, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Interval: 100 * time.Millisecond}
	if d := p.Delay(1); d != 0 {
		t.Errorf("first attempt should not wait, got %v", d)
	}
	if d := p.Delay(2); d != 100*time.Millisecond {
		t.Errorf("Delay(2) = %v", d)
	}

	p.Jitter = 0.5
	for range 50 {
		d := p.Delay(3)
		if d < 100*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}

func TestTrackerThreshold(t *testing.T) {
	tr := NewTracker(3, StatusHealthy)
	fail := Result{Status: StatusUnhealthy, Message: "boom"}
	ok := Result{Status: StatusHealthy}

	for i := 1; i <= 2; i++ {
		if _, next := tr.Observe(fail); next != StatusHealthy {
			t.Fatalf("flipped after %d failures", i)
		}
	}
	prev, next := tr.Observe(fail)
	if prev != StatusHealthy || next != StatusUnhealthy {
		t.Fatalf("third failure: prev=%s next=%s", prev, next)
	}
	if tr.ConsecutiveFails() != 3 {
		t.Errorf("ConsecutiveFails = %d", tr.ConsecutiveFails())
	}

	prev, next = tr.Observe(ok)
	if prev != StatusUnhealthy || next != StatusHealthy {
		t.Fatalf("recovery: prev=%s next=%s", prev, next)
	}
	if tr.ConsecutiveFails() != 0 {
		t.Error("success should reset the failure run")
	}
}

func TestTrackerIntermittentFailuresAbsorbed(t *testing.T) {
	tr := NewTracker(2, StatusHealthy)
	fail := Result{Status: StatusUnhealthy}
	ok := Result{Status: StatusHealthy}

	for range 5 {
		tr.Observe(fail)
		tr.Observe(ok)
	}
	if tr.Status() != StatusHealthy {
		t.Errorf("alternating failures should stay healthy, got %s", tr.Status())
	}
}
