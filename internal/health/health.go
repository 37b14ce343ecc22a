package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Status represents the health state of a service.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config describes how to probe one service. With a URL the probe is an HTTP
// GET where any 2xx is healthy; without one it is a TCP connect to Host:Port.
type Config struct {
	URL     string
	Host    string // defaults to 127.0.0.1
	Port    int
	Timeout time.Duration // max time per check
}

// Result is the outcome of a single health check.
type Result struct {
	Status  Status
	Message string
	Latency time.Duration
}

// Healthy reports whether the check passed.
func (r Result) Healthy() bool { return r.Status == StatusHealthy }

var transport = &http.Transport{
	DisableKeepAlives: true,
	Proxy:             nil,
}

// Check runs one probe bounded by cfg.Timeout.
func Check(ctx context.Context, cfg Config) Result {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var err error
	if cfg.URL != "" {
		err = checkHTTP(ctx, cfg.URL)
	} else {
		err = checkTCP(ctx, cfg)
	}

	res := Result{Latency: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	} else {
		res.Status = StatusHealthy
		res.Message = "ok"
	}
	return res
}

func checkHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	client := &http.Client{Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func checkTCP(ctx context.Context, cfg Config) error {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}
