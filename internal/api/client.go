package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/docker/go-connections/sockets"

	"github.com/benaskins/troupe/internal/supervisor"
)

// ErrNoSupervisor means nothing is listening on the control socket.
var ErrNoSupervisor = errors.New("no supervisor is running")

// APIError is a non-2xx reply from the supervisor.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supervisor returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running supervisor over its Unix socket.
type Client struct {
	http *http.Client
}

// NewClient creates a client for the socket at path. Long operations such
// as stop and restart are bounded by the caller's context, not a client
// timeout.
func NewClient(path string) (*Client, error) {
	tr := &http.Transport{}
	if err := sockets.ConfigureTransport(tr, "unix", path); err != nil {
		return nil, err
	}
	return &Client{http: &http.Client{Transport: tr}}, nil
}

// Ping checks that a supervisor answers on the socket.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/v1/health", &out)
}

// Status fetches the supervisor's report.
func (c *Client) Status(ctx context.Context) (supervisor.Report, error) {
	var rep supervisor.Report
	err := c.do(ctx, http.MethodGet, "/v1/status", &rep)
	return rep, err
}

// Stop asks the supervisor to stop every service and exit.
func (c *Client) Stop(ctx context.Context) (StopResponse, error) {
	var out StopResponse
	err := c.do(ctx, http.MethodPost, "/v1/stop", &out)
	return out, err
}

// Restart restarts one service and its running dependents.
func (c *Client) Restart(ctx context.Context, name string) (supervisor.ServiceStatus, error) {
	var out supervisor.ServiceStatus
	err := c.do(ctx, http.MethodPost, "/v1/services/"+url.PathEscape(name)+"/restart", &out)
	return out, err
}

// Logs fetches up to n recent output lines of a service.
func (c *Client) Logs(ctx context.Context, name string, n int) ([]string, error) {
	var out LogsResponse
	path := "/v1/services/" + url.PathEscape(name) + "/logs?n=" + strconv.Itoa(n)
	err := c.do(ctx, http.MethodGet, path, &out)
	return out.Lines, err
}

func (c *Client) do(ctx context.Context, method, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://troupe"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrNoSupervisor
		}
		return fmt.Errorf("contacting supervisor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var e ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: e.Error, Kind: e.Kind}
		}
		var s StopResponse
		if json.Unmarshal(body, &s) == nil && s.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: s.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
