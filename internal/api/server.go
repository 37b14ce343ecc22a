package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-connections/sockets"

	"github.com/benaskins/troupe/internal/metrics"
	"github.com/benaskins/troupe/internal/spec"
	"github.com/benaskins/troupe/internal/supervisor"
)

const (
	defaultLogLines = 50
	maxLogLines     = 5000
	shutdownTimeout = 5 * time.Second
)

// Controller is the part of the supervisor the API exposes.
type Controller interface {
	Report() supervisor.Report
	Restart(ctx context.Context, name string) error
	Shutdown(ctx context.Context) error
	Logs(name string, n int) ([]string, error)
}

// StopResponse is returned by POST /v1/stop.
type StopResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// LogsResponse is returned by GET /v1/services/{name}/logs.
type LogsResponse struct {
	Service string   `json:"service"`
	Lines   []string `json:"lines"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Server serves the troupe control API over a Unix socket.
type Server struct {
	ctrl   Controller
	server *http.Server
	logger *slog.Logger
	path   string
	onStop func()

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates an API server for ctrl. onStop, when set, runs after a
// successful POST /v1/stop so the owning process can exit.
func NewServer(ctrl Controller, logger *slog.Logger, onStop func()) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ctrl:   ctrl,
		logger: logger.With("component", "api"),
		onStop: onStop,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("POST /v1/stop", s.stop)
	mux.HandleFunc("POST /v1/services/{name}/restart", s.restartService)
	mux.HandleFunc("GET /v1/services/{name}/logs", s.serviceLogs)
	mux.Handle("GET /metrics", metrics.Handler())

	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ListenUnix binds the socket at path, replacing a stale one, so clients can
// connect as soon as it returns. The socket is only accessible to its owner.
func (s *Server) ListenUnix(path string) error {
	ln, err := sockets.NewUnixSocketWithOpts(path, sockets.WithChmod(0600))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener, s.path = ln, path
	s.mu.Unlock()
	s.logger.Info("API listening", "socket", path)
	return nil
}

// Serve serves on the bound socket until ctx is cancelled, then shuts down
// gracefully and removes the socket. When run again after a failure it binds
// the socket anew.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln, path := s.listener, s.path
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		if path == "" {
			return errors.New("api: ListenUnix was not called")
		}
		var err error
		if ln, err = sockets.NewUnixSocketWithOpts(path, sockets.WithChmod(0600)); err != nil {
			return err
		}
		s.logger.Info("API listening again", "socket", path)
	}
	defer os.Remove(path)
	return serve(ctx, s.server, ln)
}

// String names the server in supervision events.
func (s *Server) String() string { return "api" }

func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		<-errc
		return ctx.Err()
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Report())
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("stop requested over API")
	// The caller disconnecting must not abort a shutdown in progress.
	err := s.ctrl.Shutdown(context.WithoutCancel(r.Context()))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, StopResponse{Status: "failed", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StopResponse{Status: "stopped"})
	if s.onStop != nil {
		s.onStop()
	}
}

func (s *Server) restartService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.logger.Info("restart requested over API", "service", name)
	if err := s.ctrl.Restart(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	st, _ := s.ctrl.Report().Get(name)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) serviceLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n := defaultLogLines
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "n must be a positive integer"})
			return
		}
		n = min(parsed, maxLogLines)
	}
	lines, err := s.ctrl.Logs(name, n)
	if err != nil {
		writeError(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{Service: name, Lines: lines})
}

// writeError maps supervisor errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, ""
	var (
		cerr *supervisor.ConfigError
		lerr *supervisor.LaunchError
		herr *supervisor.HealthTimeoutError
		perr *supervisor.PortConflictError
	)
	switch {
	case errors.Is(err, spec.ErrUnknownService):
		status, kind = http.StatusNotFound, "unknown_service"
	case errors.As(err, &cerr):
		status, kind = http.StatusBadRequest, "config"
	case errors.Is(err, supervisor.ErrShuttingDown):
		status, kind = http.StatusConflict, "shutting_down"
	case errors.As(err, &perr):
		status, kind = http.StatusConflict, "port_conflict"
	case errors.As(err, &lerr):
		kind = "launch"
	case errors.As(err, &herr):
		kind = "health_timeout"
	case errors.Is(err, context.Canceled):
		status, kind = http.StatusServiceUnavailable, "canceled"
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
