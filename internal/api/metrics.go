package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/go-connections/sockets"

	"github.com/benaskins/troupe/internal/metrics"
)

// MetricsServer exposes /metrics on a TCP address for scrapers that cannot
// reach the Unix socket.
type MetricsServer struct {
	addr   string
	logger *slog.Logger
}

// NewMetricsServer creates a metrics listener for addr (host:port).
func NewMetricsServer(addr string, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsServer{addr: addr, logger: logger.With("component", "metrics")}
}

// Serve listens and serves until ctx is cancelled.
func (m *MetricsServer) Serve(ctx context.Context) error {
	ln, err := sockets.NewTCPSocket(m.addr, nil)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	m.logger.Info("metrics listening", "addr", ln.Addr().String())
	return serve(ctx, &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln)
}

func (m *MetricsServer) String() string { return "metrics" }
