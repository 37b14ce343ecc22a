package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benaskins/troupe/internal/api"
	"github.com/benaskins/troupe/internal/config"
	"github.com/benaskins/troupe/internal/driver"
	"github.com/benaskins/troupe/internal/spec"
	"github.com/benaskins/troupe/internal/supervisor"
)

var rootCmd = &cobra.Command{
	Use:               "troupe",
	Short:             "Start, watch and stop a constellation of local services",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

var (
	cfg    *config.Config
	logger *slog.Logger
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("state-dir", config.DefaultStateDir(), "Directory for PID records, run logs, lock and control socket")
	pf.StringP("services", "f", "troupe.yaml", "Service descriptor file")
	pf.Duration("monitor-interval", supervisor.DefaultMonitorInterval, "Interval between health checks of running services")
	pf.Duration("stop-grace", supervisor.DefaultStopGrace, "Time a service gets to exit after SIGTERM")
	pf.Duration("launch-grace", supervisor.DefaultLaunchGrace, "Window in which an exit counts as a failed launch")
	pf.Duration("reclaim-grace", supervisor.DefaultReclaimGrace, "Time a leftover port occupant gets after SIGTERM")
	pf.Bool("force-reclaim", false, "Kill any process holding a service port, even unrecognized ones")
	pf.String("metrics-addr", "", "Optional TCP address for /metrics (e.g. 127.0.0.1:9464)")
	pf.String("log-level", "info", "Log level: debug, info, warn or error")
	pf.String("log-format", "text", "Log format: text or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	cfg = c
	logger = newLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	return nil
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadDescriptors reads and validates the descriptor file.
func loadDescriptors() (*spec.File, *spec.Registry, error) {
	file, reg, err := spec.Load(cfg.ServicesFile)
	if err != nil {
		return nil, nil, &supervisor.ConfigError{Err: err}
	}
	return file, reg, nil
}

func supervisorOptions() []supervisor.Option {
	return []supervisor.Option{
		supervisor.WithStateDir(cfg.StateDir),
		supervisor.WithLogger(logger),
		supervisor.WithMonitorInterval(cfg.MonitorInterval),
		supervisor.WithStopGrace(cfg.StopGrace),
		supervisor.WithLaunchGrace(cfg.LaunchGrace),
		supervisor.WithReclaimGrace(cfg.ReclaimGrace),
		supervisor.WithForceReclaim(cfg.ForceReclaim),
		supervisor.WithLogRotation(driver.LogRotation{
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
			Compress:   cfg.LogCompress,
		}),
	}
}

// connect returns a client for the running supervisor, or nil when none
// answers on the control socket.
func connect(ctx context.Context) (*api.Client, error) {
	client, err := api.NewClient(supervisor.SocketPath(cfg.StateDir))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		if errors.Is(err, api.ErrNoSupervisor) {
			return nil, nil
		}
		return nil, err
	}
	return client, nil
}
