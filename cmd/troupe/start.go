package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/benaskins/troupe/internal/api"
	"github.com/benaskins/troupe/internal/metrics"
	"github.com/benaskins/troupe/internal/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start [service ...]",
	Short: "Start services in dependency order and supervise them",
	Long: "Start the named services (and everything they depend on), or all services, " +
		"gating each dependency level on health. Runs in the foreground until interrupted " +
		"or stopped with 'troupe stop'.",
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	file, reg, err := loadDescriptors()
	if err != nil {
		return err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	opts := append(supervisorOptions(),
		supervisor.WithOnCrash(file.OnCrash),
		supervisor.WithCrashHandler(func(c *supervisor.RuntimeCrash) {
			fmt.Fprintln(os.Stderr, c.Error())
		}),
	)
	sup, err := supervisor.Open(reg, opts...)
	if err != nil {
		if errors.Is(err, supervisor.ErrLocked) {
			return fmt.Errorf("another troupe is supervising %s: %w", cfg.StateDir, err)
		}
		return err
	}
	defer sup.Close()

	// Interrupts stay captured for the whole run, so repeated ones cannot cut
	// the shutdown short.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	srv := api.NewServer(sup, logger, cancel)
	if err := srv.ListenUnix(supervisor.SocketPath(cfg.StateDir)); err != nil {
		return fmt.Errorf("control socket: %w", err)
	}

	tree := supervisor.NewTree("troupe", logger)
	tree.Add(srv)
	tree.Add(sup.MonitorService())
	tree.Add(sup.WatcherService(cfg.ServicesFile))
	if cfg.MetricsAddr != "" {
		tree.Add(api.NewMetricsServer(cfg.MetricsAddr, logger))
	}
	treeCtx, stopTree := context.WithCancel(context.Background())
	treeDone := tree.ServeBackground(treeCtx)
	defer func() {
		stopTree()
		<-treeDone
		if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
			logger.Warn("internal services did not stop in time", "count", len(unstopped))
		}
	}()

	logger.Info("starting services", "run", sup.RunID(), "services", cfg.ServicesFile)
	if err := sup.Start(ctx, args...); err != nil {
		// A signal or an API stop during startup is not a failure.
		interrupted := ctx.Err() != nil || sup.Closing()
		if serr := sup.Shutdown(context.Background()); serr != nil {
			err = errors.Join(err, serr)
			interrupted = false
		}
		if interrupted {
			logger.Info("startup interrupted; everything stopped")
			return nil
		}
		return err
	}

	printSummary(sup.Report())
	logger.Info("all services healthy; supervising", "socket", supervisor.SocketPath(cfg.StateDir))

	<-ctx.Done()
	if err := sup.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("troupe stopped", "run", sup.RunID())
	return nil
}

func printSummary(rep supervisor.Report) {
	for _, st := range rep.Services {
		if st.Up {
			fmt.Printf("%-20s %-8s pid %-7d port %d\n", st.Name, st.State, st.PID, st.Port)
		}
	}
}
