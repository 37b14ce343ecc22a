package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/troupe/internal/supervisor"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop every service",
	Long: "Ask the running supervisor to stop everything in reverse dependency order. " +
		"Without one, stop whatever a previous run left behind using its PID records " +
		"and reclaim every described port.",
	Args: cobra.NoArgs,
	RunE: runStop,
}

// lockWait bounds how long stop waits for a supervisor to exit after the
// API acknowledged the stop.
const lockWait = 15 * time.Second

func init() {
	stopCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	if client != nil {
		res, err := client.Stop(ctx)
		if err != nil {
			return err
		}
		waitUnlocked(ctx, supervisor.LockPath(cfg.StateDir))
		if jsonOut {
			return printJSON(res)
		}
		fmt.Println("stopped")
		return nil
	}

	_, reg, err := loadDescriptors()
	if err != nil {
		return err
	}
	res, err := supervisor.StopAll(ctx, reg, supervisorOptions()...)
	if errors.Is(err, supervisor.ErrLocked) {
		return fmt.Errorf("a supervisor holds %s but its control socket does not answer: %w", cfg.StateDir, err)
	}
	if jsonOut {
		if perr := printJSON(res); perr != nil {
			return perr
		}
		return err
	}
	if res.AlreadyStopped {
		fmt.Println("already stopped")
		return nil
	}
	if len(res.Stopped) > 0 {
		fmt.Println("stopped:", strings.Join(res.Stopped, ", "))
	}
	if len(res.FreedPorts) > 0 {
		ports := make([]string, len(res.FreedPorts))
		for i, p := range res.FreedPorts {
			ports[i] = strconv.Itoa(p)
		}
		fmt.Println("freed ports:", strings.Join(ports, ", "))
	}
	return err
}

func waitUnlocked(ctx context.Context, path string) {
	ctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for supervisor.Locked(path) {
		select {
		case <-ctx.Done():
			logger.Warn("supervisor still running after stop", "lock", path)
			return
		case <-ticker.C:
		}
	}
}
