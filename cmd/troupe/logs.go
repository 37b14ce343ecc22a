package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benaskins/troupe/internal/logbuf"
	"github.com/benaskins/troupe/internal/supervisor"
)

var logsCmd = &cobra.Command{
	Use:   "logs <service>",
	Short: "Show recent output of a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("lines")
	if n <= 0 {
		return fmt.Errorf("--lines must be positive")
	}
	name := args[0]

	client, err := connect(cmd.Context())
	if err != nil {
		return err
	}

	var lines []string
	if client != nil {
		lines, err = client.Logs(cmd.Context(), name, n)
	} else {
		var path string
		if path, err = supervisor.LatestLogPath(cfg.StateDir, name); err == nil {
			lines, err = logbuf.TailFile(path, n)
		}
	}
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
