package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart <service>",
	Short: "Restart a service and its running dependents",
	Long: "Stop the service's running dependents, then the service, and bring them back " +
		"in dependency order with health gating. Staged descriptor edits take effect. " +
		"Without a running supervisor this reclaims what a previous run left behind and " +
		"starts the service in the foreground, like 'troupe start <service>'.",
	Args: cobra.ExactArgs(1),
	RunE: runRestart,
}

func init() {
	restartCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	name := args[0]

	client, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	if client == nil {
		logger.Info("no supervisor running; starting in the foreground", "service", name)
		return runStart(cmd, args)
	}

	st, err := client.Restart(cmd.Context(), name)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(st)
	}
	fmt.Printf("%s restarted: %s, pid %d, port %d\n", st.Name, st.State, st.PID, st.Port)
	return nil
}
