package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/benaskins/troupe/internal/spec"
)

type checkResult struct {
	Path     string     `json:"path"`
	Valid    bool       `json:"valid"`
	Error    string     `json:"error,omitempty"`
	Services int        `json:"services,omitempty"`
	OnCrash  string     `json:"on_crash,omitempty"`
	Levels   [][]string `json:"levels,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate the service descriptor file",
	Long: "Parse and validate the descriptor file (schema, references and dependency " +
		"cycles) and print the startup order. No process is touched.",
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	target := cfg.ServicesFile
	if len(args) > 0 {
		target = args[0]
	}

	res := checkResult{Path: target}
	file, reg, err := spec.Load(target)
	if err == nil {
		res.Levels, err = reg.StartupLevels(nil)
	}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Valid = true
		res.Services = len(reg.Names())
		res.OnCrash = file.OnCrash
	}

	if jsonOut {
		if perr := printJSON(res); perr != nil {
			return perr
		}
	} else if res.Valid {
		fmt.Printf("OK    %s (%d services)\n", target, res.Services)
		for i, level := range res.Levels {
			fmt.Printf("      level %d: %s\n", i, strings.Join(level, ", "))
		}
	} else {
		fmt.Fprintf(os.Stderr, "FAIL  %s\n      %v\n", target, res.Error)
	}

	if !res.Valid {
		return fmt.Errorf("%s failed validation", target)
	}
	return nil
}
