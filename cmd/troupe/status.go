package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/troupe/internal/supervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Long: "Report every described service as up or down with its health detail. " +
		"Asks the running supervisor when there is one, otherwise probes ports, " +
		"health endpoints and PID records directly.",
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().Bool("watch", false, "Refresh continuously in an interactive view")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	watch, _ := cmd.Flags().GetBool("watch")

	if watch {
		return runWatch(cmd.Context())
	}

	rep, err := fetchReport(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rep)
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(renderStyled(rep))
		return nil
	}
	return renderPlain(os.Stdout, rep)
}

// fetchReport asks the running supervisor, or probes when there is none.
func fetchReport(ctx context.Context) (supervisor.Report, error) {
	client, err := connect(ctx)
	if err != nil {
		return supervisor.Report{}, err
	}
	if client != nil {
		return client.Status(ctx)
	}
	_, reg, err := loadDescriptors()
	if err != nil {
		return supervisor.Report{}, err
	}
	return supervisor.Probe(ctx, reg, cfg.StateDir), nil
}

func upDown(st supervisor.ServiceStatus) string {
	if st.Up {
		return "up"
	}
	return "down"
}

func pidText(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func statusRow(st supervisor.ServiceStatus) []string {
	return []string{
		st.Name,
		upDown(st),
		string(st.State),
		string(st.Health),
		strconv.Itoa(st.Port),
		pidText(st.PID),
		orDash(st.Uptime),
		orDash(st.Detail),
	}
}

var statusHeaders = []string{"SERVICE", "UP", "STATE", "HEALTH", "PORT", "PID", "UPTIME", "DETAIL"}

func renderPlain(w io.Writer, rep supervisor.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, h := range statusHeaders {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, h)
	}
	fmt.Fprintln(tw)
	for _, st := range rep.Services {
		row := statusRow(st)
		for i, c := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, c)
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if rep.Source == supervisor.SourceProbe {
		fmt.Fprintln(w, "(no supervisor running; probed directly)")
	}
	return nil
}

var (
	colorUp    = lipgloss.Color("#10B981")
	colorWarn  = lipgloss.Color("#F59E0B")
	colorDown  = lipgloss.Color("#EF4444")
	colorMuted = lipgloss.Color("#6B7280")

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	noteStyle   = lipgloss.NewStyle().Foreground(colorMuted).Italic(true)
)

func stateColor(st supervisor.ServiceStatus) lipgloss.Color {
	switch {
	case st.State == supervisor.StateHealthy:
		return colorUp
	case st.Up, st.State == supervisor.StateStarting, st.State == supervisor.StateAwaitingHealth:
		return colorWarn
	case st.State == supervisor.StateFailed:
		return colorDown
	default:
		return colorMuted
	}
}

func renderStyled(rep supervisor.Report) string {
	rows := make([][]string, len(rep.Services))
	for i, st := range rep.Services {
		rows[i] = statusRow(st)
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
		Headers(statusHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(rep.Services) {
				return cellStyle
			}
			if col >= 1 && col <= 3 {
				return cellStyle.Foreground(stateColor(rep.Services[row]))
			}
			return cellStyle
		})

	out := t.Render()
	if rep.Source == supervisor.SourceProbe {
		out += "\n" + noteStyle.Render("no supervisor running; probed directly")
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
