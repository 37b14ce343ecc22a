package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/benaskins/troupe/internal/supervisor"
)

const watchInterval = time.Second

type reportMsg struct {
	rep supervisor.Report
	err error
}

type tickMsg time.Time

// watchModel refreshes the status table until the user quits.
type watchModel struct {
	ctx     context.Context
	table   table.Model
	report  supervisor.Report
	err     error
	updated time.Time
}

var watchColumns = []table.Column{
	{Title: "SERVICE", Width: 16},
	{Title: "UP", Width: 4},
	{Title: "STATE", Width: 15},
	{Title: "HEALTH", Width: 9},
	{Title: "PORT", Width: 6},
	{Title: "PID", Width: 7},
	{Title: "UPTIME", Width: 9},
	{Title: "DETAIL", Width: 40},
}

func newWatchModel(ctx context.Context) watchModel {
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorMuted).
		BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(colorUp)

	t := table.New(
		table.WithColumns(watchColumns),
		table.WithFocused(true),
		table.WithHeight(12),
		table.WithStyles(styles),
	)
	return watchModel{ctx: ctx, table: t}
}

func (m watchModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	rep, err := fetchReport(ctx)
	return reportMsg{rep: rep, err: err}
}

func tick() tea.Cmd {
	return tea.Tick(watchInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) Init() tea.Cmd {
	return m.fetch
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		}

	case tea.WindowSizeMsg:
		m.table.SetHeight(max(msg.Height-6, 3))
		return m, nil

	case reportMsg:
		m.err = msg.err
		if msg.err == nil {
			m.report = msg.rep
			rows := make([]table.Row, len(msg.rep.Services))
			for i, st := range msg.rep.Services {
				rows[i] = statusRow(st)
			}
			m.table.SetRows(rows)
			m.updated = time.Now()
		}
		return m, tick()

	case tickMsg:
		return m, m.fetch
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	var b strings.Builder
	up := 0
	for _, st := range m.report.Services {
		if st.Up {
			up++
		}
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("troupe  %d/%d up", up, len(m.report.Services))))
	if m.report.Source == supervisor.SourceProbe {
		b.WriteString(noteStyle.Render("  (no supervisor; probing)"))
	}
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(lipgloss.NewStyle().Foreground(colorDown).Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}
	status := "waiting for first report"
	if !m.updated.IsZero() {
		status = "updated " + m.updated.Format("15:04:05")
	}
	b.WriteString(noteStyle.Render(status + "  ·  r refresh  ·  q quit"))
	return b.String()
}

func runWatch(ctx context.Context) error {
	_, err := tea.NewProgram(newWatchModel(ctx), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}
