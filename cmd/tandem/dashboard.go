package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"tandem/internal/app"
	"tandem/internal/domain"
)

const (
	dashboardRefresh = 2 * time.Second
	dashboardEvents  = 8
)

type planRow struct {
	plan   domain.Plan
	counts map[domain.TaskStatus]int
}

type dashboardSnapshot struct {
	plans       []planRow
	events      []domain.Event
	sessions    []string
	sessionsErr error
}

type dashboardLoader func(ctx context.Context) (dashboardSnapshot, error)

type snapshotMsg struct {
	snap dashboardSnapshot
	err  error
}

type refreshTickMsg time.Time

type dashboardModel struct {
	ctx     context.Context
	load    dashboardLoader
	width   int
	loading bool
	snap    dashboardSnapshot
	err     error
	updated time.Time
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	taskStatusStyles = map[domain.TaskStatus]lipgloss.Style{
		domain.TaskPending:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		domain.TaskRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("226")),
		domain.TaskComplete: lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		domain.TaskFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func newDashboardModel(ctx context.Context, load dashboardLoader) dashboardModel {
	return dashboardModel{ctx: ctx, load: load, loading: true}
}

func (m dashboardModel) fetch() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.load(m.ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func refreshTick() tea.Cmd {
	return tea.Tick(dashboardRefresh, func(t time.Time) tea.Msg { return refreshTickMsg(t) })
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), refreshTick())
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, m.fetch()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case refreshTickMsg:
		return m, tea.Batch(m.fetch(), refreshTick())
	case snapshotMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.updated = time.Now()
		}
	}
	return m, nil
}

func (m dashboardModel) View() string {
	title := titleStyle.Render(" tandem ")
	help := dimStyle.Render("r: refresh | q: quit")
	if m.loading && m.updated.IsZero() {
		return fmt.Sprintf("%s\n\n  Loading...\n\n%s", title, help)
	}
	width := m.width - 4
	if width < 40 {
		width = 76
	}
	var status string
	if m.err != nil {
		status = errStyle.Render("  refresh failed: " + m.err.Error())
	} else {
		status = dimStyle.Render("  updated " + m.updated.Format("15:04:05"))
	}
	body := lipgloss.JoinVertical(lipgloss.Left,
		panelStyle.Width(width).Render(m.renderPlans()),
		panelStyle.Width(width).Render(m.renderEvents()),
		panelStyle.Width(width).Render(m.renderSessions()),
	)
	return fmt.Sprintf("%s%s\n\n%s\n\n%s", title, status, body, help)
}

func (m dashboardModel) renderPlans() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Active plans"))
	b.WriteString("\n")
	if len(m.snap.plans) == 0 {
		b.WriteString(dimStyle.Render("  none"))
		return b.String()
	}
	for _, row := range m.snap.plans {
		fmt.Fprintf(&b, "  %-28s %-9s %s", row.plan.ID, row.plan.Status, row.plan.Title)
		var parts []string
		for _, st := range []domain.TaskStatus{domain.TaskRunning, domain.TaskPending, domain.TaskFailed, domain.TaskComplete} {
			if n := row.counts[st]; n > 0 {
				parts = append(parts, taskStatusStyles[st].Render(fmt.Sprintf("%s %d", st, n)))
			}
		}
		if len(parts) > 0 {
			b.WriteString("\n    " + strings.Join(parts, "  "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m dashboardModel) renderEvents() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Recent events"))
	b.WriteString("\n")
	if len(m.snap.events) == 0 {
		b.WriteString(dimStyle.Render("  none"))
		return b.String()
	}
	for _, evt := range m.snap.events {
		fmt.Fprintf(&b, "  %s  %-22s %s\n", evt.Timestamp.Local().Format("15:04:05"), evt.EventType, firstNonEmpty(deref(evt.TaskID), deref(evt.PlanID)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m dashboardModel) renderSessions() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Sessions"))
	b.WriteString("\n")
	switch {
	case m.snap.sessionsErr != nil:
		b.WriteString(errStyle.Render("  " + m.snap.sessionsErr.Error()))
	case len(m.snap.sessions) == 0:
		b.WriteString(dimStyle.Render("  none"))
	default:
		for _, name := range m.snap.sessions {
			b.WriteString("  " + name + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// projectSnapshot reads what the dashboard shows. A missing multiplexer is
// shown in the sessions panel rather than failing the refresh.
func projectSnapshot(p *app.Project) dashboardLoader {
	return func(ctx context.Context) (dashboardSnapshot, error) {
		var snap dashboardSnapshot
		plans, err := p.Engine.GetActivePlans(ctx)
		if err != nil {
			return snap, err
		}
		for _, plan := range plans {
			counts, err := p.Engine.TaskCounts(ctx, plan.ID)
			if err != nil {
				return snap, err
			}
			snap.plans = append(snap.plans, planRow{plan: plan, counts: counts})
			evts, err := p.Engine.GetEventsForPlan(ctx, plan.ID)
			if err != nil {
				return snap, err
			}
			snap.events = append(snap.events, evts...)
		}
		sort.SliceStable(snap.events, func(i, j int) bool {
			return snap.events[i].Timestamp.After(snap.events[j].Timestamp)
		})
		if len(snap.events) > dashboardEvents {
			snap.events = snap.events[:dashboardEvents]
		}
		snap.sessions, snap.sessionsErr = p.Sessions.Owned(ctx)
		return snap, nil
	}
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Live terminal view of active plans, recent events and sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				prog := tea.NewProgram(newDashboardModel(ctx, projectSnapshot(p)), tea.WithAltScreen(), tea.WithContext(ctx))
				if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
					return err
				}
				return nil
			})
		},
	}
}
