package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/valter-silva-au/agent-army/internal/observability"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// Dashboard panel indices.
const (
	panelProjects = iota
	panelMetrics
	panelAlerts
	panelCount
)

const dashboardRefresh = 5 * time.Second

type dashboardModel struct {
	activePanel int
	width       int
	height      int

	projects    table.Model
	spinner     spinner.Model
	projectRows int
	totals      *totalsSnapshot
	metricsData *metricsSnapshot
	alerts      []alertSnapshot
	refreshedAt time.Time

	loading bool
	err     error
}

type totalsSnapshot struct {
	projects   int
	tasks      int
	completion float64
	stalled    []string
	byStatus   map[models.TaskStatus]int
}

type metricsSnapshot struct {
	claimed     int
	completed   int
	requeued    int
	blocked     int
	exhaustions int
	messages    int
	cycleTime   time.Duration
}

type alertSnapshot struct {
	severity string
	message  string
	time     string
}

// dataLoadedMsg carries loaded data back to the model.
type dataLoadedMsg struct {
	rows    []table.Row
	totals  *totalsSnapshot
	metrics *metricsSnapshot
	alerts  []alertSnapshot
	err     error
}

// refreshTickMsg triggers a periodic reload.
type refreshTickMsg time.Time

var (
	dashTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	dashPanelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	dashActivePanelStyle = dashPanelStyle.BorderForeground(lipgloss.Color("62"))

	dashHeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			MarginBottom(1)

	dashStalledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dashHelpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var projectColumns = []table.Column{
	{Title: "Project", Width: 14},
	{Title: "Name", Width: 18},
	{Title: "Status", Width: 9},
	{Title: "Health", Width: 9},
	{Title: "Done", Width: 6},
	{Title: "Todo", Width: 5},
	{Title: "Run", Width: 4},
	{Title: "Blkd", Width: 5},
	{Title: "Load", Width: 6},
}

func newDashboardModel() dashboardModel {
	t := table.New(
		table.WithColumns(projectColumns),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	return dashboardModel{
		activePanel: panelProjects,
		projects:    t,
		spinner:     s,
		loading:     true,
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(loadData, m.spinner.Tick, scheduleRefresh())
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(dashboardRefresh, func(t time.Time) tea.Msg { return refreshTickMsg(t) })
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activePanel = (m.activePanel + 1) % panelCount
			return m, nil
		case "shift+tab":
			m.activePanel = (m.activePanel - 1 + panelCount) % panelCount
			return m, nil
		case "r":
			m.loading = true
			return m, tea.Batch(loadData, m.spinner.Tick)
		}
		if m.activePanel == panelProjects {
			var cmd tea.Cmd
			m.projects, cmd = m.projects.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case refreshTickMsg:
		return m, tea.Batch(loadData, scheduleRefresh())

	case dataLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.projects.SetRows(msg.rows)
		m.projectRows = len(msg.rows)
		m.totals = msg.totals
		m.metricsData = msg.metrics
		m.alerts = msg.alerts
		m.refreshedAt = time.Now()
		m.err = nil
		return m, nil
	}

	return m, nil
}

func (m dashboardModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	title := dashTitleStyle.Render(" Agent Army ")
	help := dashHelpStyle.Render("tab: switch panel | up/down: scroll projects | r: refresh | q: quit")

	if m.loading && m.totals == nil {
		return fmt.Sprintf("%s\n\n  %s Loading data...\n\n%s", title, m.spinner.View(), help)
	}
	if m.err != nil {
		return fmt.Sprintf("%s\n\n  Error: %s\n\n%s", title, m.err, help)
	}

	status := ""
	if m.loading {
		status = " " + m.spinner.View()
	} else if !m.refreshedAt.IsZero() {
		status = dashHelpStyle.Render(" updated " + m.refreshedAt.Format("15:04:05"))
	}

	available := m.width - 2
	projects := m.applyPanelStyle(panelProjects, m.renderProjectsPanel(), available-4)

	var lower string
	if available > 100 {
		half := available / 2
		lower = lipgloss.JoinHorizontal(lipgloss.Top,
			m.applyPanelStyle(panelMetrics, m.renderMetricsPanel(), half-4),
			m.applyPanelStyle(panelAlerts, m.renderAlertsPanel(), half-4))
	} else {
		width := available - 4
		if width < 20 {
			width = 20
		}
		lower = lipgloss.JoinVertical(lipgloss.Left,
			m.applyPanelStyle(panelMetrics, m.renderMetricsPanel(), width),
			m.applyPanelStyle(panelAlerts, m.renderAlertsPanel(), width))
	}

	return fmt.Sprintf("%s%s\n\n%s\n%s\n\n%s", title, status, projects, lower, help)
}

func (m dashboardModel) applyPanelStyle(panel int, content string, width int) string {
	style := dashPanelStyle
	if m.activePanel == panel {
		style = dashActivePanelStyle
	}
	return style.Width(width).Render(content)
}

func (m dashboardModel) renderProjectsPanel() string {
	var b strings.Builder
	b.WriteString(dashHeaderStyle.Render("Projects"))
	b.WriteString("\n")

	if m.projectRows == 0 {
		b.WriteString("  No projects registered.")
		return b.String()
	}
	b.WriteString(m.projects.View())

	if t := m.totals; t != nil {
		fmt.Fprintf(&b, "\n\n  %d project(s), %d task(s), %.0f%% complete", t.projects, t.tasks, t.completion)
		fmt.Fprintf(&b, "\n  %s %d  %s %d  %s %d  %s %d",
			statusTodo.Render("todo"), t.byStatus[models.StatusTodo],
			statusInProgress.Render("in_progress"), t.byStatus[models.StatusInProgress],
			statusBlocked.Render("blocked"), t.byStatus[models.StatusBlocked],
			statusDone.Render("done"), t.byStatus[models.StatusDone])
		if len(t.stalled) > 0 {
			fmt.Fprintf(&b, "\n  %s %s", dashStalledStyle.Render("Stalled:"), strings.Join(t.stalled, ", "))
		}
	}
	return b.String()
}

func (m dashboardModel) renderMetricsPanel() string {
	var b strings.Builder
	b.WriteString(dashHeaderStyle.Render("Metrics (24h)"))
	b.WriteString("\n")

	if m.metricsData == nil {
		b.WriteString("  No metrics available.")
		return b.String()
	}

	md := m.metricsData
	lines := []struct {
		label string
		value int
	}{
		{"Claimed", md.claimed},
		{"Completed", md.completed},
		{"Requeued", md.requeued},
		{"Blocked", md.blocked},
		{"Exhausted", md.exhaustions},
		{"Messages", md.messages},
	}
	for _, l := range lines {
		fmt.Fprintf(&b, "  %-14s %d\n", l.label, l.value)
	}
	if md.cycleTime > 0 {
		fmt.Fprintf(&b, "  %-14s %s\n", "Cycle time", md.cycleTime.Round(time.Second))
	}
	return b.String()
}

func (m dashboardModel) renderAlertsPanel() string {
	var b strings.Builder
	b.WriteString(dashHeaderStyle.Render("Alerts"))
	b.WriteString("\n")

	if len(m.alerts) == 0 {
		b.WriteString("  No active alerts.")
		return b.String()
	}

	for _, a := range m.alerts {
		label := fmt.Sprintf("[%s]", strings.ToUpper(a.severity))
		if style, ok := alertSeverityStyles[observability.AlertSeverity(a.severity)]; ok {
			label = style.Render(label)
		}
		fmt.Fprintf(&b, "  %s %s\n", label, a.message)
	}
	fmt.Fprintf(&b, "\n  Total: %d alert(s)", len(m.alerts))
	return b.String()
}

// loadData gathers a snapshot from the registry and observability services.
func loadData() tea.Msg {
	ctx := context.Background()
	var result dataLoadedMsg

	if Registry != nil {
		reports, err := Registry.Report(ctx)
		if err != nil {
			result.err = fmt.Errorf("loading projects: %w", err)
			return result
		}
		for _, r := range reports {
			result.rows = append(result.rows, projectRow(r.Project, r.Summary, r.Workload))
		}
		summary, err := Registry.Summary(ctx)
		if err != nil {
			result.err = fmt.Errorf("summarising projects: %w", err)
			return result
		}
		result.totals = &totalsSnapshot{
			projects:   summary.Projects,
			tasks:      summary.Tasks,
			completion: summary.CompletionRate,
			stalled:    summary.StalledProjects,
			byStatus:   summary.TasksByStatus,
		}
	}

	if MetricsCalc != nil {
		metrics, err := MetricsCalc.Calculate(time.Now().UTC().Add(-24 * time.Hour))
		if err != nil {
			result.err = fmt.Errorf("loading metrics: %w", err)
			return result
		}
		result.metrics = &metricsSnapshot{
			claimed:     metrics.TasksClaimed,
			completed:   metrics.TasksCompleted,
			requeued:    metrics.TasksRequeued,
			blocked:     metrics.TasksBlocked,
			exhaustions: metrics.RetryExhaustions,
			messages:    metrics.MessagesPublished,
			cycleTime:   metrics.MeanCycleTime,
		}
	}

	if AlertEngine != nil {
		alerts, err := AlertEngine.Evaluate(ctx)
		if err != nil {
			result.err = fmt.Errorf("loading alerts: %w", err)
			return result
		}
		result.alerts = make([]alertSnapshot, 0, len(alerts))
		for _, a := range alerts {
			result.alerts = append(result.alerts, alertSnapshot{
				severity: string(a.Severity),
				message:  a.Message,
				time:     a.TriggeredAt.Format("2006-01-02 15:04 UTC"),
			})
		}
	}

	return result
}

func projectRow(p *models.Project, s *models.ChecklistSummary, workload float64) table.Row {
	row := table.Row{p.ID, p.Name, string(p.Status), "-", "-", "-", "-", "-", fmt.Sprintf("%.1f", workload)}
	if s != nil {
		row[3] = string(s.Health)
		row[4] = fmt.Sprintf("%.0f%%", s.PercentComplete)
		row[5] = fmt.Sprint(s.ByStatus[models.StatusTodo])
		row[6] = fmt.Sprint(s.ByStatus[models.StatusInProgress])
		row[7] = fmt.Sprint(s.ByStatus[models.StatusBlocked])
	}
	return row
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive TUI dashboard for projects, metrics and alerts",
	Long: `Launch an interactive terminal dashboard showing every project's health
and progress, recent metrics, and active alerts. The view refreshes every
few seconds.

Navigate between panels with Tab, refresh with r, quit with q.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if Registry == nil {
			return fmt.Errorf("project registry not initialized")
		}
		p := tea.NewProgram(newDashboardModel(), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
