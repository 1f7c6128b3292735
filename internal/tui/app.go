// Package tui provides the operator dashboard for Tollgate.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/tollgate/internal/controlplane"
	"github.com/fentz26/tollgate/internal/models"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	statusStyles = map[models.TaskStatus]lipgloss.Style{
		models.TaskStatusSubmitted:     lipgloss.NewStyle().Foreground(mutedColor),
		models.TaskStatusWorking:       lipgloss.NewStyle().Foreground(cyanColor),
		models.TaskStatusInputRequired: lipgloss.NewStyle().Foreground(warningColor),
		models.TaskStatusCompleted:     lipgloss.NewStyle().Foreground(successColor),
		models.TaskStatusFailed:        lipgloss.NewStyle().Foreground(errorColor),
		models.TaskStatusCanceled:      lipgloss.NewStyle().Foreground(mutedColor).Strikethrough(true),
	}
)

var filters = []models.TaskStatus{
	"",
	models.TaskStatusWorking,
	models.TaskStatusInputRequired,
	models.TaskStatusCompleted,
	models.TaskStatusFailed,
	models.TaskStatusCanceled,
}

type viewMode int

const (
	modeList viewMode = iota
	modeDetail
)

// DefaultRefresh is how often the dashboard polls the daemon.
const DefaultRefresh = 2 * time.Second

const listLimit = 200

type refreshMsg struct {
	tasks   []models.Task
	metrics *controlplane.Metrics
	err     error
}

type detailMsg struct {
	task *models.Task
	err  error
}

type actionMsg struct {
	text string
	err  error
}

type tickMsg time.Time

// App is the dashboard model.
type App struct {
	client   *Client
	refresh  time.Duration
	table    table.Model
	spinner  spinner.Model
	detail   viewport.Model
	tasks    []models.Task
	shown    []models.Task
	metrics  *controlplane.Metrics
	current  *models.Task
	mode     viewMode
	filter   int
	message  string
	loading  bool
	online   bool
	lastSync time.Time
	width    int
	height   int
}

// New creates the dashboard for the daemon at apiAddr.
func New(apiAddr string, refresh time.Duration) *App {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	t := table.New(
		table.WithColumns(columns(100)),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(primaryColor)
	styles.Selected = styles.Selected.Foreground(fgColor).Background(primaryColor)
	t.SetStyles(styles)

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &App{
		client:  NewClient(apiAddr),
		refresh: refresh,
		table:   t,
		spinner: sp,
		detail:  viewport.New(100, 20),
		loading: true,
	}
}

// Run starts the dashboard and blocks until the user quits.
func Run(apiAddr string, refresh time.Duration) error {
	_, err := tea.NewProgram(New(apiAddr, refresh), tea.WithAltScreen()).Run()
	return err
}

func columns(width int) []table.Column {
	query := width - 8 - 16 - 10 - 14 - 10 - 12
	if query < 20 {
		query = 20
	}
	return []table.Column{
		{Title: "ID", Width: 8},
		{Title: "Status", Width: 16},
		{Title: "Intent", Width: 10},
		{Title: "Tenant", Width: 14},
		{Title: "Cost", Width: 10},
		{Title: "Updated", Width: 8},
		{Title: "Query", Width: query},
	}
}

// Init starts polling.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.fetch(), a.tick())
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) fetch() tea.Cmd {
	client := a.client
	return func() tea.Msg {
		tasks, err := client.ListTasks(listLimit)
		if err != nil {
			return refreshMsg{err: err}
		}
		metrics, err := client.Metrics()
		return refreshMsg{tasks: tasks, metrics: metrics, err: err}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	client := a.client
	return func() tea.Msg {
		t, err := client.GetTask(id)
		return detailMsg{task: t, err: err}
	}
}

func (a *App) cancel(id string) tea.Cmd {
	client := a.client
	return func() tea.Msg {
		if err := client.CancelTask(id); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{text: "canceled " + shortID(id)}
	}
}

// Update handles messages.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.table.SetColumns(columns(msg.Width))
		a.table.SetHeight(max(msg.Height-8, 3))
		a.detail.Width = msg.Width - 4
		a.detail.Height = max(msg.Height-6, 3)
		return a, nil

	case tea.KeyMsg:
		if cmd, handled := a.handleKey(msg); handled {
			return a, cmd
		}

	case tickMsg:
		cmds = append(cmds, a.fetch(), a.tick())
		if a.mode == modeDetail && a.current != nil {
			cmds = append(cmds, a.fetchDetail(a.current.ID))
		}
		return a, tea.Batch(cmds...)

	case refreshMsg:
		a.loading = false
		if msg.err != nil {
			a.online = false
			a.message = msg.err.Error()
			return a, nil
		}
		a.online = true
		a.lastSync = time.Now()
		a.tasks = msg.tasks
		a.metrics = msg.metrics
		a.applyFilter()
		return a, nil

	case detailMsg:
		if msg.err != nil {
			a.message = msg.err.Error()
			a.mode = modeList
			return a, nil
		}
		a.current = msg.task
		a.detail.SetContent(renderDetail(msg.task, a.detail.Width))
		return a, nil

	case actionMsg:
		if msg.err != nil {
			a.message = msg.err.Error()
		} else {
			a.message = msg.text
		}
		return a, a.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	var cmd tea.Cmd
	if a.mode == modeDetail {
		a.detail, cmd = a.detail.Update(msg)
	} else {
		a.table, cmd = a.table.Update(msg)
	}
	return a, cmd
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c", "q":
		return tea.Quit, true
	case "r":
		a.loading = true
		return a.fetch(), true
	}

	if a.mode == modeDetail {
		switch msg.String() {
		case "esc", "backspace":
			a.mode = modeList
			a.current = nil
			return nil, true
		case "c":
			if a.current != nil {
				return a.cancel(a.current.ID), true
			}
		}
		return nil, false
	}

	switch msg.String() {
	case "f":
		a.filter = (a.filter + 1) % len(filters)
		a.applyFilter()
		return nil, true
	case "enter":
		if t := a.selected(); t != nil {
			a.mode = modeDetail
			a.current = t
			a.detail.SetContent(renderDetail(t, a.detail.Width))
			a.detail.GotoTop()
			return a.fetchDetail(t.ID), true
		}
	case "c":
		if t := a.selected(); t != nil {
			return a.cancel(t.ID), true
		}
	}
	return nil, false
}

func (a *App) selected() *models.Task {
	i := a.table.Cursor()
	if i < 0 || i >= len(a.shown) {
		return nil
	}
	t := a.shown[i]
	return &t
}

func (a *App) applyFilter() {
	a.shown = filterTasks(a.tasks, filters[a.filter])
	a.table.SetRows(taskRows(a.shown, time.Now()))
	if a.table.Cursor() >= len(a.shown) && len(a.shown) > 0 {
		a.table.SetCursor(len(a.shown) - 1)
	}
}

// View renders the dashboard.
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("tollgate"))
	b.WriteString(" ")
	b.WriteString(a.header())
	b.WriteString("\n\n")

	if a.mode == modeDetail {
		b.WriteString(panelStyle.Render(a.detail.View()))
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("esc back • c cancel • ↑/↓ scroll • r refresh • q quit"))
	} else {
		b.WriteString(a.table.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter details • c cancel • f filter • r refresh • q quit"))
	}
	b.WriteString("\n")
	b.WriteString(a.statusBar())
	return b.String()
}

func (a *App) header() string {
	if a.metrics == nil {
		return helpStyle.Render("waiting for daemon")
	}
	m := a.metrics
	parts := []string{
		fmt.Sprintf("live %d", m.Tasks.Live),
		fmt.Sprintf("completed %d", m.Tasks.Completed),
		fmt.Sprintf("evicted %d", m.Tasks.Evicted),
	}
	if m.Scheduler != nil {
		parts = append(parts, fmt.Sprintf("dispatching %d/%d", m.Scheduler.Active, m.Scheduler.GlobalMax),
			fmt.Sprintf("queued %d", m.Scheduler.Pending))
	}
	if counts := statusCounts(a.tasks); counts != "" {
		parts = append(parts, counts)
	}
	return strings.Join(parts, "  ")
}

// statusCounts renders a coloured count per status present in tasks.
func statusCounts(tasks []models.Task) string {
	n := map[models.TaskStatus]int{}
	for _, t := range tasks {
		n[t.Status]++
	}
	var parts []string
	for _, st := range []models.TaskStatus{
		models.TaskStatusSubmitted, models.TaskStatusWorking, models.TaskStatusInputRequired,
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCanceled,
	} {
		if n[st] > 0 {
			parts = append(parts, statusStyles[st].Render(fmt.Sprintf("%s:%d", st, n[st])))
		}
	}
	return strings.Join(parts, " ")
}

func (a *App) statusBar() string {
	state := lipgloss.NewStyle().Foreground(successColor).Render("● online")
	if !a.online {
		state = lipgloss.NewStyle().Foreground(errorColor).Render("● offline")
	}
	if a.loading {
		state = a.spinner.View() + " loading"
	}
	filter := "all"
	if f := filters[a.filter]; f != "" {
		filter = string(f)
	}
	line := fmt.Sprintf("%s │ filter: %s │ %d tasks", state, filter, len(a.shown))
	if a.message != "" {
		line += " │ " + a.message
	}
	return statusBarStyle.Render(line)
}

func filterTasks(tasks []models.Task, status models.TaskStatus) []models.Task {
	if status == "" {
		return tasks
	}
	out := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

func taskRows(tasks []models.Task, now time.Time) []table.Row {
	rows := make([]table.Row, len(tasks))
	for i, t := range tasks {
		cost := "-"
		if t.Cost != nil {
			cost = fmt.Sprintf("$%.3f", t.Cost.USD)
		}
		rows[i] = table.Row{
			shortID(t.ID),
			string(t.Status),
			t.Intent,
			t.RequestedBy,
			cost,
			ago(now.Sub(t.UpdatedAt)),
			oneLine(t.Query),
		}
	}
	return rows
}

func renderDetail(t *models.Task, width int) string {
	if t == nil {
		return ""
	}
	if width <= 0 {
		width = 80
	}
	style, ok := statusStyles[t.Status]
	if !ok {
		style = lipgloss.NewStyle()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task     %s\n", t.ID)
	fmt.Fprintf(&b, "Status   %s\n", style.Render(string(t.Status)))
	fmt.Fprintf(&b, "Intent   %s\n", t.Intent)
	fmt.Fprintf(&b, "Tenant   %s\n", t.RequestedBy)
	if t.AgentID != "" {
		fmt.Fprintf(&b, "Agent    %s\n", t.AgentID)
	}
	if t.Cost != nil {
		fmt.Fprintf(&b, "Cost     %d tokens, $%.4f\n", t.Cost.Tokens, t.Cost.USD)
	}
	fmt.Fprintf(&b, "Created  %s\n", t.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(&b, "Updated  %s\n", t.UpdatedAt.Local().Format(time.DateTime))

	if len(t.Messages) > 0 {
		b.WriteString("\nMessages\n")
		wrap := lipgloss.NewStyle().Width(width - 4)
		for _, m := range t.Messages {
			for _, p := range m.Parts {
				if p.Text == "" {
					continue
				}
				fmt.Fprintf(&b, "  [%s] %s\n", m.Role, wrap.Render(p.Text))
			}
		}
	}
	if len(t.Artifacts) > 0 {
		b.WriteString("\nArtifacts\n")
		for _, art := range t.Artifacts {
			fmt.Fprintf(&b, "  %s (%s, %d bytes)\n", art.Name, art.Type, len(art.Content))
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
