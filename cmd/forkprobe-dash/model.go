package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/artifact"
)

// tickMsg is sent by Bubble Tea on every tick interval.
// Used to trigger periodic refresh from the history database.
type tickMsg time.Time

// runsMsg carries the refreshed run list. A non-nil err means the history
// database could not be read (usually: no run has been recorded yet).
type runsMsg struct {
	runs []artifact.RunSummary
	err  error
}

// detailMsg carries the result of an async run drilldown fetch.
type detailMsg struct {
	detail *artifact.RunDetail
	err    error
}

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchRunsCmd returns a tea.Cmd that loads recent runs from the history
// database. The reader is opened per fetch so a database created after the
// dashboard started is picked up on the next tick.
func fetchRunsCmd(dbPath string, limit int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		reader, err := artifact.OpenReader(dbPath)
		if err != nil {
			return runsMsg{err: err}
		}
		defer func() { _ = reader.Close() }()

		runs, err := reader.RecentRuns(ctx, limit)
		return runsMsg{runs: runs, err: err}
	}
}

// fetchDetailCmd returns a tea.Cmd that loads one run with its outcomes and
// crash evidence.
func fetchDetailCmd(dbPath, runID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		reader, err := artifact.OpenReader(dbPath)
		if err != nil {
			return detailMsg{err: err}
		}
		defer func() { _ = reader.Close() }()

		detail, err := reader.RunDetail(ctx, runID)
		return detailMsg{detail: detail, err: err}
	}
}

// ViewType represents different views in the dashboard.
type ViewType int

const (
	// RunsView lists recent runs, newest first.
	RunsView ViewType = iota
	// DetailView shows one run's outcomes and crash evidence.
	DetailView
)

// Model is the Bubble Tea model for the forkprobe dashboard.
type Model struct {
	activeView ViewType

	dbPath    string
	limit     int
	available bool

	// Data fetched from the history database. Rows in the table mirror
	// this slice index for index, so the cursor position selects a run.
	runs  []artifact.RunSummary
	table table.Model

	// UI state
	width  int
	height int
	err    error

	// Detail view state
	detailModel *DetailModel // Set when drilling down into a run
	detailErr   error

	// watch re-arms the filesystem notification after each change.
	// nil when the history directory cannot be watched (polling only).
	watch tea.Cmd
}

// newModel creates a new Model initialized with RunsView active.
func newModel(dbPath string, limit int) Model {
	return Model{
		activeView: RunsView,
		dbPath:     dbPath,
		limit:      limit,
		table:      newRunsTable(),
		watch:      watchHistoryDir(filepath.Dir(dbPath)),
	}
}

// newRunsTable builds the run list widget with the house palette applied.
func newRunsTable() table.Model {
	theme := DefaultTheme()

	columns := []table.Column{
		{Title: "Started", Width: 17},
		{Title: "Kind", Width: 6},
		{Title: "Guard", Width: 5},
		{Title: "Embedder", Width: 8},
		{Title: "Models", Width: 6},
		{Title: "Mismatch", Width: 8},
		{Title: "Verdict", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		Bold(true).
		Foreground(theme.Primary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(theme.Muted)
	styles.Selected = styles.Selected.
		Bold(true).
		Foreground(theme.Secondary)
	t.SetStyles(styles)

	return t
}

// runRows converts run summaries into table rows, preserving order.
func runRows(runs []artifact.RunSummary) []table.Row {
	theme := DefaultTheme()

	rows := make([]table.Row, 0, len(runs))
	for _, run := range runs {
		verdict := run.Verdict
		if verdict == "" {
			verdict = "running"
		}
		verdictCell := lipgloss.NewStyle().
			Foreground(verdictColor(theme, run.Verdict)).
			Render(verdict)

		mismatch := "-"
		if run.Mismatches > 0 {
			mismatch = fmt.Sprintf("%d", run.Mismatches)
		}

		rows = append(rows, table.Row{
			run.StartedAt.Format("2006-01-02 15:04"),
			run.Kind,
			run.GuardMode,
			run.Embedder,
			fmt.Sprintf("%d", run.Models),
			mismatch,
			verdictCell,
		})
	}
	return rows
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{fetchRunsCmd(m.dbPath, m.limit), tickCmd()}
	if m.watch != nil {
		cmds = append(cmds, m.watch)
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 6; h > 3 {
			m.table.SetHeight(h)
		}

	case runsMsg:
		if msg.err != nil {
			m.available = false
			m.err = msg.err
		} else {
			m.available = true
			m.err = nil
			m.runs = msg.runs
			m.table.SetRows(runRows(m.runs))
			// SetCursor clamps, pulling the selection back in range when
			// the list shrank under it.
			m.table.SetCursor(m.table.Cursor())
		}

	case detailMsg:
		if msg.err != nil {
			m.detailErr = msg.err
			return m, nil
		}
		dm := newDetailModel(msg.detail)
		m.detailModel = &dm
		m.detailErr = nil
		m.activeView = DetailView

	case historyChangedMsg:
		return m, tea.Batch(fetchRunsCmd(m.dbPath, m.limit), m.watch)

	case tickMsg:
		return m, tea.Batch(fetchRunsCmd(m.dbPath, m.limit), tickCmd())
	}

	return m, nil
}

// handleKeyPress processes keyboard input and returns updated model with optional command.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "ctrl+c" || key == "q" {
		return m, tea.Quit
	}

	switch m.activeView {
	case DetailView:
		return m.handleDetailViewKeys(key)
	default: // RunsView
		return m.handleRunsViewKeys(key, msg)
	}
}

// handleRunsViewKeys processes keyboard input in RunsView. Navigation keys
// fall through to the table widget.
func (m Model) handleRunsViewKeys(key string, msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key {
	case "r":
		return m, fetchRunsCmd(m.dbPath, m.limit)
	case "enter":
		if cursor := m.table.Cursor(); cursor >= 0 && cursor < len(m.runs) {
			return m, fetchDetailCmd(m.dbPath, m.runs[cursor].ID)
		}
	default:
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	}
	return m, nil
}

// handleDetailViewKeys processes keyboard input in DetailView.
func (m Model) handleDetailViewKeys(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "esc", "backspace":
		m.activeView = RunsView
		m.detailModel = nil
	case "tab":
		if m.detailModel != nil {
			*m.detailModel = m.detailModel.nextTab()
		}
	case "shift+tab":
		if m.detailModel != nil {
			*m.detailModel = m.detailModel.prevTab()
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	statusBar := m.renderStatusBar()

	switch m.activeView {
	case DetailView:
		if m.detailModel != nil {
			return statusBar + "\n" + m.detailModel.View()
		}
		// Fallback to the run list if detailModel is nil
		return statusBar + "\n" + m.renderRunsView()
	default:
		return statusBar + "\n" + m.renderRunsView()
	}
}

// renderStatusBar renders the status bar with history availability and
// aggregate verdict counts.
func (m Model) renderStatusBar() string {
	theme := DefaultTheme()

	var historyStatus string
	if m.available {
		historyStatus = lipgloss.NewStyle().Foreground(theme.Success).Render("history: online")
	} else {
		historyStatus = lipgloss.NewStyle().Foreground(theme.Error).Render("history: missing")
	}

	matched, mismatched := 0, 0
	for _, r := range m.runs {
		switch r.Verdict {
		case artifact.VerdictMatch:
			matched++
		case artifact.VerdictMismatch:
			mismatched++
		}
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		historyStatus,
		lipgloss.NewStyle().Render(" | Runs: "),
		lipgloss.NewStyle().Foreground(theme.Primary).Render(fmt.Sprintf("%d", len(m.runs))),
		lipgloss.NewStyle().Render(" | Matched: "),
		lipgloss.NewStyle().Foreground(theme.Success).Render(fmt.Sprintf("%d", matched)),
		lipgloss.NewStyle().Render(" | Mismatched: "),
		lipgloss.NewStyle().Foreground(theme.Error).Render(fmt.Sprintf("%d", mismatched)),
	)
}

// renderRunsView renders the run table or an empty-state hint.
func (m Model) renderRunsView() string {
	theme := DefaultTheme()

	if !m.available {
		return m.renderEmptyState("No run history yet. Start one with: forkprobe run -m forking")
	}
	if len(m.runs) == 0 {
		return m.renderEmptyState("History is empty. Start a run with: forkprobe run -m forking")
	}

	help := lipgloss.NewStyle().Foreground(theme.Muted).
		Render("j/k navigate · enter detail · r refresh · q quit")

	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.table.View(),
		"",
		help,
	)
}

// renderEmptyState renders a muted hint when there is nothing to list.
func (m Model) renderEmptyState(msg string) string {
	theme := DefaultTheme()
	return lipgloss.NewStyle().
		Foreground(theme.Muted).
		Italic(true).
		Padding(1, 0).
		Render(msg)
}

// truncate shortens s to max characters, appending "…" when it was cut.
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
