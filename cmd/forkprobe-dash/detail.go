package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/artifact"
)

// maxEvidenceLines bounds how much debugger output one crash record shows
// before it is cut with a continuation marker.
const maxEvidenceLines = 12

// DetailModel represents the drilldown view for a single run.
type DetailModel struct {
	detail    *artifact.RunDetail
	activeTab int
	tabs      []string
}

// newDetailModel creates a new DetailModel for the given run.
func newDetailModel(detail *artifact.RunDetail) DetailModel {
	return DetailModel{
		detail:    detail,
		activeTab: 0,
		tabs:      []string{"Outcomes", "Evidence"},
	}
}

// nextTab moves to the next tab, wrapping around to the first tab if at the end.
func (d DetailModel) nextTab() DetailModel {
	d.activeTab = (d.activeTab + 1) % len(d.tabs)
	return d
}

// prevTab moves to the previous tab, wrapping around to the last tab if at the start.
func (d DetailModel) prevTab() DetailModel {
	d.activeTab = (d.activeTab - 1 + len(d.tabs)) % len(d.tabs)
	return d
}

// View renders the detail view with tabs.
func (d DetailModel) View() string {
	theme := DefaultTheme()

	var tabHeaders []string
	for i, tab := range d.tabs {
		if i == d.activeTab {
			style := lipgloss.NewStyle().
				Foreground(theme.Primary).
				Bold(true)
			tabHeaders = append(tabHeaders, style.Render("["+tab+"]"))
		} else {
			style := lipgloss.NewStyle().
				Foreground(theme.Muted)
			tabHeaders = append(tabHeaders, style.Render(tab))
		}
	}

	header := strings.Join(tabHeaders, " ")

	var content string
	switch d.activeTab {
	case 0:
		content = d.renderOutcomesTab()
	case 1:
		content = d.renderEvidenceTab()
	default:
		content = "Unknown tab"
	}

	help := lipgloss.NewStyle().Foreground(theme.Muted).
		Render("tab switch · esc back · q quit")

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		"",
		content,
		"",
		help,
	)
}

// renderRunHeader renders the run identity lines shared by both tabs.
func (d DetailModel) renderRunHeader() string {
	theme := DefaultTheme()
	run := d.detail.Run

	title := lipgloss.NewStyle().Bold(true).Foreground(theme.Secondary).
		Render(fmt.Sprintf("Run %s", run.ID))

	verdict := run.Verdict
	if verdict == "" {
		verdict = "running"
	}
	verdictBadge := lipgloss.NewStyle().Foreground(verdictColor(theme, run.Verdict)).Render(verdict)

	window := run.StartedAt.Format("2006-01-02 15:04:05")
	if !run.FinishedAt.IsZero() {
		window += " → " + run.FinishedAt.Format("15:04:05")
	}

	meta := lipgloss.NewStyle().Foreground(theme.Muted).Render(
		fmt.Sprintf("%s · guard=%s · embedder=%s · %s", run.Kind, run.GuardMode, run.Embedder, window))

	return title + "  " + verdictBadge + "\n" + meta
}

// renderOutcomesTab renders the per-model outcome table.
func (d DetailModel) renderOutcomesTab() string {
	theme := DefaultTheme()

	if len(d.detail.Outcomes) == 0 {
		empty := lipgloss.NewStyle().Foreground(theme.Muted).Italic(true).
			Render("No outcomes recorded for this run")
		return d.renderRunHeader() + "\n\n" + empty
	}

	var sb strings.Builder
	sb.WriteString(d.renderRunHeader())
	sb.WriteString("\n\n")

	headers := []string{"Model", "Outcome", "Expected", "Match", "Docs", "PID", "Duration"}
	headerWidths := []int{13, 20, 8, 5, 5, 8, 10}

	headerParts := make([]string, 0, len(headers))
	for i, header := range headers {
		style := lipgloss.NewStyle().
			Width(headerWidths[i]).
			Bold(true).
			Foreground(theme.Primary)
		headerParts = append(headerParts, style.Render(header))
	}
	sb.WriteString(strings.Join(headerParts, " "))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", 80))
	sb.WriteString("\n")

	for _, o := range d.detail.Outcomes {
		sb.WriteString(d.renderOutcomeRow(o, headerWidths, theme))
		sb.WriteString("\n")
	}

	return sb.String()
}

// renderOutcomeRow renders a single outcome row in the table.
func (d DetailModel) renderOutcomeRow(o artifact.Outcome, widths []int, theme Theme) string {
	outcome := o.Kind
	if o.Signal != "" {
		outcome += " (" + o.Signal + ")"
	}
	outcomeColor := theme.Success
	if !o.Passed {
		outcomeColor = theme.Error
	}

	expected := "fail"
	if o.ExpectedPass {
		expected = "pass"
	}

	match := lipgloss.NewStyle().Width(widths[3]).Foreground(theme.Error).Render("✗")
	if o.Matched {
		match = lipgloss.NewStyle().Width(widths[3]).Foreground(theme.Success).Render("✓")
	}

	cell := func(s string, w int) string {
		return lipgloss.NewStyle().Width(w).Render(truncate(s, w))
	}

	cells := []string{
		cell(o.Model, widths[0]),
		lipgloss.NewStyle().Width(widths[1]).Foreground(outcomeColor).Render(truncate(outcome, widths[1])),
		cell(expected, widths[2]),
		match,
		cell(fmt.Sprintf("%d", o.DocumentsInserted), widths[4]),
		cell(fmt.Sprintf("%d", o.WorkerPID), widths[5]),
		cell(o.Duration.Truncate(10*time.Millisecond).String(), widths[6]),
	}

	return strings.Join(cells, " ")
}

// renderEvidenceTab renders the crash evidence bundles captured for this run.
func (d DetailModel) renderEvidenceTab() string {
	theme := DefaultTheme()

	if len(d.detail.Artifacts) == 0 {
		empty := lipgloss.NewStyle().Foreground(theme.Muted).Italic(true).
			Render("No crash evidence captured for this run")
		return d.renderRunHeader() + "\n\n" + empty
	}

	var sb strings.Builder
	sb.WriteString(d.renderRunHeader())
	sb.WriteString("\n")

	for _, a := range d.detail.Artifacts {
		sb.WriteString("\n")
		sb.WriteString(d.renderCrashRecord(a, theme))
	}

	return sb.String()
}

// renderCrashRecord renders one crash evidence bundle with its debugger text.
func (d DetailModel) renderCrashRecord(a artifact.CrashRecord, theme Theme) string {
	var sb strings.Builder

	title := lipgloss.NewStyle().Bold(true).Foreground(theme.Error).
		Render(fmt.Sprintf("%s · worker pid %d", a.Model, a.WorkerPID))
	sb.WriteString(title)
	sb.WriteString("\n")

	muted := lipgloss.NewStyle().Foreground(theme.Muted)
	if a.DebuggerOutcome != "" {
		sb.WriteString(muted.Render("debugger: " + a.DebuggerOutcome))
		sb.WriteString("\n")
	}
	if a.StackDumpPath != "" {
		sb.WriteString(muted.Render("stack dump: " + a.StackDumpPath))
		sb.WriteString("\n")
	}
	if a.CoreDumpPath != "" {
		sb.WriteString(muted.Render("core dump: " + a.CoreDumpPath))
		sb.WriteString("\n")
	}

	if a.DebuggerText == "" {
		sb.WriteString(muted.Italic(true).Render("  (no debugger output)"))
		sb.WriteString("\n")
		return sb.String()
	}

	lines := strings.Split(strings.TrimRight(a.DebuggerText, "\n"), "\n")
	shown := lines
	if len(shown) > maxEvidenceLines {
		shown = shown[:maxEvidenceLines]
	}
	for _, line := range shown {
		sb.WriteString("  " + line)
		sb.WriteString("\n")
	}
	if rest := len(lines) - len(shown); rest > 0 {
		sb.WriteString(muted.Render(fmt.Sprintf("  … (%d more lines)", rest)))
		sb.WriteString("\n")
	}

	return sb.String()
}
