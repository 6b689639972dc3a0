package driver

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// RenderOptions controls summary formatting.
type RenderOptions struct {
	// Color enables terminal styling. The caller decides from the output
	// descriptor; piped output stays plain so it greps cleanly.
	Color bool
}

var (
	styleHeader   = lipgloss.NewStyle().Bold(true)
	styleMatch    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleMismatch = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleMuted    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// RenderSummary writes the human-readable comparison table.
func RenderSummary(w io.Writer, res *SuiteResult, opts RenderOptions) error {
	paint := func(style lipgloss.Style, s string) string {
		if !opts.Color {
			return s
		}
		return style.Render(s)
	}

	var b strings.Builder
	header := fmt.Sprintf("model comparison (guard %s, embedder %s)", res.GuardMode, res.Embedder)
	fmt.Fprintf(&b, "%s\n", paint(styleHeader, header))

	for _, r := range res.Results {
		expectation := "expected fail"
		if r.Spec.ExpectPass {
			expectation = "expected pass"
		}
		// Badges share a width so painting never skews the columns.
		badge := paint(styleMatch, "[OK]      ")
		if !r.Matched {
			badge = paint(styleMismatch, "[MISMATCH]")
		}
		fmt.Fprintf(&b, "  %s  %-12s %-28s %s  %s\n",
			badge, r.Spec.Model, r.Outcome.String(), expectation,
			paint(styleMuted, r.Duration.Round(time.Millisecond).String()))
	}

	elapsed := res.Elapsed.Round(time.Millisecond)
	if res.Matched() {
		line := fmt.Sprintf("all %d models matched expectations (%s)", len(res.Results), elapsed)
		fmt.Fprintf(&b, "%s\n", paint(styleMatch, line))
	} else {
		line := fmt.Sprintf("%d of %d models diverged from expectations (%s)",
			res.Mismatches, len(res.Results), elapsed)
		fmt.Fprintf(&b, "%s\n", paint(styleMismatch, line))
	}
	if res.RunID != "" {
		fmt.Fprintf(&b, "%s\n", paint(styleMuted, "run recorded: "+res.RunID))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// jsonSummary is the machine-readable view of a suite result.
type jsonSummary struct {
	RunID      string       `json:"run_id,omitempty"`
	GuardMode  string       `json:"guard_mode"`
	Embedder   string       `json:"embedder"`
	Results    []jsonResult `json:"results"`
	Mismatches int          `json:"mismatches"`
	Success    bool         `json:"success"`
	ElapsedMS  int64        `json:"elapsed_ms"`
}

type jsonResult struct {
	Model             string `json:"model"`
	Dispatch          string `json:"dispatch"`
	ExpectPass        bool   `json:"expect_pass"`
	Passed            bool   `json:"passed"`
	Outcome           string `json:"outcome"`
	Kind              string `json:"kind"`
	Signal            string `json:"signal,omitempty"`
	Matched           bool   `json:"matched"`
	DurationMS        int64  `json:"duration_ms"`
	DocumentsInserted int    `json:"documents_inserted,omitempty"`
}

// RenderJSON writes the comparison as indented JSON for scripting.
func RenderJSON(w io.Writer, res *SuiteResult) error {
	view := jsonSummary{
		RunID:      res.RunID,
		GuardMode:  res.GuardMode,
		Embedder:   res.Embedder,
		Results:    make([]jsonResult, 0, len(res.Results)),
		Mismatches: res.Mismatches,
		Success:    res.Matched(),
		ElapsedMS:  res.Elapsed.Milliseconds(),
	}
	for _, r := range res.Results {
		jr := jsonResult{
			Model:      string(r.Spec.Model),
			Dispatch:   string(r.Spec.Dispatch),
			ExpectPass: r.Spec.ExpectPass,
			Passed:     r.Outcome.Passed(),
			Outcome:    r.Outcome.String(),
			Kind:       string(r.Outcome.Kind),
			Signal:     r.Outcome.Signal,
			Matched:    r.Matched,
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Outcome.Report != nil {
			jr.DocumentsInserted = r.Outcome.Report.DocumentsInserted
		}
		view.Results = append(view.Results, jr)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}
