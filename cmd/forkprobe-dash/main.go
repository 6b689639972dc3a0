// Package main implements the forkprobe-dash interactive dashboard.
//
// It renders the run history recorded by the forkprobe driver: a list of
// recent runs with their verdicts, and a drilldown view with per-model
// outcomes and crash evidence. The history database is opened read-only,
// so a dashboard never interferes with a live run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/artifact"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/config"
)

// runRow is the JSON shape of one run in robot-mode snapshots.
type runRow struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	GuardMode  string `json:"guard_mode"`
	Embedder   string `json:"embedder"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Verdict    string `json:"verdict,omitempty"`
	Models     int    `json:"models"`
	Mismatches int    `json:"mismatches"`
}

// robotSnapshot outputs a JSON snapshot of recent runs for scripted
// consumers. A missing history database is not an error: the snapshot
// reports available=false with an empty run list so probes before the
// first run still parse.
func robotSnapshot(dbPath string, limit int) ([]byte, error) {
	snapshot := map[string]any{
		"history":   dbPath,
		"available": false,
		"runs":      []runRow{},
	}

	reader, err := artifact.OpenReader(dbPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return marshalSnapshot(snapshot)
		}
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runs, err := reader.RecentRuns(ctx, limit)
	if err != nil {
		return nil, err
	}

	rows := make([]runRow, 0, len(runs))
	for _, r := range runs {
		row := runRow{
			ID:         r.ID,
			Kind:       r.Kind,
			GuardMode:  r.GuardMode,
			Embedder:   r.Embedder,
			StartedAt:  r.StartedAt.Format(time.RFC3339),
			Verdict:    r.Verdict,
			Models:     r.Models,
			Mismatches: r.Mismatches,
		}
		if !r.FinishedAt.IsZero() {
			row.FinishedAt = r.FinishedAt.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	snapshot["available"] = true
	snapshot["runs"] = rows

	return marshalSnapshot(snapshot)
}

func marshalSnapshot(snapshot map[string]any) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func main() {
	robot := flag.Bool("robot", false, "print a JSON snapshot of recent runs and exit")
	dbFlag := flag.String("db", "", "path to the run history database (default: probe home)")
	limit := flag.Int("limit", 50, "maximum number of runs to load")
	flag.Parse()

	dbPath := *dbFlag
	if dbPath == "" {
		var err error
		dbPath, err = config.ArtifactDBPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error locating history database: %v\n", err)
			os.Exit(1)
		}
	}

	if *robot {
		data, err := robotSnapshot(dbPath, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	p := tea.NewProgram(newModel(dbPath, *limit), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
