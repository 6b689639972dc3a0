package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/config"
)

// Tool status constants.
const (
	statusOK      = "OK"
	statusMissing = "MISSING"
)

// toolDef describes one external tool the probe can use and how to
// detect it. Every tool is optional: the fork models need no services
// at all, so a missing tool narrows the probe instead of blocking it.
type toolDef struct {
	Name      string   // binary name
	Purpose   string   // what the probe uses it for
	CheckArgs []string // args for the version check
}

// toolResult holds the outcome of checking a single tool.
type toolResult struct {
	Name    string
	Purpose string
	Status  string // statusOK or statusMissing
	Version string
}

// defaultToolDefs is the canonical list of tools the probe can exercise.
// Tests may override this variable to control what gets checked.
var defaultToolDefs = []toolDef{ //nolint:gochecknoglobals // mutable for test injection
	{Name: "gdb", Purpose: "debugger attach (default profile)", CheckArgs: []string{"--version"}},
	{Name: "lldb", Purpose: "debugger attach (lldb profile)", CheckArgs: []string{"--version"}},
	{Name: "redis-server", Purpose: "task channel for pool-dispatched models", CheckArgs: []string{"--version"}},
	{Name: "ollama", Purpose: "real embeddings instead of the mock", CheckArgs: []string{"--version"}},
}

// checkTool runs the version check for a single tool definition.
func checkTool(def toolDef) toolResult {
	r := toolResult{Name: def.Name, Purpose: def.Purpose}

	path, err := exec.LookPath(def.Name)
	if err != nil {
		r.Status = statusMissing
		return r
	}

	cmd := exec.CommandContext(context.Background(), path, def.CheckArgs...) //nolint:gosec // args from trusted toolDef table
	out, err := cmd.CombinedOutput()
	if err != nil {
		// Tool exists but the version check failed; still usable.
		r.Status = statusOK
		r.Version = "(version unknown)"
		return r
	}

	r.Status = statusOK
	r.Version = parseVersion(string(out))
	return r
}

// parseVersion extracts a compact version string from command output.
func parseVersion(raw string) string {
	lines := strings.SplitN(strings.TrimSpace(raw), "\n", 2)
	if len(lines) == 0 {
		return "(unknown)"
	}
	v := strings.TrimSpace(lines[0])
	if len(v) > 60 {
		v = v[:60] + "..."
	}
	return v
}

// checkAllTools checks every tool in the given slice.
func checkAllTools(defs []toolDef) []toolResult {
	results := make([]toolResult, len(defs))
	for i, def := range defs {
		results[i] = checkTool(def)
	}
	return results
}

// formatToolTable writes a human-readable table of tool check results.
func formatToolTable(w io.Writer, results []toolResult) {
	fmt.Fprintf(w, "%-14s %-9s %-42s %s\n", "Tool", "Status", "Purpose", "Version")
	fmt.Fprintf(w, "%-14s %-9s %-42s %s\n", "----", "------", "-------", "-------")

	missing := 0
	for _, r := range results {
		ver := r.Version
		if r.Status == statusMissing {
			ver = "-"
			missing++
		}
		fmt.Fprintf(w, "%-14s %-9s %-42s %s\n", r.Name, r.Status, r.Purpose, ver)
	}

	fmt.Fprintln(w)
	if missing == 0 {
		fmt.Fprintf(w, "All %d tools available.\n", len(results))
	} else {
		fmt.Fprintf(w, "%d/%d tools available. Missing tools narrow the probe: pool models\n", len(results)-missing, len(results))
		fmt.Fprintln(w, "need redis-server, attach needs a debugger, real embeddings need ollama.")
		fmt.Fprintln(w, "The forking model runs with none of them.")
	}
}

// newInitCmd creates the "forkprobe init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the probe home with a default config",
		Long: `Init creates the probe home directory (FORKPROBE_HOME or ~/.forkprobe),
writes a default config.yaml, and reports which optional external
tools are installed. Nothing here is required to reproduce the basic
crash: the forking model runs self-contained.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.OutOrStdout(), force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config.yaml")
	return cmd
}

// runInit is the core logic for the init command, separated for
// testability.
func runInit(w io.Writer, force bool) error {
	home, err := config.ProbeHome()
	if err != nil {
		return err
	}
	for _, dir := range []string{home, filepath.Join(home, "runs")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(home, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("render default config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(w, "Wrote %s\n\n", configPath)

	formatToolTable(w, checkAllTools(defaultToolDefs))
	return nil
}
