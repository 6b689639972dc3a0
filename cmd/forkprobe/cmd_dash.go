package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

// newDashCmd creates the "forkprobe dash" subcommand.
func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Launch the run-history dashboard",
		Long:  "Opens the forkprobe dashboard TUI for browsing recorded runs, per-model outcomes, and crash artifacts.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dashCmd := exec.CommandContext(cmd.Context(), "forkprobe-dash")
			dashCmd.Stdin = os.Stdin
			dashCmd.Stdout = os.Stdout
			dashCmd.Stderr = os.Stderr

			if err := dashCmd.Run(); err != nil {
				return fmt.Errorf("run forkprobe-dash: %w", err)
			}
			return nil
		},
	}
}
