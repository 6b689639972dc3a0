package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// newModelsCmd creates the "forkprobe models" subcommand.
func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the worker models and their expectations",
		Long: `Models prints the registry the suite command scores against: each
worker model, how its workload is dispatched, whether it is expected
to survive the shared handle, and which external services it needs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			printModels(cmd.OutOrStdout())
			return nil
		},
	}
}

func printModels(w io.Writer) {
	fmt.Fprintf(w, "%-13s %-6s %-9s %-7s %s\n", "MODEL", "KIND", "EXPECTED", "NEEDS", "DESCRIPTION")
	for _, spec := range protocol.Models() {
		expected := "fail"
		if spec.ExpectPass {
			expected = "pass"
		}
		needs := "-"
		if len(spec.Requires) > 0 {
			needs = strings.Join(spec.Requires, ",")
		}
		fmt.Fprintf(w, "%-13s %-6s %-9s %-7s %s\n",
			spec.Model, spec.Dispatch, expected, needs, spec.Description)
	}
}
