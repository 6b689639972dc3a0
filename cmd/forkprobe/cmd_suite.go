package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/config"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/vecstore"
)

// suiteConfig holds flag values for the suite command.
type suiteConfig struct {
	configPath string
	models     string
	hang       bool
	documents  int
	timeout    time.Duration
	jsonOut    bool
}

// newSuiteCmd creates the "forkprobe suite" subcommand.
func newSuiteCmd() *cobra.Command {
	var sc suiteConfig
	cmd := &cobra.Command{
		Use:   "suite",
		Short: "Run the selected models and score them against expectations",
		Long: `Suite runs each selected model in registry order and compares how it
ended against its expectation: the forking model is expected to fail,
the cooperative and thread models to pass. An expected crash counts as
a match; only divergence from the table fails the suite (exit 5). A
mismatch on one model never stops the later ones, so a single suite
run always yields the full comparison.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(sc.configPath)
			if err != nil {
				return err
			}
			applySuiteFlags(cfg, &sc)

			specs, err := protocol.ParseModels(sc.models)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			runID := newRunID()
			h, err := buildHarness(cmd.Context(), cfg, logger, harnessOptions{
				runID:       runID,
				withHistory: true,
			})
			if err != nil {
				return err
			}
			defer h.Close()

			logger.Info("suite starting",
				"run_id", runID,
				"models", len(specs),
				"guard", cfg.GuardMode,
				"run_dir", h.paths.RunDir)

			res, err := h.driver.RunSuite(cmd.Context(), specs)
			if err != nil {
				return err
			}
			if err := renderResult(cmd, res, sc.jsonOut); err != nil {
				return err
			}

			if !res.Matched() {
				return fmt.Errorf("%w: %d of %d models diverged", errMismatch, res.Mismatches, len(res.Results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sc.models, "models", "all", "comma-separated model list, or \"all\"")
	cmd.Flags().StringVarP(&sc.configPath, "config", "c", "", "config file path (default: $FORKPROBE_CONFIG, then <probe home>/config.yaml)")
	cmd.Flags().BoolVar(&sc.hang, "hang", false, "use the hang guard: failing workers deadlock instead of trapping")
	cmd.Flags().IntVar(&sc.documents, "documents", 0, "workload size override")
	cmd.Flags().DurationVar(&sc.timeout, "timeout", 0, "per-model timeout override")
	cmd.Flags().BoolVar(&sc.jsonOut, "json", false, "emit the summary as JSON")

	return cmd
}

// applySuiteFlags overlays suite flags onto the loaded configuration.
func applySuiteFlags(cfg *config.Config, sc *suiteConfig) {
	if sc.hang {
		cfg.GuardMode = string(vecstore.GuardHang)
	}
	if sc.documents > 0 {
		cfg.Documents = sc.documents
	}
	if sc.timeout > 0 {
		cfg.ModelTimeout = config.Duration(sc.timeout)
	}
}
