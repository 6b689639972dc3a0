package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/config"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/vecstore"
)

// runConfig holds flag values for the run command.
type runConfig struct {
	configPath string
	model      string
	hang       bool
	hold       time.Duration
	documents  int
	timeout    time.Duration
	jsonOut    bool
}

// newRunCmd creates the "forkprobe run" subcommand.
func newRunCmd() *cobra.Command {
	var rc runConfig
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one worker model against the shared store",
		Long: `Run executes a single worker model's insert workload under supervision
and reports how it ended. The exit code follows the workload: 0 when
the inserts completed, 4 when the worker crashed, deadlocked, or timed
out. Run the forking model to reproduce the inherited-handle crash on
demand; add --hang to reproduce the silent-deadlock variant instead,
and --hold to leave a window for attaching a debugger.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(rc.configPath)
			if err != nil {
				return err
			}
			applyRunFlags(cfg, &rc)

			spec, err := protocol.LookupModel(rc.model)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			runID := newRunID()
			h, err := buildHarness(cmd.Context(), cfg, logger, harnessOptions{
				runID:       runID,
				hold:        rc.hold,
				withHistory: true,
			})
			if err != nil {
				return err
			}
			defer h.Close()

			logger.Info("run starting",
				"run_id", runID,
				"model", rc.model,
				"guard", cfg.GuardMode,
				"run_dir", h.paths.RunDir)

			res, err := h.driver.RunSuite(cmd.Context(), []protocol.ModelSpec{spec})
			if err != nil {
				return err
			}
			if err := renderResult(cmd, res, rc.jsonOut); err != nil {
				return err
			}

			if outcome := res.Results[0].Outcome; !outcome.Passed() {
				return fmt.Errorf("%w: %s %s", errWorkloadFailed, spec.Model, outcome.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&rc.model, "model", "m", "", "worker model to run (forking, cooperative, threads)")
	cmd.Flags().StringVarP(&rc.configPath, "config", "c", "", "config file path (default: $FORKPROBE_CONFIG, then <probe home>/config.yaml)")
	cmd.Flags().BoolVar(&rc.hang, "hang", false, "use the hang guard: the worker deadlocks instead of trapping")
	cmd.Flags().DurationVar(&rc.hold, "hold", 0, "pause duplicated workers this long before the insert (attach window)")
	cmd.Flags().IntVar(&rc.documents, "documents", 0, "workload size override")
	cmd.Flags().DurationVar(&rc.timeout, "timeout", 0, "per-model timeout override")
	cmd.Flags().BoolVar(&rc.jsonOut, "json", false, "emit the summary as JSON")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

// applyRunFlags overlays run flags onto the loaded configuration. Flags
// outrank both the file and the environment.
func applyRunFlags(cfg *config.Config, rc *runConfig) {
	if rc.hang {
		cfg.GuardMode = string(vecstore.GuardHang)
	}
	if rc.documents > 0 {
		cfg.Documents = rc.documents
	}
	if rc.timeout > 0 {
		cfg.ModelTimeout = config.Duration(rc.timeout)
	}
}
