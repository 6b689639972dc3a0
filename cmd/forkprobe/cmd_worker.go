package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/config"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/faultcap"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/lifecycle"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/supervise"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/vecstore"
)

// workerFlags holds flag values for the hidden worker command.
type workerFlags struct {
	snapshot  string
	runDir    string
	documents int
	hold      time.Duration
}

// newWorkerCmd creates the hidden "forkprobe worker" subcommand: the body
// of a duplicated worker. The supervisor re-executes this binary with
// these flags; operators never run it by hand.
func newWorkerCmd() *cobra.Command {
	var wf workerFlags
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run as a duplicated worker (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if wf.snapshot == "" || wf.runDir == "" {
				return &protocol.ValidationError{
					Field:  "worker",
					Reason: "--snapshot and --run-dir are required",
				}
			}
			// Worker stderr lands in the run's worker.log; no config file
			// is read on this path so the spawn stays cheap.
			logger := newLogger(os.Getenv("FORKPROBE_LOG_LEVEL"), os.Getenv("FORKPROBE_LOG_FORMAT"), cmd.ErrOrStderr())
			return runWorker(cmd.Context(), cmd.OutOrStdout(), workerOptions{
				snapshot:  wf.snapshot,
				paths:     config.RunPathsIn(wf.runDir),
				documents: wf.documents,
				hold:      wf.hold,
				notifyPID: os.Getppid(),
				logger:    logger,
			})
		},
	}

	cmd.Flags().StringVar(&wf.snapshot, "snapshot", "", "store snapshot file to rehydrate")
	cmd.Flags().StringVar(&wf.runDir, "run-dir", "", "run directory for pid file and dumps")
	cmd.Flags().IntVar(&wf.documents, "documents", 3, "number of documents to insert")
	cmd.Flags().DurationVar(&wf.hold, "hold", 0, "pause before the insert")

	return cmd
}

// workerOptions parameterizes runWorker so tests can run the worker body
// in-process with a safe notify target.
type workerOptions struct {
	snapshot  string
	paths     *config.RunPaths
	documents int
	hold      time.Duration
	notifyPID int
	logger    *slog.Logger
}

// runWorker is the duplicated-worker body: instrumentation first, then
// the advisory handshake, then the unsafe insert. Everything before the
// insert must be in place because the insert may never return control.
func runWorker(ctx context.Context, out io.Writer, opts workerOptions) error {
	tracker := lifecycle.NewTracker(opts.logger)

	faultcap.RaiseCoreLimit(opts.logger)
	capture, err := faultcap.Install(vecstore.TrapSignal, opts.paths.StackDump, opts.logger)
	if err != nil {
		return err
	}
	defer func() { _ = capture.Close() }()

	if err := lifecycle.PublishPID(opts.paths.PIDFile); err != nil {
		return err
	}
	if err := tracker.Advance(protocol.StateReady); err != nil {
		return err
	}

	store, err := vecstore.Rehydrate(opts.snapshot, opts.logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if opts.hold > 0 {
		// The hold is the attach window: pid is published, store is live,
		// nothing has touched the handle yet.
		opts.logger.Info("holding before insert", "hold", opts.hold, "pid", os.Getpid())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.hold):
		}
	}

	lifecycle.SignalMilestone(opts.notifyPID, opts.logger)
	if err := tracker.Advance(protocol.StateOperationStarted); err != nil {
		return err
	}

	docs := protocol.SampleDocuments(opts.documents)
	report := supervise.ExecuteInsert(ctx, store, docs, opts.logger)
	if err := tracker.Advance(protocol.StateTerminated); err != nil {
		return err
	}

	line, err := protocol.EncodeReportLine(report)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, line)

	if report.Status != protocol.ReportStatusSuccess {
		return fmt.Errorf("insert workload: %s", report.Message)
	}
	return nil
}
