package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/internal/buildinfo"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/driver"
)

// newRootCmd creates the forkprobe root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forkprobe",
		Short: "Fork-safety diagnostic harness for worker concurrency models",
		Long: `forkprobe reproduces and diagnoses the classic fork-safety failure:
a worker pool that duplicates its parent process inherits an open
database handle by copy, and the first write through that copy
corrupts or crashes. The harness runs the same insert workload under
forking, cooperative, and thread-based dispatch against one shared
vector store and classifies how each worker ends.

The forking model is expected to fail. The suite command scores every
model against that expectation table; run exercises one model at a
time; attach points a debugger at a live worker for a backtrace.`,
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newSuiteCmd(),
		newModelsCmd(),
		newAttachCmd(),
		newInitCmd(),
		newDashCmd(),
		newWorkerCmd(),
	)
	return cmd
}

// newLogger builds a slog logger from the configured level and format.
// Unknown values fall back to info/text rather than failing the run.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// renderResult writes the suite summary in the requested format. Colored
// output is reserved for live terminals so piped output greps cleanly.
func renderResult(cmd *cobra.Command, res *driver.SuiteResult, jsonOut bool) error {
	w := cmd.OutOrStdout()
	if jsonOut {
		return driver.RenderJSON(w, res)
	}
	return driver.RenderSummary(w, res, driver.RenderOptions{Color: isTerminal(w)})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
