package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/attach"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/config"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// attachConfig holds flag values for the attach command.
type attachConfig struct {
	configPath    string
	pid           int
	pidFile       string
	ancestor      int
	runDir        string
	debugger      string
	profilesPath  string
	waitMilestone bool
	list          bool
}

// newAttachCmd creates the "forkprobe attach" subcommand.
func newAttachCmd() *cobra.Command {
	var ac attachConfig
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a debugger to a live worker and capture its state",
		Long: `Attach locates a running duplicated worker and drives a batch-mode
debugger against it, capturing threads, backtraces, and registers.
Target selection: --pid pins the worker directly; --pid-file or
--run-dir reads the pid the worker published; --ancestor walks the
process table for a child of the given supervisor pid. With
--wait-milestone the attach is delayed until the worker signals that
its store operation has started, so the backtrace lands on the
interesting window. Pair it with "run --hold" to keep that window
open. A debugger that stalls past the attach timeout is itself
evidence of a deadlocked target; the session falls back to a quick
inline capture and says so in the artifact.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(ac.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())

			profilesPath := ac.profilesPath
			if profilesPath == "" {
				profilesPath = cfg.DebuggerProfiles
			}
			profiles, err := attach.LoadProfiles(profilesPath)
			if err != nil {
				return err
			}
			if ac.list {
				printProfiles(cmd.OutOrStdout(), profiles)
				return nil
			}

			profile, err := attach.FindProfile(profiles, ac.debugger)
			if err != nil {
				return err
			}

			opts := attach.Options{
				PID:              ac.pid,
				PIDFile:          ac.pidFile,
				AncestorPID:      ac.ancestor,
				WaitMilestone:    ac.waitMilestone,
				MilestoneWait:    cfg.MilestoneWait.Std(),
				MilestonePoll:    cfg.MilestonePoll.Std(),
				DiscoveryTimeout: cfg.DiscoveryTimeout.Std(),
				DiscoveryPoll:    cfg.DiscoveryPoll.Std(),
				AttachTimeout:    cfg.AttachTimeout.Std(),
				Profile:          profile,
				Logger:           logger,
			}
			if ac.runDir != "" {
				paths := config.RunPathsIn(ac.runDir)
				if opts.PIDFile == "" {
					opts.PIDFile = paths.PIDFile
				}
				opts.CrashDir = paths.CrashDir
				opts.StackDump = paths.StackDump
			}
			if opts.PID == 0 && opts.PIDFile == "" && opts.AncestorPID == 0 {
				return &protocol.ValidationError{
					Field:  "target",
					Reason: "pass --pid, --pid-file, --ancestor, or --run-dir",
				}
			}

			art, err := attach.NewSession(opts).Run(cmd.Context())
			if err != nil {
				return err
			}
			printArtifact(cmd.OutOrStdout(), art)
			return nil
		},
	}

	cmd.Flags().IntVar(&ac.pid, "pid", 0, "worker pid (skips discovery)")
	cmd.Flags().StringVar(&ac.pidFile, "pid-file", "", "pid file the worker published")
	cmd.Flags().IntVar(&ac.ancestor, "ancestor", 0, "supervisor pid whose worker child to find")
	cmd.Flags().StringVar(&ac.runDir, "run-dir", "", "run directory; implies its pid file and crash directory")
	cmd.Flags().StringVar(&ac.debugger, "debugger", "gdb", "debugger profile to use")
	cmd.Flags().StringVar(&ac.profilesPath, "profiles", "", "TOML file with extra debugger profiles")
	cmd.Flags().BoolVar(&ac.waitMilestone, "wait-milestone", false, "wait for the worker's operation-start signal before attaching")
	cmd.Flags().BoolVar(&ac.list, "list", false, "list available debugger profiles and exit")
	cmd.Flags().StringVarP(&ac.configPath, "config", "c", "", "config file path (default: $FORKPROBE_CONFIG, then <probe home>/config.yaml)")

	return cmd
}

func printProfiles(w io.Writer, profiles []attach.Profile) {
	fmt.Fprintf(w, "%-8s %-10s %s\n", "NAME", "COMMAND", "QUICK FALLBACK")
	for _, p := range profiles {
		quick := "yes"
		if len(p.QuickArgv) == 0 {
			quick = "no"
		}
		fmt.Fprintf(w, "%-8s %-10s %s\n", p.Name, p.Command, quick)
	}
}

func printArtifact(w io.Writer, art *protocol.CrashArtifact) {
	fmt.Fprintf(w, "worker pid: %d\n", art.WorkerPID)
	fmt.Fprintf(w, "outcome:    %s\n", art.DebuggerOutcome)
	if art.StackDumpPath != "" {
		fmt.Fprintf(w, "stack dump: %s\n", art.StackDumpPath)
	}
	if art.CoreDumpPath != "" {
		fmt.Fprintf(w, "core dump:  %s\n", art.CoreDumpPath)
	}
	if art.DebuggerText != "" {
		fmt.Fprintln(w)
		fmt.Fprint(w, art.DebuggerText)
		if !endsWithNewline(art.DebuggerText) {
			fmt.Fprintln(w)
		}
	}
}

func endsWithNewline(s string) bool {
	return len(s) > 0 && s[len(s)-1] == '\n'
}
