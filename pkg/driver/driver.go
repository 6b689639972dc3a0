// Package driver executes the model comparison: every selected worker
// model runs the same insert workload under supervision, and each observed
// outcome is judged against the expectation table. A model that was
// expected to fail and did fail is a comparison success; only divergence
// from expectation counts against the suite.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/artifact"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/config"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/dispatch"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/lifecycle"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/supervise"
)

// ModelResult is one model's observed outcome joined with its expectation.
type ModelResult struct {
	Spec     protocol.ModelSpec
	Outcome  protocol.WorkerOutcome
	Matched  bool
	Duration time.Duration
}

// SuiteResult is the complete comparison for one run.
type SuiteResult struct {
	RunID      string // empty when history persistence is disabled
	GuardMode  string
	Embedder   string
	Results    []ModelResult
	Mismatches int
	Elapsed    time.Duration
}

// Matched reports whether every model behaved as expected.
func (r *SuiteResult) Matched() bool { return r.Mismatches == 0 }

// Options configures a Driver.
type Options struct {
	Config     *config.Config
	Supervisor supervise.Supervisor
	// Broker is pinged before and purged between pool-dispatched models.
	Broker dispatch.Broker
	// History persists runs, outcomes, and crash evidence; nil disables it.
	History *artifact.Store
	// Paths locates the crash evidence a fork-model worker leaves on disk.
	Paths *config.RunPaths
	// PingEmbedder verifies the embedding backend; wired when the embedder
	// kind needs a live server.
	PingEmbedder func(ctx context.Context) error
	Logger       *slog.Logger
}

// Driver runs the comparison.
type Driver struct {
	cfg          *config.Config
	sup          supervise.Supervisor
	broker       dispatch.Broker
	history      *artifact.Store
	paths        *config.RunPaths
	pingEmbedder func(ctx context.Context) error
	logger       *slog.Logger
}

// New builds a Driver.
func New(opts Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:          opts.Config,
		sup:          opts.Supervisor,
		broker:       opts.Broker,
		history:      opts.History,
		paths:        opts.Paths,
		pingEmbedder: opts.PingEmbedder,
		logger:       logger,
	}
}

// RunSuite executes the selected models in registry order. Dependencies
// are verified before any worker or resource is created. A mismatch makes
// the suite fail but never aborts it: later models still run, so one
// misbehaving model cannot hide another's evidence. The returned error
// covers infrastructure failures only.
func (d *Driver) RunSuite(ctx context.Context, specs []protocol.ModelSpec) (*SuiteResult, error) {
	if len(specs) == 0 {
		return nil, &protocol.ValidationError{Field: "models", Reason: "nothing selected"}
	}
	if err := d.precheck(ctx, specs); err != nil {
		return nil, err
	}

	result := &SuiteResult{
		GuardMode: d.cfg.GuardMode,
		Embedder:  d.cfg.Embedder.Kind,
	}
	if d.history != nil {
		kind := artifact.RunKindSuite
		if len(specs) == 1 {
			kind = artifact.RunKindSingle
		}
		id, err := d.history.BeginRun(ctx, kind, d.cfg.GuardMode, d.cfg.Embedder.Kind)
		if err != nil {
			return nil, err
		}
		result.RunID = id
	}

	start := time.Now()
	load := supervise.Workload{Documents: protocol.SampleDocuments(d.cfg.Documents)}
	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			d.finishHistory(result.RunID, artifact.VerdictAborted)
			return nil, err
		}

		res, err := d.runModel(ctx, spec, load)
		if err != nil {
			d.finishHistory(result.RunID, artifact.VerdictAborted)
			return nil, err
		}
		result.Results = append(result.Results, res)
		if !res.Matched {
			result.Mismatches++
		}
		d.persistModel(ctx, result.RunID, res)

		if i < len(specs)-1 && d.cfg.SettlePause.Std() > 0 {
			// Terminated workers need a beat to release queue state and
			// file handles before the next model reuses them.
			d.logger.Debug("settling before next model", "pause", d.cfg.SettlePause.Std())
			select {
			case <-ctx.Done():
			case <-time.After(d.cfg.SettlePause.Std()):
			}
		}
	}
	result.Elapsed = time.Since(start)

	verdict := artifact.VerdictMatch
	if result.Mismatches > 0 {
		verdict = artifact.VerdictMismatch
	}
	d.finishHistory(result.RunID, verdict)
	return result, nil
}

// runModel runs one model start to finish: queue hygiene, supervision,
// expectation compare.
func (d *Driver) runModel(ctx context.Context, spec protocol.ModelSpec, load supervise.Workload) (ModelResult, error) {
	// Pool models consume from the shared queue; purge residue from any
	// earlier invocation so a stale task cannot satisfy this one.
	if spec.Dispatch == protocol.DispatchPool && d.broker != nil {
		if err := d.broker.Purge(ctx); err != nil {
			return ModelResult{}, fmt.Errorf("purge task queue: %w", err)
		}
	}

	d.logger.Info("running model",
		"model", spec.Model, "dispatch", spec.Dispatch, "expect_pass", spec.ExpectPass)
	start := time.Now()
	outcome, err := d.sup.Run(ctx, spec, load, d.cfg.ModelTimeout.Std())
	if err != nil {
		return ModelResult{}, fmt.Errorf("model %s: %w", spec.Model, err)
	}
	duration := time.Since(start)

	matched := outcome.Passed() == spec.ExpectPass
	level := slog.LevelInfo
	if !matched {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "model finished",
		"model", spec.Model, "outcome", outcome.String(),
		"passed", outcome.Passed(), "expect_pass", spec.ExpectPass,
		"matched", matched, "duration", duration)

	return ModelResult{Spec: spec, Outcome: outcome, Matched: matched, Duration: duration}, nil
}

// persistModel records the outcome row and, for abnormal fork-model
// terminations, whatever crash evidence the worker left on disk.
// Best-effort: history rows are diagnostics, not control flow.
func (d *Driver) persistModel(ctx context.Context, runID string, res ModelResult) {
	if d.history == nil || runID == "" {
		return
	}
	row := artifact.OutcomeFromResult(runID, res.Spec, res.Outcome, res.Matched, res.Duration)
	if err := d.history.RecordOutcome(ctx, row); err != nil {
		d.logger.Warn("record outcome failed", "model", res.Spec.Model, "error", err)
	}

	abnormal := res.Outcome.Kind == protocol.OutcomeCrashed || res.Outcome.Kind == protocol.OutcomeDeadlocked
	if res.Spec.Dispatch == protocol.DispatchFork && abnormal {
		d.collectCrashEvidence(ctx, runID, res.Spec)
	}
}

func (d *Driver) collectCrashEvidence(ctx context.Context, runID string, spec protocol.ModelSpec) {
	if d.paths == nil {
		return
	}
	art := &protocol.CrashArtifact{CreatedAt: time.Now().UTC()}
	if pid, err := lifecycle.ReadPIDFile(d.paths.PIDFile); err == nil {
		art.WorkerPID = pid
	}
	if info, err := os.Stat(d.paths.StackDump); err == nil && info.Size() > 0 {
		art.StackDumpPath = d.paths.StackDump
	}
	if matches, err := filepath.Glob(filepath.Join(d.paths.CrashDir, "core*")); err == nil && len(matches) > 0 {
		art.CoreDumpPath = matches[0]
	}
	if transcript, err := filepath.Glob(filepath.Join(d.paths.CrashDir, "debugger-*.txt")); err == nil && len(transcript) > 0 {
		data, err := os.ReadFile(transcript[0]) //nolint:gosec // path comes from our own crash dir
		if err == nil {
			art.DebuggerText = string(data)
			art.DebuggerOutcome = "captured"
		}
	}
	if err := d.history.RecordCrashArtifact(ctx, runID, string(spec.Model), art); err != nil {
		d.logger.Warn("record crash artifact failed", "model", spec.Model, "error", err)
	}
}

// precheck verifies every external dependency the selected models need,
// in a fixed order, before anything is spawned.
func (d *Driver) precheck(ctx context.Context, specs []protocol.ModelSpec) error {
	needed := make(map[string]bool)
	for _, spec := range specs {
		for _, dep := range d.cfg.RequiredDependencies(spec) {
			needed[dep] = true
		}
	}

	for _, dep := range []string{protocol.DependencyRedis, protocol.DependencyOllama} {
		if !needed[dep] {
			continue
		}
		if err := d.checkDependency(ctx, dep); err != nil {
			return err
		}
		d.logger.Debug("dependency available", "dependency", dep)
	}
	return nil
}

func (d *Driver) checkDependency(ctx context.Context, dep string) error {
	switch dep {
	case protocol.DependencyRedis:
		if d.broker == nil {
			return &protocol.DependencyError{Dependency: dep, Hint: "no broker configured"}
		}
		if err := d.broker.Ping(ctx); err != nil {
			return &protocol.DependencyError{
				Dependency: dep,
				Hint:       fmt.Sprintf("start redis or set FORKPROBE_REDIS_ADDR: %v", err),
			}
		}
	case protocol.DependencyOllama:
		if d.pingEmbedder == nil {
			return &protocol.DependencyError{Dependency: dep, Hint: "embedding backend has no health probe"}
		}
		if err := d.pingEmbedder(ctx); err != nil {
			return &protocol.DependencyError{
				Dependency: dep,
				Hint:       fmt.Sprintf("start ollama at %s: %v", d.cfg.Embedder.OllamaURL, err),
			}
		}
	default:
		return &protocol.DependencyError{Dependency: dep, Hint: "unknown dependency"}
	}
	return nil
}

// finishHistory stamps the run verdict. It runs on its own short context
// so an aborted suite still gets its bookkeeping.
func (d *Driver) finishHistory(runID, verdict string) {
	if d.history == nil || runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.history.FinishRun(ctx, runID, verdict); err != nil {
		d.logger.Warn("finish run failed", "run_id", runID, "error", err)
	}
}
