// Package supervise runs exactly one worker per invocation against a
// model spec and classifies how it ended. The fork path snapshots the
// store handle and re-executes the binary as a duplicated worker; the
// pool path submits the workload to an in-process pool over the dispatch
// channel. Either way the caller gets one WorkerOutcome: Completed,
// Crashed, Deadlocked, or Errored.
package supervise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/config"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/dispatch"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/pool"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/vecstore"
)

// Supervisor runs one worker under a timeout and classifies its outcome.
type Supervisor interface {
	Run(ctx context.Context, spec protocol.ModelSpec, load Workload, timeout time.Duration) (protocol.WorkerOutcome, error)
}

// PoolFactory builds the pool for a pool-dispatched model spec.
type PoolFactory func(spec protocol.ModelSpec) (pool.Pool, error)

// Options configures a ProcSupervisor. Spawner, Store, and Paths serve the
// fork path; Broker and Pools serve the pool path. A supervisor that only
// runs one kind of model may leave the other side nil.
type Options struct {
	Spawner Spawner
	Store   *vecstore.Store
	Paths   *config.RunPaths

	Broker dispatch.Broker
	Pools  PoolFactory

	// KillGrace is the pause between the graceful termination request and
	// the forced kill.
	KillGrace time.Duration
	// HoldBeforeInsert, when positive, makes duplicated workers pause that
	// long before touching the store, leaving time to attach a debugger.
	HoldBeforeInsert time.Duration

	Logger *slog.Logger
}

// ProcSupervisor is the production Supervisor.
type ProcSupervisor struct {
	spawner Spawner
	store   *vecstore.Store
	paths   *config.RunPaths

	broker dispatch.Broker
	pools  PoolFactory

	killGrace        time.Duration
	holdBeforeInsert time.Duration
	logger           *slog.Logger

	// mu serializes invocations: at most one live worker per supervisor.
	mu sync.Mutex
}

var _ Supervisor = (*ProcSupervisor)(nil)

// New builds a ProcSupervisor.
func New(opts Options) *ProcSupervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	killGrace := opts.KillGrace
	if killGrace <= 0 {
		killGrace = 2 * time.Second
	}
	return &ProcSupervisor{
		spawner:          opts.Spawner,
		store:            opts.Store,
		paths:            opts.Paths,
		broker:           opts.Broker,
		pools:            opts.Pools,
		killGrace:        killGrace,
		holdBeforeInsert: opts.HoldBeforeInsert,
		logger:           logger,
	}
}

// Run executes the workload under spec's dispatch mechanics and returns
// the terminal outcome. The returned error covers infrastructure failures
// only; every way the worker itself can end is an outcome, not an error.
func (s *ProcSupervisor) Run(ctx context.Context, spec protocol.ModelSpec, load Workload, timeout time.Duration) (protocol.WorkerOutcome, error) {
	if timeout <= 0 {
		return protocol.WorkerOutcome{}, &protocol.ValidationError{Field: "timeout", Reason: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch spec.Dispatch {
	case protocol.DispatchFork:
		return s.runFork(ctx, spec, load, timeout)
	case protocol.DispatchPool:
		return s.runPool(ctx, spec, load, timeout)
	default:
		return protocol.WorkerOutcome{}, &protocol.ValidationError{
			Field:  "dispatch",
			Reason: fmt.Sprintf("unknown dispatch kind %q", spec.Dispatch),
		}
	}
}

type waitResult struct {
	state ExitState
	err   error
}

// runFork snapshots the store handle, re-executes the binary as a
// duplicated worker, and supervises it to a terminal state.
func (s *ProcSupervisor) runFork(ctx context.Context, spec protocol.ModelSpec, load Workload, timeout time.Duration) (protocol.WorkerOutcome, error) {
	if s.spawner == nil || s.store == nil || s.paths == nil {
		return protocol.WorkerOutcome{}, fmt.Errorf("supervisor is not configured for fork dispatch")
	}

	// The crash directory must exist before the worker does, so the
	// duplicate never races its creation.
	if err := s.paths.Ensure(); err != nil {
		return protocol.WorkerOutcome{}, err
	}
	if err := s.store.Snapshot(s.paths.SnapshotFile); err != nil {
		return protocol.WorkerOutcome{}, err
	}

	args := []string{"worker",
		"--snapshot", s.paths.SnapshotFile,
		"--run-dir", s.paths.RunDir,
		"--documents", strconv.Itoa(len(load.Documents)),
	}
	if s.holdBeforeInsert > 0 {
		args = append(args, "--hold", s.holdBeforeInsert.String())
	}

	proc, err := s.spawner.Spawn(ctx, SpawnSpec{Args: args, LogPath: s.paths.WorkerLog})
	if err != nil {
		return protocol.WorkerOutcome{}, fmt.Errorf("spawn worker: %w", err)
	}
	s.logger.Info("worker spawned", "model", string(spec.Model), "pid", proc.PID(), "timeout", timeout)

	done := make(chan waitResult, 1)
	go func() {
		state, werr := proc.Wait()
		done <- waitResult{state: state, err: werr}
	}()

	select {
	case res := <-done:
		return s.classifyExit(spec, proc, res)
	case <-time.After(timeout):
		return s.escalate(spec, proc, done, timeout)
	case <-ctx.Done():
		// External cancellation: no classification to make, but the worker
		// must not outlive us.
		s.logger.Warn("run canceled, killing worker", "pid", proc.PID())
		_ = proc.SignalGroup(syscall.SIGKILL)
		<-done
		return protocol.WorkerOutcome{}, ctx.Err()
	}
}

// classifyExit turns a reaped worker into an outcome:
// signal death is Crashed, a clean exit with a report is Completed
// (whatever the report says), anything else is Errored.
func (s *ProcSupervisor) classifyExit(spec protocol.ModelSpec, proc Proc, res waitResult) (protocol.WorkerOutcome, error) {
	if res.err != nil {
		return protocol.WorkerOutcome{}, res.err
	}

	report, hasReport := proc.Report()
	state := res.state

	switch {
	case state.Signaled:
		s.logger.Warn("worker crashed", "model", string(spec.Model), "pid", proc.PID(), "signal", SignalName(state.Signal))
		out := protocol.Crashed(SignalName(state.Signal))
		out.Report = report
		out.Message = fmt.Sprintf("worker %d %s", proc.PID(), state)
		return out, nil
	case hasReport:
		s.logger.Info("worker completed", "model", string(spec.Model), "pid", proc.PID(), "status", report.Status, "exit", state.Code)
		return protocol.Completed(report), nil
	default:
		s.logger.Warn("worker exited without a report", "model", string(spec.Model), "pid", proc.PID(), "exit", state.Code)
		return protocol.Errored(fmt.Sprintf("worker %d exited (%s) without a report", proc.PID(), state)), nil
	}
}

// escalate handles an expired timeout: a graceful termination request
// first, then after the kill grace a forced kill of the process group.
// A fault signal observed during escalation outranks the timeout (the
// worker was crashing, not hanging); otherwise the invocation is
// Deadlocked.
func (s *ProcSupervisor) escalate(spec protocol.ModelSpec, proc Proc, done <-chan waitResult, timeout time.Duration) (protocol.WorkerOutcome, error) {
	s.logger.Warn("worker timed out, requesting termination",
		"model", string(spec.Model), "pid", proc.PID(), "timeout", timeout)
	if err := proc.SignalGroup(syscall.SIGTERM); err != nil {
		s.logger.Warn("termination request failed", "pid", proc.PID(), "error", err)
	}

	forced := false
	var res waitResult
	select {
	case res = <-done:
	case <-time.After(s.killGrace):
		forced = true
		s.logger.Warn("worker ignored termination request, forcing kill", "pid", proc.PID())
		if err := proc.SignalGroup(syscall.SIGKILL); err != nil {
			s.logger.Warn("forced kill failed", "pid", proc.PID(), "error", err)
		}
		res = <-done
	}
	if res.err != nil {
		return protocol.WorkerOutcome{}, res.err
	}

	if res.state.Signaled && res.state.Signal != syscall.SIGTERM && res.state.Signal != syscall.SIGKILL {
		// The worker died of its own fault signal right at the boundary.
		out := protocol.Crashed(SignalName(res.state.Signal))
		out.Message = fmt.Sprintf("worker %d %s during timeout escalation", proc.PID(), res.state)
		return out, nil
	}

	msg := fmt.Sprintf("unresponsive after %s", timeout)
	if forced {
		msg += " (forced kill required)"
	}
	s.logger.Warn("worker deadlocked", "model", string(spec.Model), "pid", proc.PID(), "forced", forced)
	out := protocol.Deadlocked()
	out.Message = msg
	return out, nil
}

// runPool starts the model's pool, submits the workload over the dispatch
// channel, and classifies the awaited result.
func (s *ProcSupervisor) runPool(ctx context.Context, spec protocol.ModelSpec, load Workload, timeout time.Duration) (protocol.WorkerOutcome, error) {
	if s.broker == nil || s.pools == nil {
		return protocol.WorkerOutcome{}, fmt.Errorf("supervisor is not configured for pool dispatch")
	}

	p, err := s.pools(spec)
	if err != nil {
		return protocol.WorkerOutcome{}, fmt.Errorf("build pool for %s: %w", spec.Model, err)
	}
	if err := p.Start(ctx); err != nil {
		return protocol.WorkerOutcome{}, fmt.Errorf("start %s pool: %w", spec.Model, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.killGrace)
		defer cancel()
		if err := p.Stop(stopCtx); err != nil {
			// A stuck worker goroutine cannot be force-killed in process;
			// it dies with the process at the end of the run.
			s.logger.Warn("pool did not drain", "model", string(spec.Model), "error", err)
		}
	}()

	handle, err := s.broker.Submit(ctx, protocol.TaskInsert, load.Documents)
	if err != nil {
		return protocol.WorkerOutcome{}, fmt.Errorf("submit insert task: %w", err)
	}
	s.logger.Info("task dispatched to pool", "model", string(spec.Model), "task_id", handle.ID(), "timeout", timeout)

	payload, err := handle.Await(ctx, timeout)
	switch {
	case err == nil:
		var report protocol.WorkerReport
		if uerr := json.Unmarshal(payload, &report); uerr != nil {
			return protocol.Errored(fmt.Sprintf("unparseable task result: %v", uerr)), nil
		}
		s.logger.Info("task completed", "model", string(spec.Model), "task_id", handle.ID(), "status", report.Status)
		return protocol.Completed(&report), nil
	case errors.Is(err, dispatch.ErrTimeout):
		s.logger.Warn("task timed out, stopping pool", "model", string(spec.Model), "task_id", handle.ID())
		out := protocol.Deadlocked()
		out.Message = fmt.Sprintf("task %s unresponsive after %s", handle.ID(), timeout)
		return out, nil
	case errors.Is(err, dispatch.ErrWorkerLost):
		s.logger.Warn("pool worker lost", "model", string(spec.Model), "task_id", handle.ID(), "error", err)
		out := protocol.Crashed("")
		out.Message = err.Error()
		return out, nil
	case errors.Is(err, dispatch.ErrTaskError):
		return protocol.Errored(err.Error()), nil
	default:
		return protocol.WorkerOutcome{}, fmt.Errorf("await task result: %w", err)
	}
}

// LogChildSignals logs SIGCHLD deliveries at debug level until stop is
// called or ctx ends. Informational only: reaping happens in Wait calls,
// never here.
func LogChildSignals(ctx context.Context, logger *slog.Logger) (stop func()) {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGCHLD)
	quit := make(chan struct{})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case sig := <-ch:
				logger.Debug("child-state signal observed", "signal", sig.String())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}
