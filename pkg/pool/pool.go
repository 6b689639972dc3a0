// Package pool implements the in-process worker pools the diagnostic
// compares against process duplication: a cooperative pool that runs every
// task to completion on one scheduler goroutine, and a threads pool that
// runs tasks on OS-thread-locked goroutines. Both consume tasks from the
// shared dispatch channel and execute them inside the owner process, so
// the store handle they use never crosses a process boundary.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/dispatch"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// Handler executes one task and returns its result payload.
type Handler func(ctx context.Context, task *dispatch.Task) (any, error)

// Pool is a task-consuming worker pool.
type Pool interface {
	// Model names the worker model this pool implements.
	Model() protocol.WorkerModel
	// Start launches the pool's workers. It does not block.
	Start(ctx context.Context) error
	// Stop cancels the workers and waits for them to drain, bounded by ctx.
	Stop(ctx context.Context) error
}

// consumeBlock is how long each poll blocks on the task queue before
// rechecking for cancellation.
const consumeBlock = 500 * time.Millisecond

// runLoop consumes and executes tasks until ctx is canceled.
func runLoop(ctx context.Context, b dispatch.Broker, h Handler, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := b.Consume(ctx, consumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, dispatch.ErrNoTask) {
				continue
			}
			logger.Warn("task consume failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeBlock):
			}
			continue
		}
		executeTask(ctx, b, h, task, logger)
	}
}

// executeTask runs one task through the handler and publishes its result.
// A panicking handler is reported as a lost worker, which is how a pool
// process death surfaces to the awaiting side.
func executeTask(ctx context.Context, b dispatch.Broker, h Handler, task *dispatch.Task, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task handler panicked", "task_id", task.ID, "panic", fmt.Sprint(r))
			if err := b.FailLost(ctx, task, fmt.Sprintf("worker panicked: %v", r)); err != nil {
				logger.Error("publish worker-lost result failed", "task_id", task.ID, "error", err)
			}
		}
	}()

	logger.Debug("task started", "task_id", task.ID, "task", task.Name)
	payload, err := h(ctx, task)
	if err != nil {
		logger.Warn("task failed", "task_id", task.ID, "error", err)
		if ferr := b.Fail(ctx, task, err.Error()); ferr != nil {
			logger.Error("publish task failure failed", "task_id", task.ID, "error", ferr)
		}
		return
	}
	if cerr := b.Complete(ctx, task, payload); cerr != nil {
		logger.Error("publish task result failed", "task_id", task.ID, "error", cerr)
	}
}

// Cooperative is the run-to-completion pool: a single scheduler goroutine
// consumes and executes tasks strictly one at a time. Nothing about the
// store handle is duplicated or even shared concurrently.
type Cooperative struct {
	broker  dispatch.Broker
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Pool = (*Cooperative)(nil)

// NewCooperative creates the cooperative pool.
func NewCooperative(b dispatch.Broker, h Handler, logger *slog.Logger) *Cooperative {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cooperative{broker: b, handler: h, logger: logger}
}

// Model reports the cooperative worker model.
func (p *Cooperative) Model() protocol.WorkerModel { return protocol.ModelCooperative }

// Start launches the scheduler goroutine.
func (p *Cooperative) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("cooperative pool already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		runLoop(runCtx, p.broker, p.handler, p.logger)
	}(p.done)

	p.logger.Debug("cooperative pool started")
	return nil
}

// Stop cancels the scheduler and waits for it to drain.
func (p *Cooperative) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		p.logger.Debug("cooperative pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cooperative pool did not drain: %w", ctx.Err())
	}
}

// Threads is the shared-handle pool: n goroutines, each pinned to its own
// OS thread, consume tasks concurrently against the one store handle the
// owner process holds. Concurrency without duplication.
type Threads struct {
	broker      dispatch.Broker
	handler     Handler
	concurrency int
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Pool = (*Threads)(nil)

// NewThreads creates the threads pool with the given worker count.
func NewThreads(b dispatch.Broker, h Handler, concurrency int, logger *slog.Logger) *Threads {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Threads{broker: b, handler: h, concurrency: concurrency, logger: logger}
}

// Model reports the threads worker model.
func (p *Threads) Model() protocol.WorkerModel { return protocol.ModelThreads }

// Start launches the worker goroutines, each locked to an OS thread.
func (p *Threads) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("threads pool already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		workerLogger := p.logger.With("thread_worker", i)
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			runLoop(runCtx, p.broker, p.handler, workerLogger)
		}()
	}
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(p.done)

	p.logger.Debug("threads pool started", "concurrency", p.concurrency)
	return nil
}

// Stop cancels the workers and waits for all of them to drain.
func (p *Threads) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		p.logger.Debug("threads pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("threads pool did not drain: %w", ctx.Err())
	}
}

// ForModel builds the pool implementing a pool-dispatched worker model.
func ForModel(model protocol.WorkerModel, b dispatch.Broker, h Handler, concurrency int, logger *slog.Logger) (Pool, error) {
	switch model {
	case protocol.ModelCooperative:
		return NewCooperative(b, h, logger), nil
	case protocol.ModelThreads:
		return NewThreads(b, h, concurrency, logger), nil
	default:
		return nil, fmt.Errorf("model %q is not pool-dispatched", model)
	}
}
