// Package dispatch provides the Redis-backed task channel between the
// suite driver and pool workers: insert tasks flow one way, results flow
// back keyed by task id. It is the shared-state transport the pool worker
// models exercise, so the driver can purge it to a known-empty state
// between models.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sentinel errors returned (wrapped) by Await and Consume.
var (
	// ErrTimeout means no result arrived within the await window.
	ErrTimeout = errors.New("dispatch: timed out awaiting result")
	// ErrWorkerLost means the worker executing the task died before
	// publishing a result.
	ErrWorkerLost = errors.New("dispatch: worker lost before completing task")
	// ErrTaskError means the task ran and reported an infrastructure
	// failure (bad args, handler error).
	ErrTaskError = errors.New("dispatch: task failed")
	// ErrNoTask means the consume window elapsed with an empty queue.
	ErrNoTask = errors.New("dispatch: no task available")
)

// Task is one queued unit of work.
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

const (
	statusOK         = "ok"
	statusError      = "error"
	statusWorkerLost = "worker_lost"
)

// resultEnvelope carries a task result through Redis.
type resultEnvelope struct {
	TaskID  string          `json:"task_id"`
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Handle tracks one submitted task.
type Handle interface {
	// ID returns the task's id.
	ID() string
	// Await blocks until the task's result arrives or timeout elapses.
	// Failures wrap ErrTimeout, ErrWorkerLost, or ErrTaskError.
	Await(ctx context.Context, timeout time.Duration) (json.RawMessage, error)
}

// Broker is the task channel between the driver and pool workers.
type Broker interface {
	// Submit enqueues a task and returns a handle for awaiting its result.
	Submit(ctx context.Context, name string, args any) (Handle, error)
	// Consume blocks up to block for the next task; ErrNoTask on an empty
	// window.
	Consume(ctx context.Context, block time.Duration) (*Task, error)
	// Complete publishes a successful result for task.
	Complete(ctx context.Context, task *Task, payload any) error
	// Fail publishes a task-level failure.
	Fail(ctx context.Context, task *Task, reason string) error
	// FailLost publishes a worker-death failure (panicking handler).
	FailLost(ctx context.Context, task *Task, reason string) error
	// Ping verifies the transport is reachable.
	Ping(ctx context.Context) error
	// Purge resets the task channel to a known-empty state.
	Purge(ctx context.Context) error
	Close() error
}

const (
	defaultQueueKey = "forkprobe:tasks"
	resultKeyPrefix = "forkprobe:result:"
	resultTTL       = 10 * time.Minute
)

// RedisBroker implements Broker on Redis lists: LPUSH to submit, BRPOP to
// consume, a per-task result list with a TTL for results.
type RedisBroker struct {
	client   *redis.Client
	queueKey string
	logger   *slog.Logger
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to the Redis instance at addr.
func NewRedisBroker(addr string, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &RedisBroker{client: client, queueKey: defaultQueueKey, logger: logger}
}

// Submit enqueues a task and returns its handle.
func (b *RedisBroker) Submit(ctx context.Context, name string, args any) (Handle, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal task args: %w", err)
	}
	task := Task{
		ID:          uuid.NewString(),
		Name:        name,
		Args:        raw,
		SubmittedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if err := b.client.LPush(ctx, b.queueKey, data).Err(); err != nil {
		return nil, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	b.logger.Debug("task submitted", "task_id", task.ID, "task", name)
	return &taskHandle{id: task.ID, broker: b}, nil
}

// Consume blocks up to block for the next task.
func (b *RedisBroker) Consume(ctx context.Context, block time.Duration) (*Task, error) {
	res, err := b.client.BRPop(ctx, block, b.queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("consume from %s: %w", b.queueKey, err)
	}
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("parse task payload: %w", err)
	}
	return &task, nil
}

// Complete publishes a successful result.
func (b *RedisBroker) Complete(ctx context.Context, task *Task, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}
	return b.publish(ctx, task, resultEnvelope{TaskID: task.ID, Status: statusOK, Payload: raw})
}

// Fail publishes a task-level failure.
func (b *RedisBroker) Fail(ctx context.Context, task *Task, reason string) error {
	return b.publish(ctx, task, resultEnvelope{TaskID: task.ID, Status: statusError, Error: reason})
}

// FailLost publishes a worker-death failure.
func (b *RedisBroker) FailLost(ctx context.Context, task *Task, reason string) error {
	return b.publish(ctx, task, resultEnvelope{TaskID: task.ID, Status: statusWorkerLost, Error: reason})
}

func (b *RedisBroker) publish(ctx context.Context, task *Task, env resultEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal result envelope: %w", err)
	}
	key := resultKeyPrefix + task.ID
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish result for task %s: %w", task.ID, err)
	}
	b.logger.Debug("task result published", "task_id", task.ID, "status", env.Status)
	return nil
}

// Ping verifies the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Purge flushes the broker's database, discarding queued tasks and stale
// results so the next model starts from a known-empty channel.
func (b *RedisBroker) Purge(ctx context.Context) error {
	if err := b.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("purge task channel: %w", err)
	}
	b.logger.Debug("task channel purged")
	return nil
}

// QueueLen reports the number of queued tasks.
func (b *RedisBroker) QueueLen(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, b.queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Close releases the Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type taskHandle struct {
	id     string
	broker *RedisBroker
}

func (h *taskHandle) ID() string { return h.id }

// Await blocks until the task's result arrives or timeout elapses.
func (h *taskHandle) Await(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		// BLPOP treats zero as "block forever"; the await window is
		// always bounded.
		timeout = time.Millisecond
	}
	res, err := h.broker.client.BLPop(ctx, timeout, resultKeyPrefix+h.id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: task %s after %s", ErrTimeout, h.id, timeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("await result for task %s: %w", h.id, err)
	}

	var env resultEnvelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("parse result envelope: %w", err)
	}
	switch env.Status {
	case statusOK:
		return env.Payload, nil
	case statusWorkerLost:
		return nil, fmt.Errorf("%w: %s", ErrWorkerLost, env.Error)
	default:
		return nil, fmt.Errorf("%w: %s", ErrTaskError, env.Error)
	}
}
