package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/dispatch"
)

func newTestBroker(t *testing.T) *dispatch.RedisBroker {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	b := dispatch.NewRedisBroker(mr.Addr(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBroker_SubmitConsume(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	type args struct {
		Count int `json:"count"`
	}
	handle, err := b.Submit(ctx, "vecstore.insert", args{Count: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle.ID() == "" {
		t.Fatal("expected a task id")
	}

	task, err := b.Consume(ctx, time.Second)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if task.ID != handle.ID() {
		t.Errorf("consumed task id %q, want %q", task.ID, handle.ID())
	}
	if task.Name != "vecstore.insert" {
		t.Errorf("task name %q, want vecstore.insert", task.Name)
	}

	var got args
	if err := json.Unmarshal(task.Args, &got); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if got.Count != 3 {
		t.Errorf("args count %d, want 3", got.Count)
	}
}

func TestRedisBroker_Consume_EmptyQueue(t *testing.T) {
	b := newTestBroker(t)

	_, err := b.Consume(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, dispatch.ErrNoTask) {
		t.Fatalf("expected ErrNoTask, got %v", err)
	}
}

func TestRedisBroker_CompleteAwait(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	handle, err := b.Submit(ctx, "vecstore.insert", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	task, err := b.Consume(ctx, time.Second)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	type payload struct {
		Status string `json:"status"`
	}
	if err := b.Complete(ctx, task, payload{Status: "success"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	raw, err := handle.Await(ctx, time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	var got payload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Status != "success" {
		t.Errorf("payload status %q, want success", got.Status)
	}
}

func TestRedisBroker_Await_TaskError(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	handle, err := b.Submit(ctx, "vecstore.insert", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	task, err := b.Consume(ctx, time.Second)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := b.Fail(ctx, task, "bad args"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	_, err = handle.Await(ctx, time.Second)
	if !errors.Is(err, dispatch.ErrTaskError) {
		t.Fatalf("expected ErrTaskError, got %v", err)
	}
}

func TestRedisBroker_Await_WorkerLost(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	handle, err := b.Submit(ctx, "vecstore.insert", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	task, err := b.Consume(ctx, time.Second)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := b.FailLost(ctx, task, "handler panicked"); err != nil {
		t.Fatalf("FailLost: %v", err)
	}

	_, err = handle.Await(ctx, time.Second)
	if !errors.Is(err, dispatch.ErrWorkerLost) {
		t.Fatalf("expected ErrWorkerLost, got %v", err)
	}
}

func TestRedisBroker_Await_Timeout(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	handle, err := b.Submit(ctx, "vecstore.insert", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = handle.Await(ctx, 50*time.Millisecond)
	if !errors.Is(err, dispatch.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRedisBroker_Purge(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	for range 3 {
		if _, err := b.Submit(ctx, "vecstore.insert", nil); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	n, err := b.QueueLen(ctx)
	if err != nil {
		t.Fatalf("QueueLen: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 queued, got %d", n)
	}

	if err := b.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	n, err = b.QueueLen(ctx)
	if err != nil {
		t.Fatalf("QueueLen after purge: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue after purge, got %d", n)
	}
}

func TestRedisBroker_Ping(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	b := dispatch.NewRedisBroker(mr.Addr(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer func() { _ = b.Close() }()

	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	mr.Close()
	if err := b.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error after redis went away")
	}
}
