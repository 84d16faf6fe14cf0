package store

import (
	"context"
	"testing"
	"time"

	"github.com/fleetgraph/orchestrator/internal/model"
)

func TestMemoryBackendWorkflowRoundTrip(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	wf := &model.Workflow{RunID: "r1", Status: model.WorkflowRunning, Counters: model.Counters{Total: 3}}
	if err := b.Records.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := b.Records.GetWorkflow(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != model.WorkflowRunning {
		t.Fatalf("expected RUNNING, got %s", got.Status)
	}
}

func TestMemoryBackendCountersIncrement(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	_ = b.Records.PutWorkflow(ctx, &model.Workflow{RunID: "r1", Counters: model.Counters{Total: 2}})
	c, err := b.Records.IncrementCounters(ctx, "r1", 1, 0)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if c.Completed != 1 {
		t.Fatalf("expected completed=1, got %d", c.Completed)
	}
}

func TestMemoryBackendDelayQueuePopDue(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	past := time.Now().Add(-time.Second)
	future := time.Now().Add(time.Hour)
	_ = b.Delay.Add(ctx, DelayEntry{TaskID: "t1", RunID: "r1", Due: past})
	_ = b.Delay.Add(ctx, DelayEntry{TaskID: "t2", RunID: "r1", Due: future})

	due, err := b.Delay.PopDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("popdue: %v", err)
	}
	if len(due) != 1 || due[0].TaskID != "t1" {
		t.Fatalf("expected only t1 due, got %+v", due)
	}
	size, _ := b.Delay.Size(ctx)
	if size != 1 {
		t.Fatalf("expected 1 remaining, got %d", size)
	}
}

func TestMemoryBackendRuntimeEstimateEMA(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	v, _ := b.Estimates.Get(ctx, "agentA", "scan", 60)
	if v != 60 {
		t.Fatalf("expected default 60, got %v", v)
	}
	v, _ = b.Estimates.Update(ctx, "agentA", "scan", 100)
	if v != 100 {
		t.Fatalf("expected first observation to seed estimate at 100, got %v", v)
	}
	v, _ = b.Estimates.Update(ctx, "agentA", "scan", 10)
	want := 0.7*100 + 0.3*10
	if v != want {
		t.Fatalf("expected EMA %v, got %v", want, v)
	}
}

func TestMemoryBackendCancellationSet(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	cancelled, _ := b.Cancelled.IsCancelled(ctx, "r1")
	if cancelled {
		t.Fatalf("expected not cancelled initially")
	}
	_ = b.Cancelled.Add(ctx, "r1", time.Minute)
	cancelled, _ = b.Cancelled.IsCancelled(ctx, "r1")
	if !cancelled {
		t.Fatalf("expected cancelled after Add")
	}
	_ = b.Cancelled.Remove(ctx, "r1")
	cancelled, _ = b.Cancelled.IsCancelled(ctx, "r1")
	if cancelled {
		t.Fatalf("expected not cancelled after Remove")
	}
}
