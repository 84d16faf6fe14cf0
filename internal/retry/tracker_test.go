package retry

import (
	"context"
	"testing"
	"time"

	"github.com/fleetgraph/orchestrator/internal/events"
	"github.com/fleetgraph/orchestrator/internal/model"
	"github.com/fleetgraph/orchestrator/internal/priority"
	"github.com/fleetgraph/orchestrator/internal/store"
)

func fixedERT(agent, action string) (float64, float64) { return 60, 60 }

func newTestTracker() (*Tracker, *store.Backend) {
	backend := store.NewMemoryBackend()
	sched := priority.NewScheduler(priority.DefaultWeights(), 60, fixedERT)
	bus := events.NewMemoryBus()
	cfg := Config{MaxRetries: 3, BackoffBase: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	return NewTracker(cfg, backend.Delay, backend.Records, sched, bus), backend
}

func TestScheduleAbandonsAfterMaxRetries(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()
	task := &model.Task{RunID: "r1", TaskID: "t1", Agent: "X", RetryCount: 3}

	scheduled, err := tr.Schedule(ctx, task, "boom")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if scheduled {
		t.Fatalf("expected retry budget exhausted to abandon")
	}
}

func TestScheduleComputesCappedBackoff(t *testing.T) {
	tr, backend := newTestTracker()
	ctx := context.Background()
	task := &model.Task{RunID: "r1", TaskID: "t1", Agent: "X", RetryCount: 10}
	tr.cfg.MaxRetries = 100 // isolate the backoff cap from the retry budget for this test

	scheduled, err := tr.Schedule(ctx, task, "boom")
	if err != nil || !scheduled {
		t.Fatalf("expected schedule to succeed: scheduled=%v err=%v", scheduled, err)
	}
	size, _ := backend.Delay.Size(ctx)
	if size != 1 {
		t.Fatalf("expected one delay queue entry, got %d", size)
	}
	// Uncapped, 10ms * 2^10 would be over ten seconds; capped, the entry is
	// due within BackoffMax.
	due, _ := backend.Delay.PopDue(ctx, time.Now().Add(tr.cfg.BackoffMax))
	if len(due) != 1 {
		t.Fatalf("expected the retry due within the %v cap, got %d due entries", tr.cfg.BackoffMax, len(due))
	}
}

func TestCancelRetryRemovesFromDelayQueue(t *testing.T) {
	tr, backend := newTestTracker()
	ctx := context.Background()
	task := &model.Task{RunID: "r1", TaskID: "t1", Agent: "X"}

	if _, err := tr.Schedule(ctx, task, "boom"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := tr.CancelRetry(ctx, "r1", "t1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	size, _ := backend.Delay.Size(ctx)
	if size != 0 {
		t.Fatalf("expected delay queue empty after cancel, got %d", size)
	}
}

func TestPollLoopRequeuesDueTask(t *testing.T) {
	tr, backend := newTestTracker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := &model.Task{RunID: "r1", TaskID: "t1", Agent: "X", Status: model.TaskFailed}
	_ = backend.Records.PutTask(ctx, task)
	if _, err := tr.Schedule(ctx, task, "boom"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	go tr.StartPolling(ctx)
	defer tr.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("task was never re-enqueued by the poll loop")
		default:
		}
		if requeued, ok := tr.scheduler.Dequeue("X"); ok {
			if requeued.TaskID != "t1" {
				t.Fatalf("expected t1 requeued, got %s", requeued.TaskID)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
