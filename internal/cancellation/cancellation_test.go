package cancellation

import (
	"context"
	"testing"

	"github.com/fleetgraph/orchestrator/internal/events"
	"github.com/fleetgraph/orchestrator/internal/model"
	"github.com/fleetgraph/orchestrator/internal/priority"
	"github.com/fleetgraph/orchestrator/internal/retry"
	"github.com/fleetgraph/orchestrator/internal/store"
)

func fixedERT(agent, action string) (float64, float64) { return 60, 60 }

func newTestManager(t *testing.T) (*Manager, *store.Backend, events.Bus) {
	t.Helper()
	backend := store.NewMemoryBackend()
	sched := priority.NewScheduler(priority.DefaultWeights(), 60, fixedERT)
	bus := events.NewMemoryBus()
	trk := retry.NewTracker(retry.DefaultConfig(), backend.Delay, backend.Records, sched, bus)
	return NewManager(backend.Records, sched, trk, backend.Cancelled, bus), backend, bus
}

func TestCancelDrainsQueuedTasksAndFencesRun(t *testing.T) {
	m, backend, bus := newTestManager(t)
	ctx := context.Background()

	_ = backend.Records.PutWorkflow(ctx, &model.Workflow{RunID: "r1", Status: model.WorkflowRunning})
	queuedTask := &model.Task{RunID: "r1", TaskID: "t1", Agent: "X", Status: model.TaskQueued}
	_ = backend.Records.PutTask(ctx, queuedTask)
	m.scheduler.Enqueue(queuedTask)

	captured := make([]events.Event, 0)
	bus.Subscribe("orchestrator.events.r1.*", func(_ context.Context, ev events.Event) {
		captured = append(captured, ev)
	})

	if err := m.Cancel(ctx, "r1", "user-requested", "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	wf, _, _ := backend.Records.GetWorkflow(ctx, "r1")
	if wf.Status != model.WorkflowCancelling {
		t.Fatalf("expected CANCELLING, got %s", wf.Status)
	}
	task, _, _ := backend.Records.GetTask(ctx, "r1", "t1")
	if task.Status != model.TaskCancelled {
		t.Fatalf("expected task CANCELLED, got %s", task.Status)
	}
	if m.scheduler.QueueSize() != 0 {
		t.Fatalf("expected scheduler drained, got size %d", m.scheduler.QueueSize())
	}
	cancelled, _ := m.IsCancelled(ctx, "r1")
	if !cancelled {
		t.Fatalf("expected run fenced in cancellation set")
	}

	sawInit := false
	for _, ev := range captured {
		if ev.Type == "WORKFLOW_CANCELLATION_INITIATED" {
			sawInit = true
		}
	}
	if !sawInit {
		t.Fatalf("expected a WORKFLOW_CANCELLATION_INITIATED event")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	m, backend, _ := newTestManager(t)
	ctx := context.Background()
	_ = backend.Records.PutWorkflow(ctx, &model.Workflow{RunID: "r1", Status: model.WorkflowRunning})

	if err := m.Cancel(ctx, "r1", "first", "a"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := m.Cancel(ctx, "r1", "second", "b"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	wf, _, _ := backend.Records.GetWorkflow(ctx, "r1")
	if wf.Cancellation.Reason != "first" {
		t.Fatalf("expected the first cancellation to win, got reason %q", wf.Cancellation.Reason)
	}
}

func TestForceCompleteMarksRunningTasksCancelled(t *testing.T) {
	m, backend, _ := newTestManager(t)
	ctx := context.Background()
	_ = backend.Records.PutWorkflow(ctx, &model.Workflow{RunID: "r1", Status: model.WorkflowRunning})
	_ = backend.Records.PutTask(ctx, &model.Task{RunID: "r1", TaskID: "t1", Status: model.TaskRunning})

	if err := m.Cancel(ctx, "r1", "reason", "by"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := m.ForceComplete(ctx, "r1"); err != nil {
		t.Fatalf("force complete: %v", err)
	}
	wf, _, _ := backend.Records.GetWorkflow(ctx, "r1")
	if wf.Status != model.WorkflowCancelled {
		t.Fatalf("expected CANCELLED, got %s", wf.Status)
	}
	task, _, _ := backend.Records.GetTask(ctx, "r1", "t1")
	if task.Status != model.TaskCancelled {
		t.Fatalf("expected running task force-cancelled, got %s", task.Status)
	}
}
