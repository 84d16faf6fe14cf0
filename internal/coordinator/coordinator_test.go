package coordinator

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

func newTestCoordinator() (*Coordinator, *store.Backend, *events.MemoryBus) {
	backend := store.NewMemoryBackend()
	sched := priority.NewScheduler(priority.DefaultWeights(), 60, fixedERT)
	bus := events.NewMemoryBus()
	trk := retry.NewTracker(retry.DefaultConfig(), backend.Delay, backend.Records, sched, bus)
	return New(backend.Records, sched, trk, bus, nil), backend, bus
}

func TestLinearDAGCompletesInOrder(t *testing.T) {
	c, backend, _ := newTestCoordinator()
	ctx := context.Background()

	runID, err := c.InitWorkflow(ctx, []TaskDefinition{
		{TaskID: "A", Agent: "X"},
		{TaskID: "B", Agent: "X", DependsOn: []string{"A"}},
		{TaskID: "C", Agent: "X", DependsOn: []string{"B"}},
	}, nil, "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.StartWorkflow(ctx, runID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Only A should be ready initially.
	if c.scheduler.QueueSize() != 1 {
		t.Fatalf("expected only A queued, got size %d", c.scheduler.QueueSize())
	}

	// A worker takes A off the queue before reporting it complete.
	c.scheduler.Dequeue("X")
	if err := c.OnTaskSuccess(ctx, runID, "A", nil); err != nil {
		t.Fatalf("success A: %v", err)
	}
	if c.scheduler.QueueSize() != 1 {
		t.Fatalf("expected B queued after A completes, got size %d", c.scheduler.QueueSize())
	}
	if err := c.OnTaskSuccess(ctx, runID, "B", nil); err != nil {
		t.Fatalf("success B: %v", err)
	}
	if err := c.OnTaskSuccess(ctx, runID, "C", nil); err != nil {
		t.Fatalf("success C: %v", err)
	}

	wf, _, _ := backend.Records.GetWorkflow(ctx, runID)
	if wf.Status != model.WorkflowCompleted {
		t.Fatalf("expected COMPLETED, got %s", wf.Status)
	}
	if wf.Counters.Completed != 3 || wf.Counters.Failed != 0 {
		t.Fatalf("unexpected counters: %+v", wf.Counters)
	}
}

func TestCyclicDAGRejected(t *testing.T) {
	c, _, _ := newTestCoordinator()
	ctx := context.Background()

	_, err := c.InitWorkflow(ctx, []TaskDefinition{
		{TaskID: "A", Agent: "X", DependsOn: []string{"B"}},
		{TaskID: "B", Agent: "X", DependsOn: []string{"A"}},
	}, nil, "")
	if err == nil {
		t.Fatalf("expected cycle rejection")
	}
}

func TestTerminalFailureCancelsSiblings(t *testing.T) {
	c, backend, _ := newTestCoordinator()
	ctx := context.Background()

	runID, err := c.InitWorkflow(ctx, []TaskDefinition{
		{TaskID: "A", Agent: "X"},
		{TaskID: "B", Agent: "X"},
	}, nil, "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.StartWorkflow(ctx, runID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := c.OnTaskFailed(ctx, runID, "A", "boom", "validation"); err != nil {
		t.Fatalf("fail A: %v", err)
	}

	wf, _, _ := backend.Records.GetWorkflow(ctx, runID)
	if wf.Status != model.WorkflowFailed {
		t.Fatalf("expected FAILED, got %s", wf.Status)
	}
	taskB, _, _ := backend.Records.GetTask(ctx, runID, "B")
	if taskB.Status != model.TaskCancelled {
		t.Fatalf("expected sibling B cancelled, got %s", taskB.Status)
	}
}

func TestRetriableFailureSchedulesRetryInsteadOfFailing(t *testing.T) {
	c, backend, _ := newTestCoordinator()
	ctx := context.Background()

	runID, err := c.InitWorkflow(ctx, []TaskDefinition{{TaskID: "A", Agent: "X"}}, nil, "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.StartWorkflow(ctx, runID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := c.OnTaskFailed(ctx, runID, "A", "timeout", "transient"); err != nil {
		t.Fatalf("fail A: %v", err)
	}
	task, _, _ := backend.Records.GetTask(ctx, runID, "A")
	if task.Status != model.TaskRetry {
		t.Fatalf("expected RETRY, got %s", task.Status)
	}
	wf, _, _ := backend.Records.GetWorkflow(ctx, runID)
	if wf.Status != model.WorkflowRunning {
		t.Fatalf("expected workflow to remain RUNNING during retry, got %s", wf.Status)
	}
}

func TestFanOutAllPredecessorsMustComplete(t *testing.T) {
	c, _, _ := newTestCoordinator()
	ctx := context.Background()

	runID, err := c.InitWorkflow(ctx, []TaskDefinition{
		{TaskID: "A", Agent: "X"},
		{TaskID: "B", Agent: "X"},
		{TaskID: "C", Agent: "X", DependsOn: []string{"A", "B"}},
	}, nil, "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := c.StartWorkflow(ctx, runID); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Two workers take A and B off the queue before either reports back.
	c.scheduler.Dequeue("X")
	c.scheduler.Dequeue("X")
	if err := c.OnTaskSuccess(ctx, runID, "A", nil); err != nil {
		t.Fatalf("success A: %v", err)
	}
	if c.scheduler.QueueSize() != 0 {
		t.Fatalf("expected C still blocked on B, got queue size %d", c.scheduler.QueueSize())
	}
	if err := c.OnTaskSuccess(ctx, runID, "B", nil); err != nil {
		t.Fatalf("success B: %v", err)
	}
	if c.scheduler.QueueSize() != 1 {
		t.Fatalf("expected C queued once both predecessors complete, got %d", c.scheduler.QueueSize())
	}
}
