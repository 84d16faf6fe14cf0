// Package coordinator drives the DAG task state machine: workflow
// initialization with cycle detection, successor in-degree decrement on
// task completion, retry/fail routing, and terminal-state evaluation.
// Materializes a DAG from a task list the way dag_engine.go does
// (Kahn's-algorithm in-degree bookkeeping), matching
// workflow_manager.py's init/on-completion/terminal-evaluation semantics.
// Cycle detection runs a full DFS rather than a root-count heuristic.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgraph/orchestrator/internal/events"
	"github.com/fleetgraph/orchestrator/internal/model"
	"github.com/fleetgraph/orchestrator/internal/priority"
	"github.com/fleetgraph/orchestrator/internal/retry"
	"github.com/fleetgraph/orchestrator/internal/store"
)

// TaskDefinition is one node in a workflow definition as submitted by the
// out-of-scope HTTP layer, prior to materialization into a model.Task.
type TaskDefinition struct {
	TaskID       string
	Agent        string
	Action       string
	Params       map[string]interface{}
	DependsOn    []string
	Deadline     *time.Time
	UserPriority float64
}

// RetriableClassifier decides, from an error string/kind, whether a task
// failure is retriable under §7's error taxonomy. The coordinator is the
// sole caller of the retry tracker's Schedule; the classifier is how it
// implements "retriable kinds defined in §7".
type RetriableClassifier func(errKind string) bool

// DefaultClassifier treats "transient" as the only retriable kind; all
// others (validation, exhausted, deadline_exceeded, invariant) are
// terminal failures.
func DefaultClassifier(kind string) bool { return kind == "transient" }

// Coordinator drives task and workflow status through the DAG state machine.
// The retry tracker, the cancellation manager and the worker pools also
// write the task and workflow transitions they own.
type Coordinator struct {
	records    store.RecordsStore
	scheduler  *priority.Scheduler
	retryTrk   *retry.Tracker
	bus        events.Bus
	classifier RetriableClassifier
	logger     *slog.Logger
}

// New wires a Coordinator against the engine's shared state.
func New(records store.RecordsStore, scheduler *priority.Scheduler, retryTrk *retry.Tracker, bus events.Bus, classifier RetriableClassifier) *Coordinator {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return &Coordinator{
		records:    records,
		scheduler:  scheduler,
		retryTrk:   retryTrk,
		bus:        bus,
		classifier: classifier,
		logger:     slog.Default().With("component", "coordinator"),
	}
}

// InitWorkflow validates the DAG (full-DFS cycle detection), materializes
// task records with in_degree = len(depends_on), and records the workflow
// as PENDING. It returns the generated run_id.
func (c *Coordinator) InitWorkflow(ctx context.Context, defs []TaskDefinition, metadata map[string]interface{}, clientID string) (string, error) {
	if err := detectCycle(defs); err != nil {
		return "", fmt.Errorf("invalid workflow: %w", err)
	}

	runID := uuid.NewString()
	now := time.Now()

	for _, def := range defs {
		inDegree := len(def.DependsOn)
		task := &model.Task{
			RunID:            runID,
			TaskID:           def.TaskID,
			Agent:            def.Agent,
			Action:           def.Action,
			Params:           def.Params,
			DependsOn:        def.DependsOn,
			InDegree:         inDegree,
			OriginalInDegree: inDegree,
			Status:           model.TaskPending,
			Deadline:         def.Deadline,
			UserPriority:     def.UserPriority,
			Timestamps:       model.TaskTimestamps{Created: now},
		}
		if err := c.records.PutTask(ctx, task); err != nil {
			return "", fmt.Errorf("materialize task %s: %w", def.TaskID, err)
		}
	}

	wf := &model.Workflow{
		RunID:     runID,
		Status:    model.WorkflowPending,
		CreatedAt: now,
		UpdatedAt: now,
		Counters:  model.Counters{Total: len(defs)},
		Metadata:  metadata,
		ClientID:  clientID,
	}
	if err := c.records.PutWorkflow(ctx, wf); err != nil {
		return "", fmt.Errorf("record workflow: %w", err)
	}
	return runID, nil
}

// detectCycle runs a full DFS over depends_on edges and returns an error
// naming one task on the cycle, if any exists.
func detectCycle(defs []TaskDefinition) error {
	byID := make(map[string]TaskDefinition, len(defs))
	for _, d := range defs {
		byID[d.TaskID] = d
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(defs))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("cycle detected involving task %s", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, d := range defs {
		if color[d.TaskID] == white {
			if err := visit(d.TaskID); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartWorkflow transitions a PENDING workflow to RUNNING and enqueues
// every task whose in_degree is already 0.
func (c *Coordinator) StartWorkflow(ctx context.Context, runID string) error {
	wf, found, err := c.records.GetWorkflow(ctx, runID)
	if err != nil || !found {
		return fmt.Errorf("workflow not found: %s", runID)
	}
	wf.Status = model.WorkflowRunning
	wf.UpdatedAt = time.Now()
	if err := c.records.PutWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}

	tasks, err := c.records.ListTasks(ctx, runID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		if task.InDegree == 0 && task.Status == model.TaskPending {
			c.enqueueTask(ctx, task)
		}
	}
	c.publish(ctx, events.Event{Type: events.WorkflowStarted, RunID: runID})
	return nil
}

func (c *Coordinator) enqueueTask(ctx context.Context, task *model.Task) {
	task.Status = model.TaskQueued
	now := time.Now()
	task.Timestamps.Queued = &now
	if err := c.records.PutTask(ctx, task); err != nil {
		c.logger.Error("enqueue task persist failed", "run_id", task.RunID, "task_id", task.TaskID, "error", err)
		return
	}
	c.scheduler.Enqueue(task)
}

// OnTaskSuccess marks the task COMPLETED, decrements successors' in-degree
// (enqueueing any that reach zero), and evaluates terminal state.
func (c *Coordinator) OnTaskSuccess(ctx context.Context, runID, taskID string, result map[string]interface{}) error {
	task, found, err := c.records.GetTask(ctx, runID, taskID)
	if err != nil || !found {
		return fmt.Errorf("task not found: %s/%s", runID, taskID)
	}
	task.Status = model.TaskCompleted
	task.Result = result
	now := time.Now()
	task.Timestamps.Finished = &now
	if err := c.records.PutTask(ctx, task); err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}

	counters, err := c.records.IncrementCounters(ctx, runID, 1, 0)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}

	if err := c.decrementSuccessors(ctx, runID, taskID); err != nil {
		return err
	}

	return c.evaluateTerminal(ctx, runID, counters)
}

func (c *Coordinator) decrementSuccessors(ctx context.Context, runID, completedTaskID string) error {
	tasks, err := c.records.ListTasks(ctx, runID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		if task.Status != model.TaskPending {
			continue
		}
		dependsOnCompleted := false
		for _, dep := range task.DependsOn {
			if dep == completedTaskID {
				dependsOnCompleted = true
				break
			}
		}
		if !dependsOnCompleted {
			continue
		}
		task.InDegree--
		if task.InDegree <= 0 {
			c.enqueueTask(ctx, task)
			continue
		}
		if err := c.records.PutTask(ctx, task); err != nil {
			return fmt.Errorf("decrement in_degree for %s: %w", task.TaskID, err)
		}
	}
	return nil
}

// OnTaskFailed routes a failed task to the retry tracker (if retriable and
// under budget) or marks it terminally FAILED, cancelling siblings in the
// latter case.
func (c *Coordinator) OnTaskFailed(ctx context.Context, runID, taskID, errMsg, errKind string) error {
	task, found, err := c.records.GetTask(ctx, runID, taskID)
	if err != nil || !found {
		return fmt.Errorf("task not found: %s/%s", runID, taskID)
	}

	if c.classifier(errKind) && c.retryTrk != nil {
		scheduled, err := c.retryTrk.Schedule(ctx, task, errMsg)
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		if scheduled {
			return nil
		}
	}

	task.Status = model.TaskFailed
	task.LastError = errMsg
	now := time.Now()
	task.Timestamps.Finished = &now
	if err := c.records.PutTask(ctx, task); err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}

	counters, err := c.records.IncrementCounters(ctx, runID, 0, 1)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}

	wf, found, err := c.records.GetWorkflow(ctx, runID)
	if err != nil || !found {
		return fmt.Errorf("workflow not found: %s", runID)
	}
	wf.Status = model.WorkflowFailed
	wf.UpdatedAt = time.Now()
	wf.TerminalAt = time.Now()
	if err := c.records.PutWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("mark workflow failed: %w", err)
	}
	if err := c.cancelNonTerminalSiblings(ctx, runID, taskID); err != nil {
		return fmt.Errorf("cancel siblings: %w", err)
	}
	c.publish(ctx, events.Event{Type: events.WorkflowFailed, RunID: runID, TaskID: taskID, Error: errMsg})
	_ = counters
	return nil
}

// cancelNonTerminalSiblings marks every other non-terminal task in runID
// CANCELLED and removes it from the scheduler, as required when a terminal
// task failure takes the whole workflow down. Unlike the cancellation
// subsystem's graceful path, this is an immediate coordinator-internal
// sweep: the workflow is already FAILED, not CANCELLING.
func (c *Coordinator) cancelNonTerminalSiblings(ctx context.Context, runID, failedTaskID string) error {
	tasks, err := c.records.ListTasks(ctx, runID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.TaskID == failedTaskID {
			continue
		}
		switch task.Status {
		case model.TaskPending, model.TaskQueued, model.TaskRunning, model.TaskRetry:
			task.Status = model.TaskCancelled
			now := time.Now()
			task.Timestamps.Finished = &now
			if err := c.records.PutTask(ctx, task); err != nil {
				return err
			}
			c.scheduler.Remove(runID, task.TaskID)
			if c.retryTrk != nil {
				_ = c.retryTrk.CancelRetry(ctx, runID, task.TaskID)
			}
		}
	}
	return nil
}

// OnTaskCancelled marks the task CANCELLED without touching counters or
// propagating to successors — the cancellation subsystem already handled
// siblings directly — then checks whether this was the run's last
// non-terminal task, so a CANCELLING workflow reaches CANCELLED on its own
// once every in-flight task has resolved, without a separate
// force-complete call.
func (c *Coordinator) OnTaskCancelled(ctx context.Context, runID, taskID string) error {
	task, found, err := c.records.GetTask(ctx, runID, taskID)
	if err != nil || !found {
		return fmt.Errorf("task not found: %s/%s", runID, taskID)
	}
	task.Status = model.TaskCancelled
	now := time.Now()
	task.Timestamps.Finished = &now
	if err := c.records.PutTask(ctx, task); err != nil {
		return fmt.Errorf("mark task cancelled: %w", err)
	}
	return c.evaluateCancelling(ctx, runID)
}

// evaluateCancelling flips a CANCELLING workflow to CANCELLED once every
// one of its tasks has reached a terminal status.
func (c *Coordinator) evaluateCancelling(ctx context.Context, runID string) error {
	wf, found, err := c.records.GetWorkflow(ctx, runID)
	if err != nil || !found {
		return fmt.Errorf("workflow not found: %s", runID)
	}
	if wf.Status != model.WorkflowCancelling {
		return nil
	}

	tasks, err := c.records.ListTasks(ctx, runID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		switch task.Status {
		case model.TaskCompleted, model.TaskFailed, model.TaskCancelled:
		default:
			return nil
		}
	}

	wf.Status = model.WorkflowCancelled
	wf.UpdatedAt = time.Now()
	wf.TerminalAt = time.Now()
	if err := c.records.PutWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("mark workflow cancelled: %w", err)
	}
	c.publish(ctx, events.Event{Type: events.WorkflowCancelled, RunID: runID})
	return nil
}

func (c *Coordinator) evaluateTerminal(ctx context.Context, runID string, counters model.Counters) error {
	if counters.Completed < counters.Total {
		return nil
	}
	wf, found, err := c.records.GetWorkflow(ctx, runID)
	if err != nil || !found {
		return fmt.Errorf("workflow not found: %s", runID)
	}
	if wf.IsTerminal() {
		return nil
	}
	wf.Status = model.WorkflowCompleted
	wf.UpdatedAt = time.Now()
	wf.TerminalAt = time.Now()
	if err := c.records.PutWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("mark workflow completed: %w", err)
	}
	c.publish(ctx, events.Event{Type: events.WorkflowCompleted, RunID: runID, Counters: map[string]int{
		"total": wf.Counters.Total, "completed": wf.Counters.Completed, "failed": wf.Counters.Failed,
	}})
	return nil
}

// Status is the external view of a workflow's progress, matching
// get_workflow_status's documented shape.
type Status struct {
	RunID            string
	WorkflowStatus   model.WorkflowStatus
	Counters         model.Counters
	Cancellation     *model.CancellationMeta
	TaskCountsByStat map[model.TaskStatus]int
}

// GetStatus aggregates a workflow's current status and per-status task
// counts.
func (c *Coordinator) GetStatus(ctx context.Context, runID string) (*Status, error) {
	wf, found, err := c.records.GetWorkflow(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("workflow not found: %s", runID)
	}
	tasks, err := c.records.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	return &Status{
		RunID:            runID,
		WorkflowStatus:   wf.Status,
		Counters:         wf.Counters,
		Cancellation:     wf.Cancellation,
		TaskCountsByStat: counts,
	}, nil
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, events.Subject(ev.RunID, ev.Type), ev)
}
