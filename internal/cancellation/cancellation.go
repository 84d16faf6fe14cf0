// Package cancellation implements the three-step graceful-cancellation
// protocol: record intent in the cancellation set, drain pending/queued
// work from the scheduler, and fence in-flight work so a worker that
// already dequeued a task discards its result instead of completing it.
// Cancel is idempotent: calling it twice on the same run is a no-op after
// the first call's bookkeeping lands.
package cancellation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetgraph/orchestrator/internal/events"
	"github.com/fleetgraph/orchestrator/internal/model"
	"github.com/fleetgraph/orchestrator/internal/priority"
	"github.com/fleetgraph/orchestrator/internal/retry"
	"github.com/fleetgraph/orchestrator/internal/store"
)

// TTL bounds how long a run_id lingers in the cancellation set; it must
// cover at least the longest workflow's lifetime, per §4.1.
const defaultCancellationTTL = 24 * time.Hour

// Manager coordinates the three-step cancellation protocol across the
// records store, scheduler, delay queue, and cancellation set.
type Manager struct {
	mu sync.Mutex // guards the record-intent step for idempotence

	records   store.RecordsStore
	scheduler *priority.Scheduler
	retryTrk  *retry.Tracker
	cancelled store.CancellationSet
	bus       events.Bus
	tracer    trace.Tracer
}

// NewManager wires a cancellation Manager against the engine's shared
// state.
func NewManager(records store.RecordsStore, scheduler *priority.Scheduler, retryTrk *retry.Tracker, cancelled store.CancellationSet, bus events.Bus) *Manager {
	return &Manager{
		records:   records,
		scheduler: scheduler,
		retryTrk:  retryTrk,
		cancelled: cancelled,
		bus:       bus,
		tracer:    otel.Tracer("orchestrator-cancellation"),
	}
}

// Cancel runs the three-step protocol for run_id. Concurrent cancellations
// of the same run_id are idempotent: only the first caller to observe a
// non-terminal, non-CANCELLING workflow performs the transition and emits
// WORKFLOW_CANCELLATION_INITIATED.
func (m *Manager) Cancel(ctx context.Context, runID, reason, by string) error {
	ctx, span := m.tracer.Start(ctx, "cancellation.cancel", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("reason", reason),
	))
	defer span.End()

	m.mu.Lock()
	wf, found, err := m.records.GetWorkflow(ctx, runID)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("load workflow: %w", err)
	}
	if !found {
		m.mu.Unlock()
		return fmt.Errorf("workflow not found: %s", runID)
	}
	if wf.IsTerminal() || wf.Status == model.WorkflowCancelling {
		m.mu.Unlock()
		return nil // idempotent: already cancelling or already terminal
	}

	// Step 1: record intent.
	wf.Status = model.WorkflowCancelling
	wf.Cancellation = &model.CancellationMeta{Reason: reason, By: by, At: time.Now()}
	wf.UpdatedAt = time.Now()
	if err := m.records.PutWorkflow(ctx, wf); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("record cancellation intent: %w", err)
	}
	m.mu.Unlock()

	// Step 2: drain pending/queued work.
	tasks, err := m.records.ListTasks(ctx, runID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	drained := 0
	for _, task := range tasks {
		switch task.Status {
		case model.TaskPending, model.TaskQueued:
			task.Status = model.TaskCancelled
			now := time.Now()
			task.Timestamps.Finished = &now
			if err := m.records.PutTask(ctx, task); err != nil {
				return fmt.Errorf("drain task %s: %w", task.TaskID, err)
			}
			m.scheduler.Remove(runID, task.TaskID)
			drained++
			m.publish(ctx, events.Event{Type: events.TaskCancelled, RunID: runID, TaskID: task.TaskID})
		case model.TaskRetry:
			task.Status = model.TaskCancelled
			now := time.Now()
			task.Timestamps.Finished = &now
			if err := m.records.PutTask(ctx, task); err != nil {
				return fmt.Errorf("drain retry task %s: %w", task.TaskID, err)
			}
			if m.retryTrk != nil {
				_ = m.retryTrk.CancelRetry(ctx, runID, task.TaskID)
			}
			drained++
			m.publish(ctx, events.Event{Type: events.TaskCancelled, RunID: runID, TaskID: task.TaskID})
		}
	}

	// Step 3: fence in-flight work.
	if err := m.cancelled.Add(ctx, runID, defaultCancellationTTL); err != nil {
		return fmt.Errorf("fence run: %w", err)
	}

	m.publish(ctx, events.Event{
		Type:     events.WorkflowCancellationInit,
		RunID:    runID,
		Reason:   reason,
		Counters: map[string]int{"drained": drained},
	})
	return nil
}

// ForceComplete transitions a CANCELLING workflow to CANCELLED
// unconditionally, marking any still-RUNNING tasks CANCELLED.
func (m *Manager) ForceComplete(ctx context.Context, runID string) error {
	wf, found, err := m.records.GetWorkflow(ctx, runID)
	if err != nil || !found {
		return fmt.Errorf("workflow not found: %s", runID)
	}
	if wf.Status != model.WorkflowCancelling {
		return fmt.Errorf("workflow %s is not CANCELLING", runID)
	}

	tasks, err := m.records.ListTasks(ctx, runID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		if task.Status == model.TaskRunning {
			task.Status = model.TaskCancelled
			now := time.Now()
			task.Timestamps.Finished = &now
			if err := m.records.PutTask(ctx, task); err != nil {
				return fmt.Errorf("force-cancel task %s: %w", task.TaskID, err)
			}
		}
	}

	wf.Status = model.WorkflowCancelled
	wf.UpdatedAt = time.Now()
	wf.TerminalAt = time.Now()
	return m.records.PutWorkflow(ctx, wf)
}

// IsCancelled reports whether run_id has been fenced, the cooperative
// check workers make before starting a task and before each outbound call.
func (m *Manager) IsCancelled(ctx context.Context, runID string) (bool, error) {
	return m.cancelled.IsCancelled(ctx, runID)
}

// ListCancelled returns every currently-fenced run_id.
func (m *Manager) ListCancelled(ctx context.Context) ([]string, error) {
	return m.cancelled.List(ctx)
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, events.Subject(ev.RunID, ev.Type), ev)
}
