// Package retry schedules exponential-backoff retries for failed tasks on
// a time-keyed delay queue and polls due entries back into the scheduler.
// The poll loop's own error backoff (distinct from the per-task retry
// delay, which follows the configured min(base*2^n, max) formula directly)
// uses cenkalti/backoff/v4 so a store outage doesn't busy-loop the poller.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fleetgraph/orchestrator/internal/events"
	"github.com/fleetgraph/orchestrator/internal/model"
	"github.com/fleetgraph/orchestrator/internal/priority"
	"github.com/fleetgraph/orchestrator/internal/store"
)

// Config holds the retry tracker's tunables, defaulted per §4.3.
type Config struct {
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the documented default retry knobs.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BackoffBase:  15 * time.Second,
		BackoffMax:   300 * time.Second,
		PollInterval: time.Second,
	}
}

// Tracker schedules and re-enqueues retriable task failures.
type Tracker struct {
	cfg       Config
	delay     store.DelayQueue
	records   store.RecordsStore
	scheduler *priority.Scheduler
	bus       events.Bus

	stopCh chan struct{}
	logger *slog.Logger
}

// NewTracker wires a Tracker against the shared delay queue, records
// store, scheduler, and event bus.
func NewTracker(cfg Config, delay store.DelayQueue, records store.RecordsStore, scheduler *priority.Scheduler, bus events.Bus) *Tracker {
	return &Tracker{
		cfg:       cfg,
		delay:     delay,
		records:   records,
		scheduler: scheduler,
		bus:       bus,
		stopCh:    make(chan struct{}),
		logger:    slog.Default().With("component", "retry_tracker"),
	}
}

// Schedule decides retry-or-abandon for a failed task. It returns true if a
// retry was scheduled (the task transitions to RETRY and is enqueued on the
// delay queue) or false if the retry budget is exhausted (the caller should
// mark the task terminally FAILED).
func (t *Tracker) Schedule(ctx context.Context, task *model.Task, errMsg string) (bool, error) {
	if task.RetryCount >= t.cfg.MaxRetries {
		return false, nil
	}
	delay := t.cfg.BackoffBase * time.Duration(1<<uint(task.RetryCount))
	if delay > t.cfg.BackoffMax {
		delay = t.cfg.BackoffMax
	}
	task.RetryCount++
	task.LastError = errMsg
	task.Status = model.TaskRetry

	if err := t.records.PutTask(ctx, task); err != nil {
		return false, err
	}
	due := time.Now().Add(delay)
	if err := t.delay.Add(ctx, store.DelayEntry{TaskID: task.TaskID, RunID: task.RunID, Due: due}); err != nil {
		return false, err
	}
	return true, nil
}

// CancelRetry removes a pending retry from the delay queue, used when a
// workflow is cancelled while a task is in RETRY state.
func (t *Tracker) CancelRetry(ctx context.Context, runID, taskID string) error {
	return t.delay.Remove(ctx, runID, taskID)
}

// StartPolling launches the background poll loop, returning once ctx is
// cancelled or Stop is called.
func (t *Tracker) StartPolling(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = t.cfg.PollInterval
	errBackoff.MaxInterval = 30 * time.Second
	errBackoff.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			if err := t.processDue(ctx); err != nil {
				wait := errBackoff.NextBackOff()
				t.logger.Warn("retry poll failed, backing off", "error", err, "wait", wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				case <-t.stopCh:
					return
				}
				continue
			}
			errBackoff.Reset()
		}
	}
}

// Stop ends the poll loop started by StartPolling.
func (t *Tracker) Stop() {
	close(t.stopCh)
}

func (t *Tracker) processDue(ctx context.Context) error {
	due, err := t.delay.PopDue(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, entry := range due {
		task, found, err := t.records.GetTask(ctx, entry.RunID, entry.TaskID)
		if err != nil {
			t.logger.Error("rehydrate retry task failed", "run_id", entry.RunID, "task_id", entry.TaskID, "error", err)
			continue
		}
		if !found {
			continue
		}
		task.Status = model.TaskQueued
		now := time.Now()
		task.Timestamps.Queued = &now
		if err := t.records.PutTask(ctx, task); err != nil {
			t.logger.Error("requeue retry task failed", "run_id", entry.RunID, "task_id", entry.TaskID, "error", err)
			continue
		}
		t.scheduler.Enqueue(task)
	}
	return nil
}
