// Package sla implements the periodic scanner that flags (and optionally
// cancels) stale tasks, stale workflows, and suspected deadlocks. Grounded
// on CancellationManager.StartCleanupLoop's ticker pattern, generalized
// from a single-purpose retention sweep into three independent checks.
package sla

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetgraph/orchestrator/internal/events"
	"github.com/fleetgraph/orchestrator/internal/model"
	"github.com/fleetgraph/orchestrator/internal/store"
)

// Config holds the monitor's tunables, defaulted per §4.7.
type Config struct {
	MonitorInterval   time.Duration
	TaskSLA           time.Duration
	WorkflowSLA       time.Duration
	PendingStale      time.Duration
	CancelOnViolation bool
}

// DefaultConfig returns the documented default SLA thresholds.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:   30 * time.Second,
		TaskSLA:           600 * time.Second,
		WorkflowSLA:       3600 * time.Second,
		PendingStale:      900 * time.Second,
		CancelOnViolation: false,
	}
}

// Canceller is the minimal surface the monitor needs to act on a
// violation — the cancellation subsystem's Cancel, kept as an interface so
// this package does not import cancellation and create a cycle.
type Canceller interface {
	Cancel(ctx context.Context, runID, reason, by string) error
}

// Monitor periodically scans workflow/task records for SLA violations.
type Monitor struct {
	cfg       Config
	records   store.RecordsStore
	canceller Canceller
	bus       events.Bus
	logger    *slog.Logger
}

// NewMonitor wires a Monitor against the engine's shared state.
func NewMonitor(cfg Config, records store.RecordsStore, canceller Canceller, bus events.Bus) *Monitor {
	return &Monitor{cfg: cfg, records: records, canceller: canceller, bus: bus, logger: slog.Default().With("component", "sla_monitor")}
}

// Run blocks, scanning every MonitorInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	workflows, err := m.records.ListWorkflows(ctx, model.WorkflowRunning, 0)
	if err != nil {
		m.logger.Error("list running workflows failed", "error", err)
		return
	}
	now := time.Now()
	for _, wf := range workflows {
		m.checkStaleWorkflow(ctx, wf, now)
		m.checkTasksAndDeadlock(ctx, wf, now)
	}
}

func (m *Monitor) checkStaleWorkflow(ctx context.Context, wf *model.Workflow, now time.Time) {
	if now.Sub(wf.CreatedAt) <= m.cfg.WorkflowSLA {
		return
	}
	m.alert(ctx, wf.RunID, "stale_workflow")
	if m.cfg.CancelOnViolation {
		_ = m.canceller.Cancel(ctx, wf.RunID, "workflow_sla_violation", "sla_monitor")
	}
}

func (m *Monitor) checkTasksAndDeadlock(ctx context.Context, wf *model.Workflow, now time.Time) {
	tasks, err := m.records.ListTasks(ctx, wf.RunID)
	if err != nil {
		m.logger.Error("list tasks failed", "run_id", wf.RunID, "error", err)
		return
	}

	anyActive := false
	for _, task := range tasks {
		switch task.Status {
		case model.TaskQueued, model.TaskRunning:
			anyActive = true
			activeSince := task.Timestamps.Created
			if task.Timestamps.Started != nil {
				activeSince = *task.Timestamps.Started
			} else if task.Timestamps.Queued != nil {
				activeSince = *task.Timestamps.Queued
			}
			if now.Sub(activeSince) > m.cfg.TaskSLA {
				m.alert(ctx, wf.RunID, "stale_task")
				if m.cfg.CancelOnViolation {
					_ = m.canceller.Cancel(ctx, wf.RunID, "task_sla_violation", "sla_monitor")
				}
			}
		}
	}

	// No task in RUNNING or QUEUED while the workflow itself hasn't been
	// touched in pending_stale_s: every remaining task is blocked on a
	// predecessor the coordinator considers unsatisfied, or an event was
	// lost. wf.UpdatedAt is bumped on every coordinator-driven transition,
	// so its age stands in for "time since anything last moved".
	if !anyActive && now.Sub(wf.UpdatedAt) > m.cfg.PendingStale {
		m.alert(ctx, wf.RunID, "deadlock")
		if m.cfg.CancelOnViolation {
			_ = m.canceller.Cancel(ctx, wf.RunID, "suspected_deadlock", "sla_monitor")
		}
	}
}

func (m *Monitor) alert(ctx context.Context, runID, kind string) {
	m.logger.Warn("sla violation", "run_id", runID, "kind", kind)
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, events.Subject(runID, events.SLAViolation), events.Event{
		Type:   events.SLAViolation,
		RunID:  runID,
		Reason: kind,
	})
}
