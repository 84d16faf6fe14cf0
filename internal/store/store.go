// Package store provides the abstract persistence capabilities the engine
// consumes: a records store for workflows/tasks, a delay queue for retry
// scheduling, a runtime-estimate map, and a cancellation set. None of the
// engine's correctness depends on a specific backend; bbolt and Redis
// implementations trade durability for an in-memory fallback that keeps the
// process correct (if not durable across restarts) when neither is
// reachable.
package store

import (
	"context"
	"time"

	"github.com/fleetgraph/orchestrator/internal/model"
)

// RecordsStore upserts and queries workflow and task records. Durability
// across process restarts is required for production backends; the
// in-memory implementation intentionally loses it.
type RecordsStore interface {
	PutWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, runID string) (*model.Workflow, bool, error)
	ListWorkflows(ctx context.Context, statusFilter model.WorkflowStatus, limit int) ([]*model.Workflow, error)

	PutTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, runID, taskID string) (*model.Task, bool, error)
	ListTasks(ctx context.Context, runID string) ([]*model.Task, error)

	// IncrementCounters applies deltas atomically against the workflow's
	// stored counters and returns the updated value.
	IncrementCounters(ctx context.Context, runID string, completedDelta, failedDelta int) (model.Counters, error)
}

// DelayEntry is one due-time-keyed row in the delay queue. It identifies the
// task only by run_id and task_id; the retry tracker re-hydrates the full
// task from the records store when the entry comes due.
type DelayEntry struct {
	TaskID string
	RunID  string
	Due    time.Time
}

// DelayQueue is the time-keyed store backing the retry tracker. Entries are
// ordered by due time; PopDue removes and returns every entry due at or
// before now in one atomic step.
type DelayQueue interface {
	Add(ctx context.Context, entry DelayEntry) error
	Remove(ctx context.Context, runID, taskID string) error
	PopDue(ctx context.Context, now time.Time) ([]DelayEntry, error)
	Size(ctx context.Context) (int, error)
}

// RuntimeEstimates holds the exponential-moving-average runtime estimate
// for each (agent, action) pair the worker pool has observed.
type RuntimeEstimates interface {
	Get(ctx context.Context, agent, action string, defaultSeconds float64) (float64, error)
	Update(ctx context.Context, agent, action string, actualSeconds float64) (float64, error)
}

// CancellationSet is the authoritative set of run_ids whose tasks must not
// start new work. TTL bounds memory growth for backends that support
// expiry; the in-memory implementation checks expiry on each read and does
// not delete expired entries.
type CancellationSet interface {
	Add(ctx context.Context, runID string, ttl time.Duration) error
	Remove(ctx context.Context, runID string) error
	IsCancelled(ctx context.Context, runID string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// Backend bundles the four persistence capabilities the engine wires
// together at startup. Records/estimates typically share a durable
// backend; the cancellation set and delay queue may use a faster store.
type Backend struct {
	Records   RecordsStore
	Delay     DelayQueue
	Estimates RuntimeEstimates
	Cancelled CancellationSet
}
