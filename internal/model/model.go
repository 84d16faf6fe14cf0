// Package model holds the workflow/task record types shared by every
// component of the engine: the coordinator mutates them, the scheduler
// wraps them in a ScoredTask, workers read and report on them, and the
// store persists them.
package model

import "time"

// WorkflowStatus is the lifecycle state of a workflow record.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "PENDING"
	WorkflowRunning    WorkflowStatus = "RUNNING"
	WorkflowCompleted  WorkflowStatus = "COMPLETED"
	WorkflowFailed     WorkflowStatus = "FAILED"
	WorkflowCancelling WorkflowStatus = "CANCELLING"
	WorkflowCancelled  WorkflowStatus = "CANCELLED"
	WorkflowNeedsHuman WorkflowStatus = "NEEDS_HUMAN"
)

// TaskStatus is the lifecycle state of a task record, transitioning only
// along the machine the coordinator, scheduler, workers, and retry tracker
// jointly enforce.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskRetry     TaskStatus = "RETRY"
	TaskCancelled TaskStatus = "CANCELLED"
)

// CancellationMeta records who cancelled a workflow, when, and why.
type CancellationMeta struct {
	Reason string    `json:"reason,omitempty"`
	By     string    `json:"by,omitempty"`
	At     time.Time `json:"at,omitempty"`
}

// Counters tracks the aggregate task outcome totals the coordinator
// maintains to decide when a workflow has reached a terminal state.
type Counters struct {
	Total     int `json:"total_tasks"`
	Completed int `json:"completed_tasks"`
	Failed    int `json:"failed_tasks"`
}

// Workflow is the durable record of one DAG execution.
type Workflow struct {
	RunID        string                 `json:"run_id"`
	Definition   map[string]interface{} `json:"definition,omitempty"`
	Status       WorkflowStatus         `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	TerminalAt   time.Time              `json:"terminal_at,omitempty"`
	Counters     Counters               `json:"counters"`
	Cancellation *CancellationMeta      `json:"cancellation,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ClientID     string                 `json:"client_id,omitempty"`
}

// IsTerminal reports whether the workflow has reached a status the
// coordinator will not transition out of.
func (w *Workflow) IsTerminal() bool {
	switch w.Status {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// TaskTimestamps records when a task entered each lifecycle phase.
type TaskTimestamps struct {
	Created  time.Time  `json:"created"`
	Queued   *time.Time `json:"queued,omitempty"`
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
}

// Task is the durable record of one DAG node within a workflow.
type Task struct {
	RunID            string                 `json:"run_id"`
	TaskID           string                 `json:"task_id"`
	Agent            string                 `json:"agent"`
	Action           string                 `json:"action"`
	Params           map[string]interface{} `json:"params,omitempty"`
	DependsOn        []string               `json:"depends_on,omitempty"`
	InDegree         int                    `json:"in_degree"`
	OriginalInDegree int                    `json:"original_in_degree"`
	Status           TaskStatus             `json:"status"`
	RetryCount       int                    `json:"retry_count"`
	LastError        string                 `json:"last_error,omitempty"`
	Timestamps       TaskTimestamps         `json:"timestamps"`
	Deadline         *time.Time             `json:"deadline,omitempty"`
	UserPriority     float64                `json:"user_priority"`
	Result           map[string]interface{} `json:"result,omitempty"`
}

// Key uniquely identifies a task within the records store.
func (t *Task) Key() string {
	return t.RunID + "/" + t.TaskID
}
