package store

import (
	"context"
	"sync"
	"time"

	"github.com/fleetgraph/orchestrator/internal/model"
)

// memoryRecords implements RecordsStore and RuntimeEstimates in-process.
// It is the fallback used when neither bbolt nor Redis is configured or
// reachable; all state is lost on restart.
type memoryRecords struct {
	mu        sync.RWMutex
	workflows map[string]*model.Workflow
	tasks     map[string]*model.Task
	estimates map[string]float64
}

// memoryDelayQueue implements DelayQueue in-process. Split from
// memoryRecords so the two capabilities don't collide on a shared `Add`
// method name with different signatures.
type memoryDelayQueue struct {
	mu    sync.Mutex
	items map[string]DelayEntry
}

// memoryCancellationSet implements CancellationSet in-process.
type memoryCancellationSet struct {
	mu        sync.RWMutex
	cancelled map[string]time.Time
}

// NewMemoryBackend returns a ready-to-use in-memory Backend, the fallback
// wired whenever a durable store is absent or unreachable.
func NewMemoryBackend() *Backend {
	r := &memoryRecords{
		workflows: make(map[string]*model.Workflow),
		tasks:     make(map[string]*model.Task),
		estimates: make(map[string]float64),
	}
	d := &memoryDelayQueue{items: make(map[string]DelayEntry)}
	c := &memoryCancellationSet{cancelled: make(map[string]time.Time)}
	return &Backend{Records: r, Delay: d, Estimates: r, Cancelled: c}
}

func taskKey(runID, taskID string) string { return runID + "/" + taskID }
func estKey(agent, action string) string  { return agent + ":" + action }

func (m *memoryRecords) PutWorkflow(_ context.Context, wf *model.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.RunID] = &cp
	return nil
}

func (m *memoryRecords) GetWorkflow(_ context.Context, runID string) (*model.Workflow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[runID]
	if !ok {
		return nil, false, nil
	}
	cp := *wf
	return &cp, true, nil
}

func (m *memoryRecords) ListWorkflows(_ context.Context, statusFilter model.WorkflowStatus, limit int) ([]*model.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Workflow
	for _, wf := range m.workflows {
		if statusFilter != "" && wf.Status != statusFilter {
			continue
		}
		cp := *wf
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memoryRecords) PutTask(_ context.Context, task *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[taskKey(task.RunID, task.TaskID)] = &cp
	return nil
}

func (m *memoryRecords) GetTask(_ context.Context, runID, taskID string) (*model.Task, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskKey(runID, taskID)]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

func (m *memoryRecords) ListTasks(_ context.Context, runID string) ([]*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Task
	for _, t := range m.tasks {
		if t.RunID == runID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryRecords) IncrementCounters(_ context.Context, runID string, completedDelta, failedDelta int) (model.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[runID]
	if !ok {
		return model.Counters{}, nil
	}
	wf.Counters.Completed += completedDelta
	wf.Counters.Failed += failedDelta
	return wf.Counters, nil
}

func (m *memoryRecords) Get(_ context.Context, agent, action string, defaultSeconds float64) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.estimates[estKey(agent, action)]; ok {
		return v, nil
	}
	return defaultSeconds, nil
}

func (m *memoryRecords) Update(_ context.Context, agent, action string, actualSeconds float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := estKey(agent, action)
	cur, ok := m.estimates[k]
	if !ok {
		m.estimates[k] = actualSeconds
		return actualSeconds, nil
	}
	next := 0.7*cur + 0.3*actualSeconds
	m.estimates[k] = next
	return next, nil
}

func (d *memoryDelayQueue) Add(_ context.Context, entry DelayEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[taskKey(entry.RunID, entry.TaskID)] = entry
	return nil
}

func (d *memoryDelayQueue) Remove(_ context.Context, runID, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items, taskKey(runID, taskID))
	return nil
}

func (d *memoryDelayQueue) PopDue(_ context.Context, now time.Time) ([]DelayEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var due []DelayEntry
	for k, e := range d.items {
		if !e.Due.After(now) {
			due = append(due, e)
			delete(d.items, k)
		}
	}
	return due, nil
}

func (d *memoryDelayQueue) Size(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items), nil
}

func (c *memoryCancellationSet) Add(_ context.Context, runID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[runID] = time.Now().Add(ttl)
	return nil
}

func (c *memoryCancellationSet) Remove(_ context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelled, runID)
	return nil
}

func (c *memoryCancellationSet) IsCancelled(_ context.Context, runID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.cancelled[runID]
	if !ok {
		return false, nil
	}
	return time.Now().Before(exp), nil
}

func (c *memoryCancellationSet) List(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	var out []string
	for runID, exp := range c.cancelled {
		if now.Before(exp) {
			out = append(out, runID)
		}
	}
	return out, nil
}
