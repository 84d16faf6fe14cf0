// Package priority implements the shared priority queue ready tasks sit in
// between the DAG coordinator marking them QUEUED and a worker picking them
// up. Note the name collision: scheduler.go elsewhere in this codebase
// (internal/trigger) is a cron/event trigger, not a priority queue. Tasks
// are partitioned into per-agent heaps via container/heap so an
// agent-filtered dequeue stays O(log n), with a secondary id index for
// O(log n) removal of an arbitrary queued task.
package priority

import (
	"container/heap"
	"sync"
	"time"

	"github.com/fleetgraph/orchestrator/internal/model"
)

// Weights are the configurable score coefficients from §4.2: alpha favors
// short estimated runtimes, beta honors explicit user priority, gamma
// preempts deadline-approaching work.
type Weights struct {
	Alpha float64
	Beta  float64
	Gamma float64
}

// DefaultWeights returns the documented default score coefficients.
func DefaultWeights() Weights { return Weights{Alpha: 1, Beta: 2, Gamma: 3} }

// ERTLookup resolves the current runtime estimate for (agent, action),
// falling back to ertDefault when none has been observed yet.
type ERTLookup func(agent, action string) (seconds float64, ertDefault float64)

// item is one heap slot. index is maintained by the heap's Swap so Remove
// can locate and excise an arbitrary entry in O(log n).
type item struct {
	score       float64
	enqueueTime time.Time
	task        *model.Task
	index       int
}

type agentHeap []*item

func (h agentHeap) Len() int { return len(h) }
func (h agentHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].enqueueTime.Before(h[j].enqueueTime)
}
func (h agentHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *agentHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *agentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler is the shared in-memory priority queue. Tasks are partitioned
// into per-agent heaps so an agent-filtered dequeue stays O(log n); an
// unfiltered dequeue scans the per-agent heap tops, which is O(number of
// distinct agents) rather than O(n).
type Scheduler struct {
	mu         sync.Mutex
	heaps      map[string]*agentHeap
	index      map[string]*item // task key -> item, for remove/peek by id
	weights    Weights
	ertDefault float64
	lookup     ERTLookup
}

// NewScheduler builds a scheduler with the given weights, default ERT
// seconds, and a callback for resolving observed runtime estimates.
func NewScheduler(weights Weights, ertDefault float64, lookup ERTLookup) *Scheduler {
	return &Scheduler{
		heaps:      make(map[string]*agentHeap),
		index:      make(map[string]*item),
		weights:    weights,
		ertDefault: ertDefault,
		lookup:     lookup,
	}
}

func key(task *model.Task) string { return task.RunID + "/" + task.TaskID }

// Score computes the task's priority score (lower dequeues first) per the
// formula in §4.2.
func (s *Scheduler) Score(task *model.Task, now time.Time) float64 {
	ert := s.ertDefault
	if s.lookup != nil {
		ert, _ = s.lookup(task.Agent, task.Action)
		if ert <= 0 {
			ert = s.ertDefault
		}
	}
	if ert < 1 {
		ert = 1
	}
	urgency := 0.0
	if task.Deadline != nil {
		remaining := task.Deadline.Sub(now).Seconds()
		if remaining < 1 {
			remaining = 1
		}
		urgency = 1 / remaining
	}
	return -(s.weights.Alpha/ert + s.weights.Beta*task.UserPriority + s.weights.Gamma*urgency)
}

// Enqueue computes the task's score and pushes it onto its agent's heap.
func (s *Scheduler) Enqueue(task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	it := &item{score: s.Score(task, now), enqueueTime: now, task: task}
	h, ok := s.heaps[task.Agent]
	if !ok {
		h = &agentHeap{}
		s.heaps[task.Agent] = h
	}
	heap.Push(h, it)
	s.index[key(task)] = it
}

// Dequeue pops the lowest-scored task, optionally restricted to a single
// agent. It returns (nil, false) when no matching task is queued.
func (s *Scheduler) Dequeue(agentFilter string) (*model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agentFilter != "" {
		h, ok := s.heaps[agentFilter]
		if !ok || h.Len() == 0 {
			return nil, false
		}
		it := heap.Pop(h).(*item)
		delete(s.index, key(it.task))
		return it.task, true
	}

	var bestAgent string
	var bestHeap *agentHeap
	for agent, h := range s.heaps {
		if h.Len() == 0 {
			continue
		}
		if bestHeap == nil || (*h)[0].score < (*bestHeap)[0].score ||
			((*h)[0].score == (*bestHeap)[0].score && (*h)[0].enqueueTime.Before((*bestHeap)[0].enqueueTime)) {
			bestHeap = h
			bestAgent = agent
		}
	}
	if bestHeap == nil {
		return nil, false
	}
	it := heap.Pop(bestHeap).(*item)
	delete(s.index, key(it.task))
	_ = bestAgent
	return it.task, true
}

// Peek returns the lowest-scored task without removing it.
func (s *Scheduler) Peek(agentFilter string) (*model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agentFilter != "" {
		h, ok := s.heaps[agentFilter]
		if !ok || h.Len() == 0 {
			return nil, false
		}
		return (*h)[0].task, true
	}
	var best *item
	for _, h := range s.heaps {
		if h.Len() == 0 {
			continue
		}
		top := (*h)[0]
		if best == nil || top.score < best.score {
			best = top
		}
	}
	if best == nil {
		return nil, false
	}
	return best.task, true
}

// QueueSize returns the total number of queued tasks across all agents.
func (s *Scheduler) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Remove excises a queued task by id, used by cancellation to drain
// PENDING/QUEUED work for a cancelled run.
func (s *Scheduler) Remove(runID, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := runID + "/" + taskID
	it, ok := s.index[k]
	if !ok {
		return false
	}
	h := s.heaps[it.task.Agent]
	heap.Remove(h, it.index)
	delete(s.index, k)
	return true
}

// List returns up to limit queued tasks in arbitrary order, for diagnostics.
// limit<=0 means unbounded.
func (s *Scheduler) List(limit int) []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Task, 0, len(s.index))
	for _, it := range s.index {
		out = append(out, it.task)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
