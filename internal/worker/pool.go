// Package worker runs the bounded per-agent pools that dequeue ready tasks,
// call the owning agent over HTTP, and emit lifecycle events. The only task
// write a worker makes is marking the task RUNNING with its start time just
// before the call; success, failure and cancellation are reported as events
// for the coordinator to apply. Each pool is a fixed number of
// goroutines polling a shared priority queue for one agent's tasks, calling
// out through internal/agent.Client for connection pooling and OTel
// propagation.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetgraph/orchestrator/internal/agent"
	"github.com/fleetgraph/orchestrator/internal/events"
	"github.com/fleetgraph/orchestrator/internal/model"
	"github.com/fleetgraph/orchestrator/internal/priority"
	"github.com/fleetgraph/orchestrator/internal/store"
)

// Config holds one agent pool's tunables.
type Config struct {
	Agent        string
	MaxWorkers   int
	TaskTimeout  time.Duration
	PollInterval time.Duration
}

// Pool runs Config.MaxWorkers goroutines polling the shared scheduler for
// tasks belonging to Config.Agent.
type Pool struct {
	cfg       Config
	scheduler *priority.Scheduler
	records   store.RecordsStore
	estimates store.RuntimeEstimates
	cancelled store.CancellationSet
	client    *agent.Client
	bus       events.Bus
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewPool wires a worker Pool for one agent.
func NewPool(cfg Config, scheduler *priority.Scheduler, records store.RecordsStore, estimates store.RuntimeEstimates, cancelled store.CancellationSet, client *agent.Client, bus events.Bus) *Pool {
	return &Pool{
		cfg:       cfg,
		scheduler: scheduler,
		records:   records,
		estimates: estimates,
		cancelled: cancelled,
		client:    client,
		bus:       bus,
		logger:    slog.Default().With("component", "worker_pool", "agent", cfg.Agent),
	}
}

// Start launches the configured number of worker goroutines, each running
// until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Wait blocks until every worker goroutine has exited (ctx cancellation).
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) loop(ctx context.Context, workerIdx int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", workerIdx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, ok := p.scheduler.Dequeue(p.cfg.Agent)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.execute(ctx, task, logger)
	}
}

func (p *Pool) execute(ctx context.Context, task *model.Task, logger *slog.Logger) {
	cancelled, err := p.cancelled.IsCancelled(ctx, task.RunID)
	if err != nil {
		logger.Warn("cancellation set check failed, proceeding", "run_id", task.RunID, "error", err)
	}
	if cancelled {
		p.publish(ctx, events.Event{Type: events.TaskCancelled, RunID: task.RunID, TaskID: task.TaskID})
		return
	}

	task.Status = model.TaskRunning
	now := time.Now()
	task.Timestamps.Started = &now
	if err := p.records.PutTask(ctx, task); err != nil {
		logger.Error("persist running state failed", "run_id", task.RunID, "task_id", task.TaskID, "error", err)
	}
	p.publish(ctx, events.Event{Type: events.TaskStarted, RunID: task.RunID, TaskID: task.TaskID, Agent: task.Agent, Action: task.Action})

	// Re-check cancellation immediately before the outbound call, per the
	// cooperative fencing contract in §4.6.
	cancelled, _ = p.cancelled.IsCancelled(ctx, task.RunID)
	if cancelled {
		p.publish(ctx, events.Event{Type: events.TaskCancelled, RunID: task.RunID, TaskID: task.TaskID})
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.Execute(callCtx, agent.Request{
		TaskID: task.TaskID,
		RunID:  task.RunID,
		Action: task.Action,
		Params: task.Params,
	})
	elapsed := time.Since(start).Seconds()

	// The run may have been cancelled while the call was in flight. A
	// cancelled run's result is discarded outright: the task is reported
	// CANCELLED regardless of whether the call succeeded or failed.
	if cancelled, cerr := p.cancelled.IsCancelled(ctx, task.RunID); cerr != nil {
		logger.Warn("post-call cancellation set check failed, proceeding", "run_id", task.RunID, "error", cerr)
	} else if cancelled {
		p.publish(ctx, events.Event{Type: events.TaskCancelled, RunID: task.RunID, TaskID: task.TaskID})
		return
	}

	if err != nil {
		p.publish(ctx, events.Event{
			Type:      events.TaskFailed,
			RunID:     task.RunID,
			TaskID:    task.TaskID,
			Error:     err.Error(),
			ErrorKind: classifyError(err),
		})
		return
	}

	if _, err := p.estimates.Update(ctx, task.Agent, task.Action, elapsed); err != nil {
		logger.Warn("runtime estimate update failed", "error", err)
	}

	var result map[string]interface{}
	if resp != nil {
		result = resp.Result
	}
	p.publish(ctx, events.Event{Type: events.TaskSuccess, RunID: task.RunID, TaskID: task.TaskID, Result: result})
}

// classifyError maps an agent call failure to the §7 error taxonomy kinds
// the coordinator's retry classifier consumes: a 4xx agent response is
// validation (non-retriable), everything else — timeouts, connection
// failures, 5xx, circuit-open, rate-limited — is transient.
func classifyError(err error) string {
	var statusErr *agent.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
		return "validation"
	}
	return "transient"
}

func (p *Pool) publish(ctx context.Context, ev events.Event) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, events.Subject(ev.RunID, ev.Type), ev)
}

// Manager owns one Pool per enabled agent.
type Manager struct {
	pools map[string]*Pool
}

// NewManager builds pools for every (agent, Config) pair supplied.
func NewManager(configs map[string]Config, scheduler *priority.Scheduler, records store.RecordsStore, estimates store.RuntimeEstimates, cancelled store.CancellationSet, registry *agent.Registry, bus events.Bus) *Manager {
	pools := make(map[string]*Pool, len(configs))
	for name, cfg := range configs {
		client, ok := registry.Client(name)
		if !ok {
			continue
		}
		pools[name] = NewPool(cfg, scheduler, records, estimates, cancelled, client, bus)
	}
	return &Manager{pools: pools}
}

// Start launches every managed pool.
func (m *Manager) Start(ctx context.Context) {
	for _, p := range m.pools {
		p.Start(ctx)
	}
}

// Wait blocks until every managed pool's workers have exited.
func (m *Manager) Wait() {
	for _, p := range m.pools {
		p.Wait()
	}
}
