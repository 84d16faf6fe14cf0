// Package engine wires the orchestrator's components into one running
// process: store backend selection, the priority scheduler, the retry
// tracker and its poll loop, per-agent worker pools, the DAG coordinator,
// the cancellation subsystem, the SLA monitor, the event bus, and the
// cron/event trigger scheduler. It is the single `Engine` value the
// previously scattered globals (config, telemetry, scheduler, executor)
// collapse into, constructed once from configuration and passed to
// whoever needs it, in the same build order main.go uses: store, then
// scheduler, then coordinator, then HTTP surface.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/fleetgraph/orchestrator/internal/agent"
	"github.com/fleetgraph/orchestrator/internal/cancellation"
	"github.com/fleetgraph/orchestrator/internal/config"
	"github.com/fleetgraph/orchestrator/internal/coordinator"
	"github.com/fleetgraph/orchestrator/internal/events"
	"github.com/fleetgraph/orchestrator/internal/model"
	"github.com/fleetgraph/orchestrator/internal/priority"
	"github.com/fleetgraph/orchestrator/internal/retry"
	"github.com/fleetgraph/orchestrator/internal/sla"
	"github.com/fleetgraph/orchestrator/internal/store"
	"github.com/fleetgraph/orchestrator/internal/trigger"
	"github.com/fleetgraph/orchestrator/internal/worker"
)

// Engine bundles every wired component and exposes the §6 external
// interface to an HTTP (or other) front door.
type Engine struct {
	cfg *config.Config

	backend   *store.Backend
	bus       events.Bus
	scheduler *priority.Scheduler
	retryTrk  *retry.Tracker
	coord     *coordinator.Coordinator
	cancelMgr *cancellation.Manager
	slaMon    *sla.Monitor
	workerMgr *worker.Manager
	registry  *agent.Registry
	triggers  *trigger.Scheduler

	logger *slog.Logger

	boltStore *store.BoltStore
	redisBack *store.RedisBackend
}

// New constructs every component from cfg. Unreachable optional backends
// (Redis, NATS, bbolt) degrade to the required in-memory fallback rather
// than failing startup, per §4.1.
func New(cfg *config.Config) (*Engine, error) {
	logger := slog.Default().With("component", "engine")

	backend := store.NewMemoryBackend()
	var boltStore *store.BoltStore
	var redisBack *store.RedisBackend

	switch cfg.Store.Backend {
	case "bbolt", "":
		bs, err := store.OpenBoltStore(cfg.Store.BoltPath, otel.Meter("orchestrator-store"))
		if err != nil {
			logger.Warn("bbolt unavailable, falling back to in-memory records store", "error", err)
		} else {
			backend.Records = bs
			backend.Estimates = bs
			boltStore = bs
		}
	case "memory":
		// already wired above
	case "redis":
		opts, err := goredis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			logger.Warn("invalid redis url, falling back to in-memory store", "error", err)
			break
		}
		rdb := goredis.NewClient(opts)
		rb := store.NewRedisBackend(rdb, "orchestrator")
		if err := rb.Ping(context.Background()); err != nil {
			logger.Warn("redis unreachable, falling back to in-memory store", "error", err)
			break
		}
		backend.Delay = rb
		backend.Estimates = rb
		backend.Cancelled = rb.Cancellation()
		redisBack = rb

		// Records still need a durable home; bbolt remains the default even
		// when Redis backs the delay queue/ERT/cancellation set.
		bs, err := store.OpenBoltStore(cfg.Store.BoltPath, otel.Meter("orchestrator-store"))
		if err != nil {
			logger.Warn("bbolt unavailable, falling back to in-memory records store", "error", err)
		} else {
			backend.Records = bs
			boltStore = bs
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	var bus events.Bus
	switch cfg.Events.Backend {
	case "nats":
		nb, err := events.NewNatsBus(cfg.Events.NatsURL)
		if err != nil {
			logger.Warn("nats unavailable, falling back to in-memory event bus", "error", err)
			bus = events.NewMemoryBus()
		} else {
			bus = events.AsBus(nb)
		}
	default:
		bus = events.NewMemoryBus()
	}

	ertDefault := cfg.Scheduler.ERTDefaultS
	lookup := func(agentName, action string) (float64, float64) {
		v, err := backend.Estimates.Get(context.Background(), agentName, action, ertDefault)
		if err != nil {
			return ertDefault, ertDefault
		}
		return v, ertDefault
	}
	scheduler := priority.NewScheduler(
		priority.Weights{Alpha: cfg.Scheduler.Alpha, Beta: cfg.Scheduler.Beta, Gamma: cfg.Scheduler.Gamma},
		ertDefault,
		lookup,
	)

	retryTrk := retry.NewTracker(retry.Config{
		MaxRetries:   cfg.Retry.MaxRetries,
		BackoffBase:  config.Seconds(cfg.Retry.BackoffBaseS),
		BackoffMax:   config.Seconds(cfg.Retry.BackoffMaxS),
		PollInterval: config.Seconds(cfg.Retry.PollIntervalS),
	}, backend.Delay, backend.Records, scheduler, bus)

	coord := coordinator.New(backend.Records, scheduler, retryTrk, bus, coordinator.DefaultClassifier)
	cancelMgr := cancellation.NewManager(backend.Records, scheduler, retryTrk, backend.Cancelled, bus)
	slaMon := sla.NewMonitor(sla.Config{
		MonitorInterval:   config.Seconds(cfg.SLA.MonitorIntervalS),
		TaskSLA:           config.Seconds(cfg.SLA.TaskSLAS),
		WorkflowSLA:       config.Seconds(cfg.SLA.WorkflowSLAS),
		PendingStale:      config.Seconds(cfg.SLA.PendingStaleS),
		CancelOnViolation: cfg.SLA.CancelOnViolation,
	}, backend.Records, cancelMgr, bus)

	registry := agent.NewRegistry(cfg.Worker.AgentURLs, 20)
	workerConfigs := make(map[string]worker.Config, len(cfg.Worker.EnabledAgents))
	for _, name := range cfg.Worker.EnabledAgents {
		maxWorkers := cfg.Worker.MaxWorkersPerAgent[name]
		if maxWorkers <= 0 {
			maxWorkers = 1
		}
		workerConfigs[name] = worker.Config{
			Agent:        name,
			MaxWorkers:   maxWorkers,
			TaskTimeout:  config.Seconds(cfg.Worker.TaskTimeoutS),
			PollInterval: config.Seconds(cfg.Worker.PollIntervalS),
		}
	}
	workerMgr := worker.NewManager(workerConfigs, scheduler, backend.Records, backend.Estimates, backend.Cancelled, registry, bus)

	e := &Engine{
		cfg:       cfg,
		backend:   backend,
		bus:       bus,
		scheduler: scheduler,
		retryTrk:  retryTrk,
		coord:     coord,
		cancelMgr: cancelMgr,
		slaMon:    slaMon,
		workerMgr: workerMgr,
		registry:  registry,
		logger:    logger,
		boltStore: boltStore,
		redisBack: redisBack,
	}
	// The trigger scheduler fires through the engine's own InitWorkflow/
	// StartWorkflow so triggered runs get the same event-dispatch wiring as
	// any other run.
	e.triggers = trigger.NewScheduler(e, otel.Meter("orchestrator-trigger"))
	return e, nil
}

// Start launches every background loop: the retry poller, the worker
// pools, the SLA monitor, and the cron/event trigger driver. It returns
// immediately; everything it starts runs until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.retryTrk.StartPolling(ctx)
	e.workerMgr.Start(ctx)
	go e.slaMon.Run(ctx)
	e.triggers.Start()
}

// Shutdown stops the trigger driver and closes the durable stores. The
// worker pools and retry poller stop on their own once ctx (passed to
// Start) is cancelled by the caller.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.triggers.Stop(ctx); err != nil {
		e.logger.Warn("trigger scheduler stop timeout", "error", err)
	}
	if e.boltStore != nil {
		if err := e.boltStore.Close(); err != nil {
			return fmt.Errorf("close bbolt store: %w", err)
		}
	}
	if e.redisBack != nil {
		if err := e.redisBack.Close(); err != nil {
			return fmt.Errorf("close redis backend: %w", err)
		}
	}
	return e.bus.Close()
}

// RegisterTrigger exposes the trigger scheduler's template registration and
// scheduling to the HTTP front door. When a durable records store is wired,
// the template is also persisted as a new workflow-definition version so an
// operator can see what a triggered run was started from after the fact.
func (e *Engine) RegisterTrigger(tpl trigger.WorkflowTemplate, cfg *trigger.Config) error {
	e.triggers.RegisterTemplate(tpl)
	if e.boltStore != nil {
		defined := make([]store.DefinedTask, 0, len(tpl.Tasks))
		for _, t := range tpl.Tasks {
			defined = append(defined, store.DefinedTask{
				TaskID: t.TaskID, Agent: t.Agent, Action: t.Action,
				Params: t.Params, DependsOn: t.DependsOn,
			})
		}
		if _, err := e.boltStore.PutWorkflowDefinition(context.Background(), tpl.Name, defined, tpl.Metadata, time.Now()); err != nil {
			e.logger.Warn("failed to persist workflow definition version", "template", tpl.Name, "error", err)
		}
	}
	if cfg == nil {
		return nil
	}
	return e.triggers.AddSchedule(context.Background(), cfg)
}

// GetWorkflowDefinition returns a durably stored workflow-definition
// version (the latest when version is 0), or ok=false if no durable
// records store is wired or nothing has been registered under name.
func (e *Engine) GetWorkflowDefinition(ctx context.Context, name string, version int) (*store.WorkflowDefinition, bool, error) {
	if e.boltStore == nil {
		return nil, false, nil
	}
	return e.boltStore.GetWorkflowDefinition(ctx, name, version)
}

// TriggerEvent forwards an externally observed event to the trigger
// scheduler's event-driven workflow triggers.
func (e *Engine) TriggerEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	e.triggers.TriggerEvent(ctx, eventType, data)
}

// InitWorkflow validates and materializes a new workflow, then subscribes
// the coordinator's event dispatch to that run's event stream so worker-
// emitted TASK_* events drive the DAG state machine forward.
func (e *Engine) InitWorkflow(ctx context.Context, defs []coordinator.TaskDefinition, metadata map[string]interface{}, clientID string) (string, error) {
	runID, err := e.coord.InitWorkflow(ctx, defs, metadata, clientID)
	if err != nil {
		return "", err
	}
	e.bus.Subscribe(events.WildcardSubject(runID), e.dispatch)
	return runID, nil
}

// StartWorkflow transitions a workflow to RUNNING and enqueues its
// zero-in-degree tasks.
func (e *Engine) StartWorkflow(ctx context.Context, runID string) error {
	return e.coord.StartWorkflow(ctx, runID)
}

// GetWorkflowStatus returns a workflow's current status, counters, and
// per-task-status breakdown.
func (e *Engine) GetWorkflowStatus(ctx context.Context, runID string) (*coordinator.Status, error) {
	return e.coord.GetStatus(ctx, runID)
}

// CancelWorkflow runs the graceful cancellation protocol; if force is set,
// it additionally force-completes the workflow once draining finishes,
// rather than waiting for in-flight tasks to return on their own.
func (e *Engine) CancelWorkflow(ctx context.Context, runID, reason string, force bool, cancelledBy string) error {
	if err := e.cancelMgr.Cancel(ctx, runID, reason, cancelledBy); err != nil {
		return err
	}
	if force {
		return e.cancelMgr.ForceComplete(ctx, runID)
	}
	return nil
}

// ForceCompleteCancellation transitions a CANCELLING workflow to CANCELLED
// unconditionally.
func (e *Engine) ForceCompleteCancellation(ctx context.Context, runID string) error {
	return e.cancelMgr.ForceComplete(ctx, runID)
}

// ListCancelled returns a page of CANCELLED workflow summaries, optionally
// filtered by client_id.
func (e *Engine) ListCancelled(ctx context.Context, limit, offset int, clientID string) ([]*model.Workflow, error) {
	all, err := e.backend.Records.ListWorkflows(ctx, model.WorkflowCancelled, 0)
	if err != nil {
		return nil, err
	}
	filtered := make([]*model.Workflow, 0, len(all))
	for _, wf := range all {
		if clientID != "" && wf.ClientID != clientID {
			continue
		}
		filtered = append(filtered, wf)
	}
	if offset >= len(filtered) {
		return []*model.Workflow{}, nil
	}
	end := len(filtered)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return filtered[offset:end], nil
}

// dispatch is the sole consumer of worker-emitted task lifecycle events,
// translating each into the matching coordinator state transition. Workers
// and the coordinator are decoupled through the event bus rather than
// calling each other directly, so dispatch is what closes the loop.
func (e *Engine) dispatch(ctx context.Context, ev events.Event) {
	var err error
	switch ev.Type {
	case events.TaskSuccess:
		err = e.coord.OnTaskSuccess(ctx, ev.RunID, ev.TaskID, ev.Result)
	case events.TaskFailed:
		err = e.coord.OnTaskFailed(ctx, ev.RunID, ev.TaskID, ev.Error, ev.ErrorKind)
	case events.TaskCancelled:
		err = e.coord.OnTaskCancelled(ctx, ev.RunID, ev.TaskID)
	case events.TaskStarted:
		return
	default:
		return
	}
	if err != nil {
		e.logger.Error("event dispatch failed", "type", ev.Type, "run_id", ev.RunID, "task_id", ev.TaskID, "error", err)
	}
}

// Backend exposes the wired store backend, primarily for tests and the
// HTTP layer's health checks.
func (e *Engine) Backend() *store.Backend { return e.backend }
