// Package trigger implements cron-expression and event-driven workflow
// triggers, a supplemental automation layer for starting workflows on a
// schedule or in response to an external event rather than by direct call.
// Grounded on scheduler.go: same cron library, same event-handler/filter
// shape, same metrics naming convention, regeared to call
// InitWorkflow/StartWorkflow through the Starter interface against a named
// WorkflowTemplate instead of re-executing a stored DAGEngine execution.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetgraph/orchestrator/internal/coordinator"
)

// WorkflowTemplate is a named, reusable workflow definition a schedule
// triggers repeatedly, each firing producing its own run_id.
type WorkflowTemplate struct {
	Name     string
	Tasks    []coordinator.TaskDefinition
	Metadata map[string]interface{}
}

// Config defines when and how a template is triggered.
type Config struct {
	WorkflowName  string
	CronExpr      string                 // "0 */5 * * * *" = every 5 minutes (seconds field first)
	EventType     string                 // "kafka.message", "webhook.received"
	EventFilter   map[string]interface{} // equality filter against event data
	Enabled       bool
	MaxConcurrent int // 0 = unlimited
	Timeout       time.Duration
}

type eventHandler struct {
	schedules   []*Config
	running     int
	mu          sync.Mutex
	lastTrigger time.Time
}

// Starter is the minimal engine surface a trigger fires through — kept
// local so this package does not need the whole engine wiring to be
// testable in isolation.
type Starter interface {
	InitWorkflow(ctx context.Context, defs []coordinator.TaskDefinition, metadata map[string]interface{}, clientID string) (string, error)
	StartWorkflow(ctx context.Context, runID string) error
}

// Scheduler manages cron schedules and event-driven triggers over a set of
// registered workflow templates.
type Scheduler struct {
	cron          *cron.Cron
	starter       Starter
	templates     map[string]WorkflowTemplate
	schedules     map[string]*Config
	cronEntries   map[string]cron.EntryID
	eventHandlers map[string]*eventHandler
	mu            sync.RWMutex

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
	tracer        trace.Tracer
	logger        *slog.Logger
}

// NewScheduler builds a trigger Scheduler backed by a seconds-precision
// cron instance.
func NewScheduler(starter Starter, meter metric.Meter) *Scheduler {
	scheduleRuns, _ := meter.Int64Counter("orch_trigger_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("orch_trigger_schedule_failures_total")
	eventTriggers, _ := meter.Int64Counter("orch_trigger_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		starter:       starter,
		templates:     make(map[string]WorkflowTemplate),
		schedules:     make(map[string]*Config),
		cronEntries:   make(map[string]cron.EntryID),
		eventHandlers: make(map[string]*eventHandler),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
		tracer:        otel.Tracer("orchestrator-trigger"),
		logger:        slog.Default().With("component", "trigger_scheduler"),
	}
}

// RegisterTemplate makes a named workflow definition available to schedules.
func (s *Scheduler) RegisterTemplate(tpl WorkflowTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tpl.Name] = tpl
}

// Start begins the cron driver. Registered event triggers are live as soon
// as AddSchedule returns; Start only matters for cron-based schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("trigger scheduler started")
}

// Stop gracefully stops the cron driver, waiting for in-flight jobs up to
// ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("trigger scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("trigger scheduler stop timeout")
		return ctx.Err()
	}
}

// AddSchedule registers a cron or event-driven trigger for a template that
// must already be registered via RegisterTemplate.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg *Config) error {
	ctx, span := s.tracer.Start(ctx, "trigger.add_schedule", trace.WithAttributes(
		attribute.String("workflow", cfg.WorkflowName),
		attribute.String("cron", cfg.CronExpr),
	))
	defer span.End()

	s.mu.RLock()
	_, known := s.templates[cfg.WorkflowName]
	s.mu.RUnlock()
	if !known {
		return fmt.Errorf("no template registered for workflow %q", cfg.WorkflowName)
	}

	switch {
	case cfg.CronExpr != "":
		entryID, err := s.cron.AddFunc(cfg.CronExpr, func() {
			s.fire(context.Background(), cfg)
		})
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		s.mu.Lock()
		s.schedules[cfg.WorkflowName] = cfg
		s.cronEntries[cfg.WorkflowName] = entryID
		s.mu.Unlock()
		s.logger.Info("cron schedule added", "workflow", cfg.WorkflowName, "cron", cfg.CronExpr)

	case cfg.EventType != "":
		s.mu.Lock()
		h, exists := s.eventHandlers[cfg.EventType]
		if !exists {
			h = &eventHandler{schedules: make([]*Config, 0)}
			s.eventHandlers[cfg.EventType] = h
		}
		h.schedules = append(h.schedules, cfg)
		s.schedules[cfg.WorkflowName] = cfg
		s.mu.Unlock()
		s.logger.Info("event trigger added", "workflow", cfg.WorkflowName, "event_type", cfg.EventType)

	default:
		return fmt.Errorf("either cron_expr or event_type must be specified")
	}
	return nil
}

// RemoveSchedule unregisters a workflow's cron entry and/or event handlers.
func (s *Scheduler) RemoveSchedule(workflowName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.cronEntries[workflowName]; ok {
		s.cron.Remove(entryID)
		delete(s.cronEntries, workflowName)
	}
	for eventType, h := range s.eventHandlers {
		kept := h.schedules[:0]
		for _, cfg := range h.schedules {
			if cfg.WorkflowName != workflowName {
				kept = append(kept, cfg)
			}
		}
		h.schedules = kept
		if len(h.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	delete(s.schedules, workflowName)
}

// TriggerEvent processes an incoming event, firing every enabled,
// filter-matching, concurrency-available schedule registered for eventType.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]interface{}) {
	ctx, span := s.tracer.Start(ctx, "trigger.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	h, exists := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !exists {
		return
	}
	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, cfg := range h.schedules {
		if !cfg.Enabled {
			continue
		}
		if !matchesFilter(eventData, cfg.EventFilter) {
			continue
		}
		h.mu.Lock()
		if cfg.MaxConcurrent > 0 && h.running >= cfg.MaxConcurrent {
			h.mu.Unlock()
			s.logger.Warn("max concurrent executions reached", "workflow", cfg.WorkflowName, "max", cfg.MaxConcurrent)
			continue
		}
		h.running++
		h.lastTrigger = time.Now()
		h.mu.Unlock()

		go func(cfg *Config) {
			defer func() {
				h.mu.Lock()
				h.running--
				h.mu.Unlock()
			}()
			fireCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				fireCtx, cancel = context.WithTimeout(fireCtx, cfg.Timeout)
				defer cancel()
			}
			s.fire(fireCtx, cfg)
		}(cfg)
	}
}

func (s *Scheduler) fire(ctx context.Context, cfg *Config) {
	ctx, span := s.tracer.Start(ctx, "trigger.fire", trace.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
	defer span.End()

	s.mu.RLock()
	tpl, ok := s.templates[cfg.WorkflowName]
	s.mu.RUnlock()
	if !ok {
		s.logger.Error("template vanished", "workflow", cfg.WorkflowName)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
		return
	}

	start := time.Now()
	runID, err := s.starter.InitWorkflow(ctx, tpl.Tasks, tpl.Metadata, "trigger:"+cfg.WorkflowName)
	if err != nil {
		s.logger.Error("triggered init_workflow failed", "workflow", cfg.WorkflowName, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
		return
	}
	if err := s.starter.StartWorkflow(ctx, runID); err != nil {
		s.logger.Error("triggered start_workflow failed", "workflow", cfg.WorkflowName, "run_id", runID, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
		return
	}

	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
	s.logger.Info("triggered workflow started", "workflow", cfg.WorkflowName, "run_id", runID, "duration_ms", time.Since(start).Milliseconds())
}

func matchesFilter(eventData, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	for key, expected := range filter {
		actual, exists := eventData[key]
		if !exists {
			return false
		}
		if fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}

// Stats reports a snapshot of registered schedules, mirroring the
// teacher's GetScheduleStats.
type Stats struct {
	CronEntries    int
	EventHandlers  int
	TotalSchedules int
}

// GetScheduleStats returns a snapshot of schedule counts.
func (s *Scheduler) GetScheduleStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		CronEntries:    len(s.cronEntries),
		EventHandlers:  len(s.eventHandlers),
		TotalSchedules: len(s.schedules),
	}
}

// ListSchedules returns every registered schedule configuration.
func (s *Scheduler) ListSchedules() []*Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Config, 0, len(s.schedules))
	for _, cfg := range s.schedules {
		out = append(out, cfg)
	}
	return out
}
