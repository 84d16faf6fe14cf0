package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetgraph/orchestrator/internal/agent"
	"github.com/fleetgraph/orchestrator/internal/events"
	"github.com/fleetgraph/orchestrator/internal/model"
	"github.com/fleetgraph/orchestrator/internal/priority"
	"github.com/fleetgraph/orchestrator/internal/store"
)

func fixedERT(agent, action string) (float64, float64) { return 1, 1 }

func TestWorkerPoolExecutesAndEmitsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{"ok": true}})
	}))
	defer srv.Close()

	backend := store.NewMemoryBackend()
	sched := priority.NewScheduler(priority.DefaultWeights(), 1, fixedERT)
	bus := events.NewMemoryBus()
	client := agent.NewClient(srv.URL, nil, nil)

	task := &model.Task{RunID: "r1", TaskID: "t1", Agent: "X", Action: "scan", Status: model.TaskQueued}
	_ = backend.Records.PutTask(context.Background(), task)
	sched.Enqueue(task)

	captured := make(chan events.Event, 4)
	bus.Subscribe(events.WildcardSubject("r1"), func(_ context.Context, ev events.Event) {
		captured <- ev
	})

	pool := NewPool(Config{Agent: "X", MaxWorkers: 1, TaskTimeout: time.Second, PollInterval: 10 * time.Millisecond},
		sched, backend.Records, backend.Estimates, backend.Cancelled, client, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pool.Start(ctx)

	var sawStarted, sawSuccess bool
	deadline := time.After(time.Second)
	for !sawStarted || !sawSuccess {
		select {
		case ev := <-captured:
			if ev.Type == events.TaskStarted {
				sawStarted = true
			}
			if ev.Type == events.TaskSuccess {
				sawSuccess = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for started=%v success=%v", sawStarted, sawSuccess)
		}
	}
}

func TestWorkerPoolRespectsCancellationFence(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backend := store.NewMemoryBackend()
	sched := priority.NewScheduler(priority.DefaultWeights(), 1, fixedERT)
	bus := events.NewMemoryBus()
	client := agent.NewClient(srv.URL, nil, nil)

	task := &model.Task{RunID: "r1", TaskID: "t1", Agent: "X", Status: model.TaskQueued}
	_ = backend.Records.PutTask(context.Background(), task)
	sched.Enqueue(task)
	_ = backend.Cancelled.Add(context.Background(), "r1", time.Minute)

	captured := make(chan events.Event, 4)
	bus.Subscribe(events.WildcardSubject("r1"), func(_ context.Context, ev events.Event) {
		captured <- ev
	})

	pool := NewPool(Config{Agent: "X", MaxWorkers: 1, TaskTimeout: time.Second, PollInterval: 10 * time.Millisecond},
		sched, backend.Records, backend.Estimates, backend.Cancelled, client, bus)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pool.Start(ctx)

	select {
	case ev := <-captured:
		if ev.Type != events.TaskCancelled {
			t.Fatalf("expected TASK_CANCELLED, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a cancellation event")
	}
	if called {
		t.Fatalf("expected the agent to never be called for a fenced run")
	}
}
