package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetgraph/orchestrator/internal/config"
	"github.com/fleetgraph/orchestrator/internal/coordinator"
	"github.com/fleetgraph/orchestrator/internal/model"
)

func newTestEngine(t *testing.T, agentURL string) *Engine {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Store.Backend = "memory"
	cfg.Events.Backend = "memory"
	cfg.Worker.EnabledAgents = []string{"scraper"}
	cfg.Worker.AgentURLs = map[string]string{"scraper": agentURL}
	cfg.Worker.MaxWorkersPerAgent = map[string]int{"scraper": 1}
	cfg.Worker.PollIntervalS = 0.01
	cfg.Worker.TaskTimeoutS = 2
	cfg.Retry.PollIntervalS = 0.05

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestEngineRunsLinearWorkflowEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{"ok": true}})
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	e.Start(ctx)

	defs := []coordinator.TaskDefinition{
		{TaskID: "a", Agent: "scraper", Action: "fetch"},
		{TaskID: "b", Agent: "scraper", Action: "parse", DependsOn: []string{"a"}},
	}
	runID, err := e.InitWorkflow(ctx, defs, nil, "client-1")
	if err != nil {
		t.Fatalf("init workflow: %v", err)
	}
	if err := e.StartWorkflow(ctx, runID); err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		status, err := e.GetWorkflowStatus(ctx, runID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if status.WorkflowStatus == model.WorkflowCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workflow did not complete in time, last status: %+v", status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEngineCancelWorkflowDrainsQueuedWork(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{}})
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	e.Start(ctx)

	defs := []coordinator.TaskDefinition{
		{TaskID: "a", Agent: "scraper", Action: "fetch"},
		{TaskID: "b", Agent: "scraper", Action: "fetch"},
	}
	runID, err := e.InitWorkflow(ctx, defs, nil, "client-1")
	if err != nil {
		t.Fatalf("init workflow: %v", err)
	}
	if err := e.StartWorkflow(ctx, runID); err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := e.CancelWorkflow(ctx, runID, "operator request", false, "test"); err != nil {
		t.Fatalf("cancel workflow: %v", err)
	}

	status, err := e.GetWorkflowStatus(ctx, runID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.WorkflowStatus != model.WorkflowCancelling {
		t.Fatalf("expected CANCELLING after a graceful cancel, got %s", status.WorkflowStatus)
	}

	// The single worker's in-flight call is still blocked on "a"; "b" was
	// drained off the queue straight to CANCELLED. Unblocking the call lets
	// the worker's post-call fence check discard the result and report
	// "a" CANCELLED too, which should flip the workflow the rest of the way
	// to CANCELLED without any further operator action.
	close(blocked)

	deadline := time.After(2 * time.Second)
	for {
		status, err := e.GetWorkflowStatus(ctx, runID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if status.WorkflowStatus == model.WorkflowCancelled {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workflow did not reach CANCELLED after its last task drained, last status: %+v", status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestListCancelledFiltersByClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{}})
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	ctx := context.Background()

	runA, _ := e.InitWorkflow(ctx, []coordinator.TaskDefinition{{TaskID: "a", Agent: "scraper"}}, nil, "tenant-a")
	runB, _ := e.InitWorkflow(ctx, []coordinator.TaskDefinition{{TaskID: "a", Agent: "scraper"}}, nil, "tenant-b")
	_ = e.StartWorkflow(ctx, runA)
	_ = e.StartWorkflow(ctx, runB)
	_ = e.CancelWorkflow(ctx, runA, "test", true, "test")
	_ = e.CancelWorkflow(ctx, runB, "test", true, "test")

	only, err := e.ListCancelled(ctx, 10, 0, "tenant-a")
	if err != nil {
		t.Fatalf("list cancelled: %v", err)
	}
	if len(only) != 1 || only[0].RunID != runA {
		t.Fatalf("expected only tenant-a's run, got %+v", only)
	}
}
