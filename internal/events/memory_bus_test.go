package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusDeliversWildcardSubscription(t *testing.T) {
	bus := NewMemoryBus()
	received := make(chan Event, 1)
	bus.Subscribe(WildcardSubject("run-1"), func(_ context.Context, ev Event) {
		received <- ev
	})

	err := bus.Publish(context.Background(), Subject("run-1", TaskSuccess), Event{
		Type:   TaskSuccess,
		RunID:  "run-1",
		TaskID: "t1",
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case ev := <-received:
		if ev.TaskID != "t1" {
			t.Fatalf("expected task t1, got %s", ev.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler was not invoked")
	}
}

func TestMemoryBusIgnoresUnrelatedRun(t *testing.T) {
	bus := NewMemoryBus()
	received := make(chan Event, 1)
	bus.Subscribe(WildcardSubject("run-1"), func(_ context.Context, ev Event) {
		received <- ev
	})

	_ = bus.Publish(context.Background(), Subject("run-2", TaskSuccess), Event{Type: TaskSuccess, RunID: "run-2"})

	select {
	case <-received:
		t.Fatalf("handler should not fire for a different run_id")
	case <-time.After(50 * time.Millisecond):
	}
}
