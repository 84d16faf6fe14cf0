package priority

import (
	"testing"
	"time"

	"github.com/fleetgraph/orchestrator/internal/model"
)

func fixedERT(agent, action string) (float64, float64) { return 60, 60 }

func TestDequeuePriorityOrdering(t *testing.T) {
	s := NewScheduler(DefaultWeights(), 60, fixedERT)

	for i := 0; i < 10; i++ {
		s.Enqueue(&model.Task{RunID: "w1", TaskID: taskName("w1", i), Agent: "X", UserPriority: 0.9})
	}
	for i := 0; i < 10; i++ {
		s.Enqueue(&model.Task{RunID: "w2", TaskID: taskName("w2", i), Agent: "X", UserPriority: 0.1})
	}

	for i := 0; i < 10; i++ {
		task, ok := s.Dequeue("X")
		if !ok {
			t.Fatalf("expected a task at position %d", i)
		}
		if task.RunID != "w1" {
			t.Fatalf("expected w1 tasks to dequeue first, got %s at position %d", task.RunID, i)
		}
	}
	for i := 0; i < 10; i++ {
		task, ok := s.Dequeue("X")
		if !ok {
			t.Fatalf("expected a w2 task at position %d", i)
		}
		if task.RunID != "w2" {
			t.Fatalf("expected w2 after w1 exhausted, got %s", task.RunID)
		}
	}
}

func TestDequeueAgentFilter(t *testing.T) {
	s := NewScheduler(DefaultWeights(), 60, fixedERT)
	s.Enqueue(&model.Task{RunID: "w1", TaskID: "a1", Agent: "A"})
	s.Enqueue(&model.Task{RunID: "w1", TaskID: "b1", Agent: "B"})

	task, ok := s.Dequeue("B")
	if !ok || task.Agent != "B" {
		t.Fatalf("expected to dequeue agent B's task, got %+v ok=%v", task, ok)
	}
	if _, ok := s.Dequeue("B"); ok {
		t.Fatalf("expected agent B's queue to be empty")
	}
	task, ok = s.Dequeue("")
	if !ok || task.Agent != "A" {
		t.Fatalf("expected remaining task for agent A, got %+v", task)
	}
}

func TestEachTaskDequeuedAtMostOnce(t *testing.T) {
	s := NewScheduler(DefaultWeights(), 60, fixedERT)
	for i := 0; i < 5; i++ {
		s.Enqueue(&model.Task{RunID: "w1", TaskID: taskName("w1", i), Agent: "X"})
	}
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		task, ok := s.Dequeue("")
		if !ok {
			t.Fatalf("expected task at i=%d", i)
		}
		if seen[task.TaskID] {
			t.Fatalf("task %s dequeued twice", task.TaskID)
		}
		seen[task.TaskID] = true
	}
	if _, ok := s.Dequeue(""); ok {
		t.Fatalf("expected empty queue after draining all 5")
	}
}

func TestRemoveExcisesQueuedTask(t *testing.T) {
	s := NewScheduler(DefaultWeights(), 60, fixedERT)
	s.Enqueue(&model.Task{RunID: "w1", TaskID: "t1", Agent: "X"})
	s.Enqueue(&model.Task{RunID: "w1", TaskID: "t2", Agent: "X"})

	if !s.Remove("w1", "t1") {
		t.Fatalf("expected removal to succeed")
	}
	if s.QueueSize() != 1 {
		t.Fatalf("expected queue size 1, got %d", s.QueueSize())
	}
	task, ok := s.Dequeue("")
	if !ok || task.TaskID != "t2" {
		t.Fatalf("expected t2 remaining, got %+v", task)
	}
}

func TestUrgencyPreemptsApproachingDeadline(t *testing.T) {
	s := NewScheduler(DefaultWeights(), 60, fixedERT)
	soon := time.Now().Add(2 * time.Second)
	s.Enqueue(&model.Task{RunID: "w1", TaskID: "far", Agent: "X"})
	s.Enqueue(&model.Task{RunID: "w1", TaskID: "urgent", Agent: "X", Deadline: &soon})

	task, ok := s.Dequeue("X")
	if !ok || task.TaskID != "urgent" {
		t.Fatalf("expected the near-deadline task first, got %+v", task)
	}
}

func taskName(run string, i int) string {
	return run + "-t" + string(rune('a'+i))
}
