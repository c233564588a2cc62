package run

import (
	"context"
	"testing"
	"time"

	"github.com/nightshift-dev/nightshift/internal/stage"
	"github.com/nightshift-dev/nightshift/internal/task"
)

// TestLoopProcessesWorkUntilCancelled polls until the deadline and exits
// cleanly.
func TestLoopProcessesWorkUntilCancelled(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.createTask(t, task.Task{ID: "42"})

	loop, err := NewLoop(h.orchestrator, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if h.mustGet(t, "42").Stage == stage.StageReady {
		t.Fatal("expected the loop to admit the task")
	}
}

// TestLoopRejectsInvalidWiring validates constructor arguments.
func TestLoopRejectsInvalidWiring(t *testing.T) {
	if _, err := NewLoop(nil, time.Minute); err == nil {
		t.Fatal("expected error for nil orchestrator")
	}
	h := newHarness(t, defaultLimits())
	if _, err := NewLoop(h.orchestrator, 0); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
