package stepwise

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/stepwise/pkg/worker"
)

// TestLocalRunner_RunsSubmittedWorkflows verifies that workflows submitted to a
// started LocalRunner are driven to completion by its workers.
func TestLocalRunner_RunsSubmittedWorkflows(t *testing.T) {
	var calls atomic.Int32
	counting := HandlerFunc(func(ctx context.Context, req StepRequest) (StepResult, error) {
		calls.Add(1)
		return StepResult{}, nil
	})

	planner := NewPlan("").Step("one", "").Wait(10 * time.Millisecond).Step("two", "").AsPlanner()
	runner := NewLocalRunner(WithPlanner(planner), WithDefaultHandler(counting)).
		WithWorkerConfig(worker.Config{PollInterval: 5 * time.Millisecond})

	ctx := context.Background()
	if err := runner.StartWorkers(ctx, 2); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	defer runner.Stop()

	if err := runner.StartWorkers(ctx, 1); err == nil {
		t.Fatalf("expected error when starting twice")
	}

	var ids []string
	for range 3 {
		wf, err := runner.Submit(ctx, "count")
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, wf.ID)
	}
	wf, err := runner.Create(ctx, NewPlan("by hand").Step("three", ""))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ids = append(ids, wf.ID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		done := 0
		for _, id := range ids {
			sum, err := Progress(ctx, runner.Engine, id)
			if err != nil {
				t.Fatalf("Progress failed: %v", err)
			}
			if sum.Counts[StepCompleted] == sum.Total {
				done++
			}
		}
		if done == len(ids) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d workflows completed", done, len(ids))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := calls.Load(); got != 7 {
		t.Fatalf("expected 7 handler calls, got %d", got)
	}
}

func TestLocalRunner_StopIsIdempotent(t *testing.T) {
	runner := NewLocalRunner()
	runner.Stop()

	if err := runner.StartWorkers(context.Background(), 0); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	runner.Stop()
	runner.Stop()

	// A stopped runner can be started again.
	if err := runner.StartWorkers(context.Background(), 1); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	runner.Stop()
}
