package api

import (
	"context"
	"time"
)

// StepFilter narrows ListSteps. Zero values match everything.
type StepFilter struct {
	WorkflowID string
	State      StepState
	Limit      int
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Limit int
}

// Engine is the high-level engine API.
//
// Steps are executed one at a time in global (ScheduledFor, Seq) order. Each
// call to ProcessOne claims at most one eligible step, runs it and persists
// the result before returning.
type Engine interface {
	// RegisterHandler binds a handler to a step name. Registering the same
	// name twice replaces the previous handler.
	RegisterHandler(name string, h Handler) error

	// CreateWorkflow persists a workflow and its chain of steps atomically.
	// The first step is PENDING and eligible immediately; the rest are
	// BLOCKED. The returned workflow is a snapshot; use GetWorkflow to
	// observe progress.
	CreateWorkflow(ctx context.Context, goal string, specs []StepSpec) (*Workflow, error)

	// Submit asks the configured Planner for a plan and creates a workflow
	// from it.
	Submit(ctx context.Context, goal string) (*Workflow, error)

	// ProcessOne claims and executes at most one eligible step. It reports
	// whether a step was processed. Handler failures are recorded on the step
	// and do not produce an error; only storage failures do.
	ProcessOne(ctx context.Context) (bool, error)

	// Recover returns every RUNNING step to PENDING and repairs chains left
	// without a runnable step. It must run before any worker starts, on a
	// single process. It returns the number of steps it touched.
	Recover(ctx context.Context) (int, error)

	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, f WorkflowFilter) ([]*Workflow, error)
	GetStep(ctx context.Context, id string) (*Step, error)
	ListSteps(ctx context.Context, f StepFilter) ([]*Step, error)
}

// Clock abstracts time for the engine.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
