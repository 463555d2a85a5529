package api

import "context"

// StepRequest is everything a handler gets to see about the step it runs.
type StepRequest struct {
	WorkflowID string
	Goal       string
	StepID     string
	StepName   string
	Agent      string

	// Context is a copy of the workflow context at claim time. Mutating it
	// has no effect; return a Patch instead.
	Context Context
}

// StepResult is a successful handler outcome.
type StepResult struct {
	Output Payload

	// Patch is merged into the workflow context. Keys that already exist are
	// left untouched, so later steps can reuse upstream results.
	Patch Context
}

// Handler executes the domain logic of a step. It may be slow and it may
// fail; the engine treats it as opaque. Handlers may be invoked more than
// once for the same step if the process dies mid-step, so side effects should
// be idempotent.
type Handler interface {
	Execute(ctx context.Context, req StepRequest) (StepResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req StepRequest) (StepResult, error)

func (f HandlerFunc) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	return f(ctx, req)
}

// Planner turns a free-form goal into an ordered list of steps.
type Planner interface {
	Plan(ctx context.Context, goal string) ([]PlannedStep, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, goal string) ([]PlannedStep, error)

func (f PlannerFunc) Plan(ctx context.Context, goal string) ([]PlannedStep, error) {
	return f(ctx, goal)
}
