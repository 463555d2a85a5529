package stepwise

import (
	"context"
	"fmt"
	"time"
)

// PlanBuilder provides a fluent API for assembling a workflow by hand:
//
//	wf, err := stepwise.NewPlan("weekend in Lisbon").
//	    Step("search_flights", "flight-agent").
//	    Wait(5 * time.Second).
//	    Step("book_hotel", "hotel-agent").
//	    Create(ctx, engine)
//
// Use it when there is no Planner, or to build fixtures in tests.
type PlanBuilder struct {
	goal  string
	specs []StepSpec
}

// NewPlan starts a plan for goal.
func NewPlan(goal string) *PlanBuilder {
	return &PlanBuilder{goal: goal}
}

// Goal returns the goal the plan was started with.
func (b *PlanBuilder) Goal() string {
	return b.goal
}

// Step appends a handler-executed step.
func (b *PlanBuilder) Step(name, agent string) *PlanBuilder {
	if name == "" {
		panic("stepwise: step name must not be empty")
	}
	b.specs = append(b.specs, TaskSpec(name, agent))
	return b
}

// Wait appends a step that defers the next step by d.
func (b *PlanBuilder) Wait(d time.Duration) *PlanBuilder {
	if d < 0 {
		panic(fmt.Sprintf("stepwise: negative wait %v", d))
	}
	b.specs = append(b.specs, WaitSpec(d))
	return b
}

// Planned appends steps in the (name, agent) form a Planner produces,
// including "WAIT:<millis>" names.
func (b *PlanBuilder) Planned(steps ...PlannedStep) *PlanBuilder {
	for _, p := range steps {
		spec, err := ParseStepSpec(p.Name, p.Agent)
		if err != nil {
			panic(fmt.Sprintf("stepwise: %v", err))
		}
		b.specs = append(b.specs, spec)
	}
	return b
}

// Specs returns a copy of the steps added so far.
func (b *PlanBuilder) Specs() []StepSpec {
	return append([]StepSpec(nil), b.specs...)
}

// Create persists the plan as a new workflow on eng.
func (b *PlanBuilder) Create(ctx context.Context, eng Engine) (*Workflow, error) {
	return eng.CreateWorkflow(ctx, b.goal, b.Specs())
}

// AsPlanner returns a Planner that ignores its goal and always returns this
// plan. Handy for wiring a fixed plan into Submit.
func (b *PlanBuilder) AsPlanner() Planner {
	specs := b.Specs()
	return PlannerFunc(func(ctx context.Context, goal string) ([]PlannedStep, error) {
		out := make([]PlannedStep, len(specs))
		for i, s := range specs {
			out[i] = PlannedStep{Name: s.Name, Agent: s.Agent}
		}
		return out, nil
	})
}
