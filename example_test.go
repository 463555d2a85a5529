package stepwise_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/stepwise"
)

func Example() {
	ctx := context.Background()

	eng := stepwise.NewInMemoryEngine()
	_ = eng.RegisterHandler("pick_city", stepwise.HandlerFunc(func(ctx context.Context, req stepwise.StepRequest) (stepwise.StepResult, error) {
		return stepwise.StepResult{
			Output: stepwise.Text{Value: "picked"},
			Patch:  stepwise.Context{"city": stepwise.Text{Value: "Lisbon"}},
		}, nil
	}))
	_ = eng.RegisterHandler("postcard", stepwise.HandlerFunc(func(ctx context.Context, req stepwise.StepRequest) (stepwise.StepResult, error) {
		city := req.Context["city"].(stepwise.Text).Value
		return stepwise.StepResult{Output: stepwise.Text{Value: "Greetings from " + city}}, nil
	}))

	wf, err := stepwise.NewPlan("send a postcard").
		Step("pick_city", "").
		Step("postcard", "").
		Create(ctx, eng)
	if err != nil {
		log.Fatal(err)
	}

	n, err := stepwise.Drain(ctx, eng)
	if err != nil {
		log.Fatal(err)
	}

	steps, _ := eng.ListSteps(ctx, stepwise.StepFilter{WorkflowID: wf.ID})
	fmt.Println(n, steps[1].Output.(stepwise.Text).Value)
	// Output: 2 Greetings from Lisbon
}

// ExamplePlanBuilder_Wait shows a wait step deferring its successor.
func ExamplePlanBuilder_Wait() {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	eng := stepwise.NewInMemoryEngine(
		stepwise.WithClock(stepwise.ClockFunc(func() time.Time { return now })),
		stepwise.WithDefaultHandler(stepwise.HandlerFunc(func(ctx context.Context, req stepwise.StepRequest) (stepwise.StepResult, error) {
			return stepwise.StepResult{}, nil
		})),
	)

	wf, _ := stepwise.NewPlan("nap").
		Step("yawn", "").
		Wait(90 * time.Minute).
		Step("wake_up", "").
		Create(ctx, eng)

	n, _ := stepwise.Drain(ctx, eng)
	steps, _ := eng.ListSteps(ctx, stepwise.StepFilter{WorkflowID: wf.ID})
	fmt.Println(n, steps[2].State, steps[2].ScheduledFor.Format(time.Kitchen))
	// Output: 2 PENDING 9:30AM
}
