// Package otelobserver reports stepwise engine events to OpenTelemetry: one
// span per step execution plus counters and a step duration histogram.
package otelobserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/stepwise/pkg/api"
)

const instrumentationName = "github.com/petrijr/stepwise"

var _ api.Observer = (*Observer)(nil)

// Observer implements api.Observer on top of an OpenTelemetry tracer and
// meter.
type Observer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span // keyed by step ID

	workflowsCreated metric.Int64Counter
	stepsClaimed     metric.Int64Counter
	stepsCompleted   metric.Int64Counter
	stepsFailed      metric.Int64Counter
	stepsUnblocked   metric.Int64Counter
	stepsRecovered   metric.Int64Counter
	stepDuration     metric.Float64Histogram
}

// New creates an Observer. Nil providers fall back to the global ones.
func New(tp trace.TracerProvider, mp metric.MeterProvider) (*Observer, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	o := &Observer{
		tracer: tp.Tracer(instrumentationName),
		spans:  make(map[string]trace.Span),
	}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&o.workflowsCreated, "stepwise.workflows.created", "Workflows created"},
		{&o.stepsClaimed, "stepwise.steps.claimed", "Steps claimed for execution"},
		{&o.stepsCompleted, "stepwise.steps.completed", "Steps completed"},
		{&o.stepsFailed, "stepwise.steps.failed", "Steps failed"},
		{&o.stepsUnblocked, "stepwise.steps.unblocked", "Steps moved from BLOCKED to PENDING"},
		{&o.stepsRecovered, "stepwise.steps.recovered", "Steps touched by recovery"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
	}

	o.stepDuration, err = meter.Float64Histogram("stepwise.step.duration",
		metric.WithDescription("Step execution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}
	return o, nil
}

func stepAttrs(step *api.Step) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("stepwise.step.name", step.Name),
		attribute.String("stepwise.step.kind", string(step.Kind)),
		attribute.String("stepwise.step.agent", step.Agent),
	}
}

func (o *Observer) OnWorkflowCreated(ctx context.Context, wf *api.Workflow, steps []*api.Step) {
	o.workflowsCreated.Add(ctx, 1)

	_, span := o.tracer.Start(ctx, "workflow.create", trace.WithAttributes(
		attribute.String("stepwise.workflow.id", wf.ID),
		attribute.String("stepwise.workflow.goal", wf.Goal),
		attribute.Int("stepwise.workflow.steps", len(steps)),
	))
	span.End()
}

func (o *Observer) OnStepClaimed(ctx context.Context, step *api.Step) {
	o.stepsClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("stepwise.step.name", step.Name)))

	_, span := o.tracer.Start(ctx, "step."+step.Name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(stepAttrs(step)...),
		trace.WithAttributes(
			attribute.String("stepwise.workflow.id", step.WorkflowID),
			attribute.String("stepwise.step.id", step.ID),
			attribute.Int64("stepwise.step.seq", step.Seq),
		),
	)

	// A step claimed again after recovery never reported its first run.
	o.mu.Lock()
	prev, ok := o.spans[step.ID]
	o.spans[step.ID] = span
	o.mu.Unlock()
	if ok {
		prev.SetStatus(codes.Error, "reclaimed")
		prev.End()
	}
}

func (o *Observer) takeSpan(id string) (trace.Span, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	span, ok := o.spans[id]
	delete(o.spans, id)
	return span, ok
}

func (o *Observer) OnStepCompleted(ctx context.Context, step *api.Step, d time.Duration) {
	attrs := metric.WithAttributes(stepAttrs(step)...)
	o.stepsCompleted.Add(ctx, 1, attrs)
	o.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stepwise.step.name", step.Name),
		attribute.String("stepwise.step.state", string(step.State)),
	))

	if span, ok := o.takeSpan(step.ID); ok {
		if wr, isWait := step.Output.(api.WaitResult); isWait {
			span.SetAttributes(attribute.String("stepwise.wait.until", wr.Until.UTC().Format(time.RFC3339Nano)))
		}
		span.SetStatus(codes.Ok, "step completed")
		span.End()
	}
}

func (o *Observer) OnStepFailed(ctx context.Context, step *api.Step, err error, d time.Duration) {
	o.stepsFailed.Add(ctx, 1, metric.WithAttributes(stepAttrs(step)...))
	o.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stepwise.step.name", step.Name),
		attribute.String("stepwise.step.state", string(step.State)),
	))

	if span, ok := o.takeSpan(step.ID); ok {
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, "step failed")
		span.End()
	}
}

func (o *Observer) OnStepUnblocked(ctx context.Context, step *api.Step) {
	o.stepsUnblocked.Add(ctx, 1)
}

func (o *Observer) OnRecovered(ctx context.Context, n int) {
	o.stepsRecovered.Add(ctx, int64(n))
}

// Abandon ends the spans of steps still in flight, marking them as errors.
// Call it on shutdown so exporters do not lose them.
func (o *Observer) Abandon() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.spans)
	for id, span := range o.spans {
		span.SetStatus(codes.Error, "abandoned")
		span.End()
		delete(o.spans, id)
	}
	return n
}
