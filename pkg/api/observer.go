package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay step execution.
type Observer interface {
	// OnWorkflowCreated is called after a workflow and its steps were stored.
	OnWorkflowCreated(ctx context.Context, wf *Workflow, steps []*Step)

	// OnStepClaimed is called after a step moved to RUNNING and before its
	// handler runs.
	OnStepClaimed(ctx context.Context, step *Step)

	// OnStepCompleted is called once a step was persisted as COMPLETED.
	OnStepCompleted(ctx context.Context, step *Step, d time.Duration)

	// OnStepFailed is called once a step was persisted as FAILED.
	OnStepFailed(ctx context.Context, step *Step, err error, d time.Duration)

	// OnStepUnblocked is called when a BLOCKED step becomes PENDING.
	OnStepUnblocked(ctx context.Context, step *Step)

	// OnRecovered is called after Recover with the number of steps touched.
	OnRecovered(ctx context.Context, n int)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowCreated(context.Context, *Workflow, []*Step)     {}
func (NoopObserver) OnStepClaimed(context.Context, *Step)                      {}
func (NoopObserver) OnStepCompleted(context.Context, *Step, time.Duration)     {}
func (NoopObserver) OnStepFailed(context.Context, *Step, error, time.Duration) {}
func (NoopObserver) OnStepUnblocked(context.Context, *Step)                    {}
func (NoopObserver) OnRecovered(context.Context, int)                          {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowCreated(ctx context.Context, wf *Workflow, steps []*Step) {
	for _, o := range c.observers {
		o.OnWorkflowCreated(ctx, wf, steps)
	}
}

func (c *CompositeObserver) OnStepClaimed(ctx context.Context, step *Step) {
	for _, o := range c.observers {
		o.OnStepClaimed(ctx, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, step *Step, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, step, d)
	}
}

func (c *CompositeObserver) OnStepFailed(ctx context.Context, step *Step, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepFailed(ctx, step, err, d)
	}
}

func (c *CompositeObserver) OnStepUnblocked(ctx context.Context, step *Step) {
	for _, o := range c.observers {
		o.OnStepUnblocked(ctx, step)
	}
}

func (c *CompositeObserver) OnRecovered(ctx context.Context, n int) {
	for _, o := range c.observers {
		o.OnRecovered(ctx, n)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowCreated(ctx context.Context, wf *Workflow, steps []*Step) {
	o.Logger.InfoContext(ctx, "workflow_created",
		slog.String("workflow_id", wf.ID),
		slog.String("goal", wf.Goal),
		slog.Int("steps", len(steps)),
	)
}

func (o *LoggingObserver) OnStepClaimed(ctx context.Context, step *Step) {
	o.Logger.DebugContext(ctx, "step_claimed",
		slog.String("workflow_id", step.WorkflowID),
		slog.String("step_id", step.ID),
		slog.String("step", step.Name),
		slog.Int64("seq", step.Seq),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, step *Step, d time.Duration) {
	o.Logger.InfoContext(ctx, "step_completed",
		slog.String("workflow_id", step.WorkflowID),
		slog.String("step_id", step.ID),
		slog.String("step", step.Name),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnStepFailed(ctx context.Context, step *Step, err error, d time.Duration) {
	o.Logger.ErrorContext(ctx, "step_failed",
		slog.String("workflow_id", step.WorkflowID),
		slog.String("step_id", step.ID),
		slog.String("step", step.Name),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepUnblocked(ctx context.Context, step *Step) {
	o.Logger.DebugContext(ctx, "step_unblocked",
		slog.String("workflow_id", step.WorkflowID),
		slog.String("step_id", step.ID),
		slog.String("step", step.Name),
		slog.Time("scheduled_for", step.ScheduledFor),
	)
}

func (o *LoggingObserver) OnRecovered(ctx context.Context, n int) {
	o.Logger.InfoContext(ctx, "recovered",
		slog.Int("steps", n),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsCreated  atomic.Int64
	stepsClaimed      atomic.Int64
	stepsCompleted    atomic.Int64
	stepsFailed       atomic.Int64
	stepsRecovered    atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsCreated int64

	StepsClaimed   int64
	StepsCompleted int64
	StepsFailed    int64
	StepsRecovered int64

	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowCreated(ctx context.Context, wf *Workflow, steps []*Step) {
	m.workflowsCreated.Add(1)
}

func (m *BasicMetrics) OnStepClaimed(ctx context.Context, step *Step) {
	m.stepsClaimed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, step *Step, d time.Duration) {
	// Only successful steps count towards the average duration.
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnStepFailed(ctx context.Context, step *Step, err error, d time.Duration) {
	m.stepsFailed.Add(1)
}

func (m *BasicMetrics) OnRecovered(ctx context.Context, n int) {
	m.stepsRecovered.Add(int64(n))
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	completed := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(totalNs / completed)
	}

	return BasicMetricsSnapshot{
		WorkflowsCreated: m.workflowsCreated.Load(),
		StepsClaimed:     m.stepsClaimed.Load(),
		StepsCompleted:   completed,
		StepsFailed:      m.stepsFailed.Load(),
		StepsRecovered:   m.stepsRecovered.Load(),
		AvgStepDuration:  avg,
	}
}
