package otelobserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petrijr/stepwise"
	"github.com/petrijr/stepwise/pkg/api"
)

type harness struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	obs    *Observer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	obs, err := New(tp, mp)
	require.NoError(t, err)
	return &harness{spans: sr, reader: reader, obs: obs}
}

// counter sums every data point of the named int64 sum.
func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is %T", name, m.Data)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func (h *harness) histogramCount(t *testing.T, name string) uint64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))

	var total uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if hist, ok := m.Data.(metricdata.Histogram[float64]); ok && m.Name == name {
				for _, dp := range hist.DataPoints {
					total += dp.Count
				}
			}
		}
	}
	return total
}

func TestObserver_EngineRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	eng := stepwise.NewInMemoryEngine(stepwise.WithObserver(h.obs))
	require.NoError(t, eng.RegisterHandler("ok", api.HandlerFunc(func(ctx context.Context, req api.StepRequest) (api.StepResult, error) {
		return api.StepResult{}, nil
	})))
	require.NoError(t, eng.RegisterHandler("bad", api.HandlerFunc(func(ctx context.Context, req api.StepRequest) (api.StepResult, error) {
		return api.StepResult{}, errors.New("no rooms left")
	})))

	_, err := stepwise.NewPlan("traced").Step("ok", "a").Wait(0).Step("bad", "b").Step("ok", "c").Create(ctx, eng)
	require.NoError(t, err)
	_, err = stepwise.Drain(ctx, eng)
	require.NoError(t, err)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range h.spans.Ended() {
		byName[s.Name()] = s
	}

	require.Contains(t, byName, "workflow.create")
	require.Contains(t, byName, "step.ok")
	require.Contains(t, byName, "step.WAIT:0")
	require.Contains(t, byName, "step.bad")
	assert.Len(t, h.spans.Ended(), 4, "the step after the failure never runs")

	assert.Equal(t, codes.Ok, byName["step.ok"].Status().Code)
	assert.Equal(t, codes.Error, byName["step.bad"].Status().Code)
	require.NotEmpty(t, byName["step.bad"].Events())
	assert.Equal(t, "exception", byName["step.bad"].Events()[0].Name)

	var hasUntil bool
	for _, kv := range byName["step.WAIT:0"].Attributes() {
		if kv.Key == "stepwise.wait.until" {
			hasUntil = true
		}
	}
	assert.True(t, hasUntil)

	assert.EqualValues(t, 1, h.counter(t, "stepwise.workflows.created"))
	assert.EqualValues(t, 3, h.counter(t, "stepwise.steps.claimed"))
	assert.EqualValues(t, 2, h.counter(t, "stepwise.steps.completed"))
	assert.EqualValues(t, 1, h.counter(t, "stepwise.steps.failed"))
	assert.EqualValues(t, 2, h.counter(t, "stepwise.steps.unblocked"))
	assert.EqualValues(t, 3, h.histogramCount(t, "stepwise.step.duration"))
}

func TestObserver_RecoveredAndAbandon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	step := &api.Step{ID: "s1", WorkflowID: "w1", Name: "stuck", State: api.StepRunning}
	h.obs.OnStepClaimed(ctx, step)
	h.obs.OnRecovered(ctx, 3)

	assert.Equal(t, 1, h.obs.Abandon())
	assert.Equal(t, 0, h.obs.Abandon())
	assert.EqualValues(t, 3, h.counter(t, "stepwise.steps.recovered"))

	ended := h.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	// A completion for an unknown step only touches metrics.
	h.obs.OnStepCompleted(ctx, &api.Step{ID: "unknown", Name: "x"}, time.Millisecond)
	assert.Len(t, h.spans.Ended(), 1)
}

func TestObserver_ReclaimEndsStaleSpan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The first run died on a store error; recovery hands the step out again.
	step := &api.Step{ID: "s1", WorkflowID: "w1", Name: "book_hotel", State: api.StepRunning}
	h.obs.OnStepClaimed(ctx, step)
	h.obs.OnStepClaimed(ctx, step)

	ended := h.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "reclaimed", ended[0].Status().Description)

	h.obs.OnStepCompleted(ctx, step, time.Millisecond)
	ended = h.spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Ok, ended[1].Status().Code)
	assert.Equal(t, 0, h.obs.Abandon())
}

func TestNew_GlobalProviders(t *testing.T) {
	obs, err := New(nil, nil)
	require.NoError(t, err)
	obs.OnStepClaimed(context.Background(), &api.Step{ID: "x", Name: "y"})
	obs.OnStepCompleted(context.Background(), &api.Step{ID: "x", Name: "y"}, time.Second)
}
