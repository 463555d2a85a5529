package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepwise/internal/persistence"
	"github.com/petrijr/stepwise/pkg/api"
)

// engineImpl is the scheduler object. It holds no execution state of its
// own: everything it needs to resume lives in the store.
type engineImpl struct {
	store    persistence.Store
	handlers *handlerRegistry
	planner  api.Planner
	observer api.Observer
	logger   *slog.Logger
	clock    api.Clock
	newID    func() string
}

// Config describes how to construct an engineImpl.
// External callers use the helpers in the stepwise package.
type Config struct {
	Store persistence.Store

	// Planner is used by Submit. Optional.
	Planner api.Planner

	// DefaultHandler runs steps whose name has no registered handler.
	// Without one such steps fail with api.ErrNoHandler.
	DefaultHandler api.Handler

	Observer api.Observer
	Logger   *slog.Logger
	Clock    api.Clock

	// IDGenerator overrides how workflow and step IDs are made.
	IDGenerator func() string
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = api.SystemClock{}
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	return &engineImpl{
		store:    cfg.Store,
		handlers: newHandlerRegistry(cfg.DefaultHandler),
		planner:  cfg.Planner,
		observer: obs,
		logger:   logger,
		clock:    clock,
		newID:    newID,
	}
}

// NewEngine returns an Engine over store with default settings.
func NewEngine(store persistence.Store) api.Engine {
	return NewEngineWithConfig(Config{Store: store})
}

func (e *engineImpl) RegisterHandler(name string, h api.Handler) error {
	return e.handlers.Register(name, h)
}

func (e *engineImpl) CreateWorkflow(ctx context.Context, goal string, specs []api.StepSpec) (*api.Workflow, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: workflow has no steps", api.ErrInvalidPlan)
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}

	now := e.clock.Now()
	wf := &api.Workflow{
		ID:        e.newID(),
		Goal:      goal,
		Status:    api.WorkflowActive,
		Context:   api.Context{},
		CreatedAt: now,
	}

	steps := make([]*api.Step, len(specs))
	for i, spec := range specs {
		kind := spec.Kind
		if kind == "" {
			kind = api.StepKindTask
		}
		state := api.StepBlocked
		if i == 0 {
			state = api.StepPending
		}
		steps[i] = &api.Step{
			ID:           e.newID(),
			WorkflowID:   wf.ID,
			Name:         spec.Name,
			Kind:         kind,
			Wait:         spec.Wait,
			Agent:        spec.Agent,
			State:        state,
			ScheduledFor: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	if err := e.store.CreateWorkflow(ctx, wf, steps); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	e.observer.OnWorkflowCreated(ctx, wf, steps)
	return wf.Clone(), nil
}

func (e *engineImpl) Submit(ctx context.Context, goal string) (*api.Workflow, error) {
	if e.planner == nil {
		return nil, api.ErrNoPlanner
	}

	planned, err := e.planner.Plan(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", goal, err)
	}

	specs := make([]api.StepSpec, 0, len(planned))
	for _, p := range planned {
		spec, err := api.ParseStepSpec(p.Name, p.Agent)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return e.CreateWorkflow(ctx, goal, specs)
}

// ProcessOne runs one claim -> execute -> unblock-next iteration.
func (e *engineImpl) ProcessOne(ctx context.Context) (bool, error) {
	step, err := e.store.ClaimNextEligible(ctx, e.clock.Now())
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if step == nil {
		return false, nil
	}

	e.observer.OnStepClaimed(ctx, step)
	return true, e.execute(ctx, step)
}

// execute drives a claimed step to COMPLETED or FAILED. Errors returned from
// here are store errors; the step stays RUNNING and is picked up again by
// Recover on the next start.
func (e *engineImpl) execute(ctx context.Context, step *api.Step) error {
	start := e.clock.Now()
	step.AppendLog(start, "started (agent=%s)", step.Agent)
	step.UpdatedAt = start
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("record start of step %s: %w", step.ID, err)
	}

	if step.Kind == api.StepKindWait {
		return e.completeWait(ctx, step, start)
	}

	wf, err := e.store.GetWorkflow(ctx, step.WorkflowID)
	if errors.Is(err, api.ErrWorkflowNotFound) {
		return e.fail(ctx, step, err, e.clock.Now().Sub(start))
	}
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", step.WorkflowID, err)
	}

	h, ok := e.handlers.Lookup(step.Name)
	if !ok {
		return e.fail(ctx, step, fmt.Errorf("%w for %q", api.ErrNoHandler, step.Name), e.clock.Now().Sub(start))
	}

	res, herr := invoke(ctx, h, api.StepRequest{
		WorkflowID: wf.ID,
		Goal:       wf.Goal,
		StepID:     step.ID,
		StepName:   step.Name,
		Agent:      step.Agent,
		Context:    wf.Context.Clone(),
	})
	if herr != nil {
		return e.fail(ctx, step, herr, e.clock.Now().Sub(start))
	}

	if added := wf.Context.Merge(res.Patch); len(added) > 0 {
		if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("merge context of workflow %s: %w", wf.ID, err)
		}
		step.AppendLog(e.clock.Now(), "context += %v", added)
	}

	step.Output = res.Output
	done := e.clock.Now()
	return e.complete(ctx, step, done, done.Sub(start))
}

// invoke calls the handler, turning a panic into an error.
func invoke(ctx context.Context, h api.Handler, req api.StepRequest) (res api.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &api.PanicError{Value: r}
		}
	}()
	return h.Execute(ctx, req)
}

// latestSchedule is the last instant every store can persist.
var latestSchedule = time.Unix(0, math.MaxInt64).UTC()

// completeWait defers the successor by the step's wait duration and then
// completes the wait step. The deferral and the completion use the same
// instant, so the successor's ScheduledFor is never earlier than
// CompletedAt plus the wait.
func (e *engineImpl) completeWait(ctx context.Context, step *api.Step, start time.Time) error {
	at := e.clock.Now()
	until := at.Add(step.Wait)
	if until.After(latestSchedule) {
		until = latestSchedule
	}

	next, err := e.store.FindNextBlocked(ctx, step.WorkflowID, step.Seq)
	if err != nil {
		return fmt.Errorf("find successor of %s: %w", step.ID, err)
	}
	if next != nil {
		next.ScheduledFor = until
		next.UpdatedAt = at
		next.AppendLog(at, "deferred until %s by %s", until.UTC().Format(time.RFC3339Nano), step.Name)
		if err := e.store.UpdateStep(ctx, next); err != nil {
			return fmt.Errorf("defer step %s: %w", next.ID, err)
		}
	}

	step.Output = api.WaitResult{Until: until}
	return e.complete(ctx, step, at, at.Sub(start))
}

func (e *engineImpl) complete(ctx context.Context, step *api.Step, at time.Time, d time.Duration) error {
	step.State = api.StepCompleted
	step.CompletedAt = at
	step.UpdatedAt = at
	step.AppendLog(at, "completed")
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("complete step %s: %w", step.ID, err)
	}

	e.observer.OnStepCompleted(ctx, step, d)
	return e.unblockNext(ctx, step, at)
}

// fail records a handler-class failure. The successor is left BLOCKED, so
// the workflow stalls here until someone intervenes.
func (e *engineImpl) fail(ctx context.Context, step *api.Step, cause error, d time.Duration) error {
	at := e.clock.Now()
	step.State = api.StepFailed
	step.UpdatedAt = at
	step.AppendLog(at, "failed: %v", cause)
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("fail step %s: %w", step.ID, err)
	}

	e.observer.OnStepFailed(ctx, step, &api.StepError{
		StepID:   step.ID,
		StepName: step.Name,
		Err:      cause,
	}, d)
	return nil
}

// unblockNext makes the nearest BLOCKED successor of done PENDING. A
// ScheduledFor in the past is raised to now; one in the future (set by a
// wait step) is kept.
func (e *engineImpl) unblockNext(ctx context.Context, done *api.Step, now time.Time) error {
	next, err := e.store.FindNextBlocked(ctx, done.WorkflowID, done.Seq)
	if err != nil {
		return fmt.Errorf("find successor of %s: %w", done.ID, err)
	}
	if next == nil {
		e.logger.DebugContext(ctx, "chain_end",
			slog.String("workflow_id", done.WorkflowID),
			slog.String("last_step", done.Name),
		)
		return nil
	}

	if next.ScheduledFor.Before(now) {
		next.ScheduledFor = now
	}
	next.State = api.StepPending
	next.UpdatedAt = now
	next.AppendLog(now, "unblocked after %s, eligible at %s",
		done.Name, next.ScheduledFor.UTC().Format(time.RFC3339Nano))
	if err := e.store.UpdateStep(ctx, next); err != nil {
		return fmt.Errorf("unblock step %s: %w", next.ID, err)
	}

	e.observer.OnStepUnblocked(ctx, next)
	return nil
}

// Recover resets orphaned RUNNING steps and repairs chains that stopped
// between a completion and the unblock of its successor.
//
// Every RUNNING step is assumed orphaned, so Recover must only run while no
// other engine is executing against the same store. Steps whose handler had
// side effects before the crash will run those effects again.
func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	now := e.clock.Now()

	running, err := e.store.ListSteps(ctx, api.StepFilter{State: api.StepRunning})
	if err != nil {
		return 0, fmt.Errorf("list running steps: %w", err)
	}

	n := 0
	for _, st := range running {
		st.State = api.StepPending
		st.ScheduledFor = now
		st.UpdatedAt = now
		st.AppendLog(now, "recovered: reset from RUNNING after restart")
		if err := e.store.UpdateStep(ctx, st); err != nil {
			return n, fmt.Errorf("recover step %s: %w", st.ID, err)
		}
		e.logger.WarnContext(ctx, "step_recovered",
			slog.String("workflow_id", st.WorkflowID),
			slog.String("step_id", st.ID),
			slog.String("step", st.Name),
		)
		n++
	}

	wfs, err := e.store.ListWorkflows(ctx, api.WorkflowFilter{})
	if err != nil {
		return n, fmt.Errorf("list workflows: %w", err)
	}
	for _, wf := range wfs {
		repaired, err := e.repairChain(ctx, wf.ID, now)
		if err != nil {
			return n, err
		}
		if repaired {
			n++
		}
	}

	e.observer.OnRecovered(ctx, n)
	return n, nil
}

// repairChain unblocks the first BLOCKED step of a workflow that has no
// runnable or failed step and whose predecessor is COMPLETED.
func (e *engineImpl) repairChain(ctx context.Context, workflowID string, now time.Time) (bool, error) {
	steps, err := e.store.ListSteps(ctx, api.StepFilter{WorkflowID: workflowID})
	if err != nil {
		return false, fmt.Errorf("list steps of %s: %w", workflowID, err)
	}

	for i, st := range steps {
		switch st.State {
		case api.StepPending, api.StepRunning, api.StepFailed:
			return false, nil
		case api.StepBlocked:
			if i == 0 || steps[i-1].State != api.StepCompleted {
				return false, nil
			}
			e.logger.WarnContext(ctx, "chain_repaired",
				slog.String("workflow_id", workflowID),
				slog.String("step", st.Name),
			)
			return true, e.unblockNext(ctx, steps[i-1], now)
		}
	}
	return false, nil
}

func (e *engineImpl) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

func (e *engineImpl) ListWorkflows(ctx context.Context, f api.WorkflowFilter) ([]*api.Workflow, error) {
	return e.store.ListWorkflows(ctx, f)
}

func (e *engineImpl) GetStep(ctx context.Context, id string) (*api.Step, error) {
	return e.store.GetStep(ctx, id)
}

func (e *engineImpl) ListSteps(ctx context.Context, f api.StepFilter) ([]*api.Step, error) {
	return e.store.ListSteps(ctx, f)
}
