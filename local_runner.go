package stepwise

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/stepwise/pkg/worker"
)

// LocalRunner bundles an in-memory Engine and its Workers to provide a simple
// "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := stepwise.NewLocalRunner(stepwise.WithPlanner(planner))
//	_ = runner.Engine.RegisterHandler("search_flights", flights)
//
//	_ = runner.StartWorkers(ctx, 2)
//	wf, _ := runner.Submit(ctx, "weekend in Lisbon")
//	...
//	runner.Stop()
//
// State is lost when the process exits.
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	workerCfg worker.Config

	mu      sync.Mutex
	workers []*worker.Worker
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine.
func NewLocalRunner(opts ...Option) *LocalRunner {
	return &LocalRunner{Engine: NewInMemoryEngine(opts...)}
}

// WithWorkerConfig sets the configuration used for workers started later.
func (r *LocalRunner) WithWorkerConfig(cfg worker.Config) *LocalRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerCfg = cfg
	return r
}

// StartWorkers recovers the engine once and starts 'concurrency' workers.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.workers) > 0 {
		return errors.New("stepwise: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	if _, err := r.Engine.Recover(ctx); err != nil {
		return err
	}

	cfg := r.workerCfg
	cfg.SkipRecover = true
	for range concurrency {
		cfg.ID = ""
		w := worker.NewWithConfig(r.Engine, cfg)
		if err := w.Start(ctx); err != nil {
			r.stopLocked()
			return err
		}
		r.workers = append(r.workers, w)
	}
	return nil
}

// Stop stops every worker and waits for in-flight steps to finish.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *LocalRunner) stopLocked() {
	for _, w := range r.workers {
		w.Stop()
	}
	r.workers = nil
}

// Submit plans goal, creates the workflow and wakes the workers.
func (r *LocalRunner) Submit(ctx context.Context, goal string) (*Workflow, error) {
	wf, err := r.Engine.Submit(ctx, goal)
	if err != nil {
		return nil, err
	}
	r.notify()
	return wf, nil
}

// Create persists plan and wakes the workers.
func (r *LocalRunner) Create(ctx context.Context, plan *PlanBuilder) (*Workflow, error) {
	wf, err := plan.Create(ctx, r.Engine)
	if err != nil {
		return nil, err
	}
	r.notify()
	return wf, nil
}

func (r *LocalRunner) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		w.Notify()
	}
}
