package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepwise/pkg/api"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultErrorBackoff = time.Second
)

// Config controls the worker loop.
type Config struct {
	// PollInterval is how long the loop sleeps when there is no eligible step.
	PollInterval time.Duration

	// ErrorBackoff is how long the loop sleeps after a store error.
	ErrorBackoff time.Duration

	// SkipRecover disables the Recover call at the start of Run. Only set it
	// when another component already recovered the store.
	SkipRecover bool

	Logger *slog.Logger

	// ID names this worker in logs. Defaults to a random UUID.
	ID string
}

// Worker repeatedly claims and executes eligible steps using an Engine.
type Worker struct {
	engine api.Engine
	cfg    Config
	logger *slog.Logger

	stopped atomic.Bool
	wake    chan struct{}

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New creates a new Worker with default settings.
func New(engine api.Engine) *Worker {
	return NewWithConfig(engine, Config{})
}

// NewWithConfig creates a Worker, filling unset fields of cfg with defaults.
func NewWithConfig(engine api.Engine, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		engine: engine,
		cfg:    cfg,
		logger: logger.With(slog.String("worker_id", cfg.ID)),
		wake:   make(chan struct{}, 1),
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.cfg.ID }

// ProcessOne runs a single claim-and-execute iteration.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	return w.engine.ProcessOne(ctx)
}

// Notify wakes a sleeping loop so newly created work is picked up without
// waiting for the poll interval.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run recovers orphaned steps and then loops until Stop is called or ctx is
// done. It returns nil after Stop and ctx.Err() after cancellation.
//
// Stop does not cancel the step in flight: Run returns once that step has
// been persisted.
func (w *Worker) Run(ctx context.Context) error {
	if !w.cfg.SkipRecover {
		n, err := w.engine.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		w.logger.InfoContext(ctx, "worker_recovered", slog.Int("steps", n))
	}

	w.logger.InfoContext(ctx, "worker_started",
		slog.Duration("poll_interval", w.cfg.PollInterval),
	)
	defer w.logger.InfoContext(ctx, "worker_stopped")

	for {
		if w.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		processed, err := w.engine.ProcessOne(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.ErrorContext(ctx, "worker_iteration_failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", w.cfg.ErrorBackoff),
			)
			w.sleep(ctx, w.cfg.ErrorBackoff)
		case !processed:
			w.sleep(ctx, w.cfg.PollInterval)
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	case <-w.wake:
	}
}

// Start runs the loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("worker already started")
	}
	w.running = true
	w.stopped.Store(false)

	done := make(chan struct{})
	w.done = done

	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "worker_exited", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop asks the loop to exit and, if it was started with Start, waits for it.
// It is safe to call more than once.
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.Notify()

	w.mu.Lock()
	done := w.done
	w.running = false
	w.done = nil
	w.mu.Unlock()

	if done != nil {
		<-done
	}
}
