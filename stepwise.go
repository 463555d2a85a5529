package stepwise

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stepwise/internal/engine"
	"github.com/petrijr/stepwise/internal/persistence"
	"github.com/petrijr/stepwise/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Workflow             = api.Workflow
	Step                 = api.Step
	StepState            = api.StepState
	StepKind             = api.StepKind
	StepSpec             = api.StepSpec
	PlannedStep          = api.PlannedStep
	StepFilter           = api.StepFilter
	WorkflowFilter       = api.WorkflowFilter
	Summary              = api.Summary
	Handler              = api.Handler
	HandlerFunc          = api.HandlerFunc
	Planner              = api.Planner
	PlannerFunc          = api.PlannerFunc
	StepRequest          = api.StepRequest
	StepResult           = api.StepResult
	Context              = api.Context
	Payload              = api.Payload
	Text                 = api.Text
	WaitResult           = api.WaitResult
	Clock                = api.Clock
	ClockFunc            = api.ClockFunc
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	TaskSpec             = api.TaskSpec
	WaitSpec             = api.WaitSpec
	ParseStepSpec        = api.ParseStepSpec
	Summarize            = api.Summarize
	RegisterPayload      = api.RegisterPayload
)

// Re-export step states for convenience.

const (
	StepBlocked   = api.StepBlocked
	StepPending   = api.StepPending
	StepRunning   = api.StepRunning
	StepCompleted = api.StepCompleted
	StepFailed    = api.StepFailed
)

// Option configures an Engine built by one of the constructors below.
type Option func(*engine.Config)

// WithObserver sets the Observer notified about workflow and step events.
func WithObserver(obs Observer) Option {
	return func(c *engine.Config) { c.Observer = obs }
}

// WithPlanner sets the Planner used by Engine.Submit.
func WithPlanner(p Planner) Option {
	return func(c *engine.Config) { c.Planner = p }
}

// WithDefaultHandler sets the handler for steps without a registered one.
func WithDefaultHandler(h Handler) Option {
	return func(c *engine.Config) { c.DefaultHandler = h }
}

// WithClock overrides the engine's notion of now. Mostly useful in tests.
func WithClock(clock Clock) Option {
	return func(c *engine.Config) { c.Clock = clock }
}

// WithLogger sets the logger for engine diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *engine.Config) { c.Logger = l }
}

func newEngine(store persistence.Store, opts []Option) Engine {
	cfg := engine.Config{Store: store}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.NewEngineWithConfig(cfg)
}

// Engine constructors
// These wrap the internal packages so external callers
// never need to import them.

// NewInMemoryEngine returns an Engine whose state lives only in process memory.
func NewInMemoryEngine(opts ...Option) Engine {
	return newEngine(persistence.NewInMemoryStore(), opts)
}

// NewSQLiteEngine returns an Engine that persists workflows and steps in a
// SQLite database. The schema is created if missing.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, opts), nil
}

// NewPostgresEngine returns an Engine that persists workflows in PostgreSQL.
// db is expected to use the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, opts), nil
}

// NewMongoEngine returns an Engine that persists workflows in the MongoDB
// database dbName, creating its indexes if needed.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return newEngine(store, opts), nil
}

// NewRedisEngine returns an Engine that persists workflows in Redis under the
// given key prefix.
func NewRedisEngine(client *redis.Client, prefix string, opts ...Option) Engine {
	return newEngine(persistence.NewRedisStore(client, prefix), opts)
}

// Convenience helpers that just forward to the underlying Engine.

// Submit plans goal with the engine's Planner and creates the workflow.
func Submit(ctx context.Context, eng Engine, goal string) (*Workflow, error) {
	return eng.Submit(ctx, goal)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	n, err := stepwise.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}

// Drain processes eligible steps until none is left and returns how many ran.
// Steps deferred into the future by a wait are not waited for.
func Drain(ctx context.Context, eng Engine) (int, error) {
	n := 0
	for {
		processed, err := eng.ProcessOne(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

// Progress summarizes the step states of a workflow.
func Progress(ctx context.Context, eng Engine, workflowID string) (Summary, error) {
	if _, err := eng.GetWorkflow(ctx, workflowID); err != nil {
		return Summary{}, err
	}
	steps, err := eng.ListSteps(ctx, StepFilter{WorkflowID: workflowID})
	if err != nil {
		return Summary{}, err
	}
	return Summarize(steps), nil
}
