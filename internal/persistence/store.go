package persistence

import (
	"context"
	"time"

	"github.com/petrijr/stepwise/pkg/api"
)

// Store is the persistence contract the engine depends on.
//
// Apart from plain reads and writes, the only primitive the engine needs is
// ClaimNextEligible, which must be a true atomic read-modify-write: two
// concurrent callers must never both receive the same step, even when they
// run in different processes sharing the same database.
//
// Lookups of missing records return errors wrapping api.ErrWorkflowNotFound
// or api.ErrStepNotFound.
type Store interface {
	// CreateWorkflow stores a workflow together with its steps. Seq is
	// assigned to each step in slice order and written back into steps.
	// The SQL backends and RedisStore (MULTI/EXEC) persist everything or
	// nothing. MongoStore writes the PENDING head last and deletes what it
	// wrote when a write fails, so a returned error still means no step of
	// the workflow will run; a process crash mid-create can leave BLOCKED
	// steps behind.
	CreateWorkflow(ctx context.Context, wf *api.Workflow, steps []*api.Step) error

	GetWorkflow(ctx context.Context, id string) (*api.Workflow, error)

	// UpdateWorkflow replaces the mutable fields of a workflow (Status and
	// Context).
	UpdateWorkflow(ctx context.Context, wf *api.Workflow) error

	// ListWorkflows returns workflows ordered by creation time.
	ListWorkflows(ctx context.Context, f api.WorkflowFilter) ([]*api.Workflow, error)

	GetStep(ctx context.Context, id string) (*api.Step, error)

	// UpdateStep replaces the mutable fields of a step (State, ScheduledFor,
	// Logs, Output, RetryCount, UpdatedAt, CompletedAt).
	UpdateStep(ctx context.Context, step *api.Step) error

	// ListSteps returns steps ordered by Seq.
	ListSteps(ctx context.Context, f api.StepFilter) ([]*api.Step, error)

	// ClaimNextEligible atomically moves the PENDING step with the smallest
	// (ScheduledFor, Seq) among those with ScheduledFor <= now to RUNNING and
	// returns it. It returns nil, nil when no step is eligible.
	ClaimNextEligible(ctx context.Context, now time.Time) (*api.Step, error)

	// FindNextBlocked returns the BLOCKED step of workflowID with the
	// smallest Seq greater than afterSeq, or nil, nil at the end of the chain.
	FindNextBlocked(ctx context.Context, workflowID string, afterSeq int64) (*api.Step, error)
}

// applyLimit truncates list results for backends that filter in memory.
func applyLimit[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
