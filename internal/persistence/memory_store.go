package persistence

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/petrijr/stepwise/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Store backed by maps. Every
// operation runs under one mutex, which makes ClaimNextEligible trivially
// atomic within the process.
type InMemoryStore struct {
	mu        sync.RWMutex
	nextSeq   int64
	workflows map[string]*api.Workflow
	steps     map[string]*api.Step
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]*api.Workflow),
		steps:     make(map[string]*api.Step),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateWorkflow(ctx context.Context, wf *api.Workflow, steps []*api.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; ok {
		return fmt.Errorf("workflow %s already exists", wf.ID)
	}

	s.workflows[wf.ID] = wf.Clone()
	for _, st := range steps {
		s.nextSeq++
		st.Seq = s.nextSeq
		s.steps[st.ID] = st.Clone()
	}
	return nil
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}
	return wf.Clone(), nil
}

func (s *InMemoryStore) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.workflows[wf.ID]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, wf.ID)
	}
	cur.Status = wf.Status
	cur.Context = wf.Context.Clone()
	return nil
}

func (s *InMemoryStore) ListWorkflows(ctx context.Context, f api.WorkflowFilter) ([]*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*api.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		result = append(result, wf.Clone())
	}
	slices.SortFunc(result, func(a, b *api.Workflow) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return applyLimit(result, f.Limit), nil
}

func (s *InMemoryStore) GetStep(ctx context.Context, id string) (*api.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.steps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrStepNotFound, id)
	}
	return st.Clone(), nil
}

func (s *InMemoryStore) UpdateStep(ctx context.Context, step *api.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.steps[step.ID]
	if !ok {
		return fmt.Errorf("%w: %s", api.ErrStepNotFound, step.ID)
	}
	updated := step.Clone()
	// Identity and ordering are fixed at creation.
	updated.WorkflowID = cur.WorkflowID
	updated.Seq = cur.Seq
	s.steps[step.ID] = updated
	return nil
}

func (s *InMemoryStore) ListSteps(ctx context.Context, f api.StepFilter) ([]*api.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Step
	for _, st := range s.steps {
		if f.WorkflowID != "" && st.WorkflowID != f.WorkflowID {
			continue
		}
		if f.State != "" && st.State != f.State {
			continue
		}
		result = append(result, st.Clone())
	}
	slices.SortFunc(result, func(a, b *api.Step) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return applyLimit(result, f.Limit), nil
}

func (s *InMemoryStore) ClaimNextEligible(ctx context.Context, now time.Time) (*api.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *api.Step
	for _, st := range s.steps {
		if !st.Eligible(now) {
			continue
		}
		if best == nil || claimsBefore(st, best) {
			best = st
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = api.StepRunning
	best.UpdatedAt = now
	return best.Clone(), nil
}

func (s *InMemoryStore) FindNextBlocked(ctx context.Context, workflowID string, afterSeq int64) (*api.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *api.Step
	for _, st := range s.steps {
		if st.WorkflowID != workflowID || st.State != api.StepBlocked || st.Seq <= afterSeq {
			continue
		}
		if next == nil || st.Seq < next.Seq {
			next = st
		}
	}
	if next == nil {
		return nil, nil
	}
	return next.Clone(), nil
}

// claimsBefore orders steps by (ScheduledFor, Seq).
func claimsBefore(a, b *api.Step) bool {
	if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}
