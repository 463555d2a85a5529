package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepwise/pkg/api"
)

// base is millisecond aligned so that every backend stores it exactly.
var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// newTestWorkflow builds a workflow and a chain of steps named after names.
// The first step is PENDING at at, the rest BLOCKED.
func newTestWorkflow(goal string, at time.Time, names ...string) (*api.Workflow, []*api.Step) {
	wf := &api.Workflow{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    api.WorkflowActive,
		Context:   api.Context{},
		CreatedAt: at,
	}
	steps := make([]*api.Step, len(names))
	for i, name := range names {
		state := api.StepBlocked
		if i == 0 {
			state = api.StepPending
		}
		steps[i] = &api.Step{
			ID:           uuid.NewString(),
			WorkflowID:   wf.ID,
			Name:         name,
			Kind:         api.StepKindTask,
			Agent:        "agent-" + name,
			State:        state,
			ScheduledFor: at,
			CreatedAt:    at,
			UpdatedAt:    at,
		}
	}
	return wf, steps
}

// runStoreContract exercises the behaviour every Store must provide.
// newStore must return an empty store for each call.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndRead", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		wf, steps := newTestWorkflow("trip", base, "A", "B", "C")
		wf.Context["seed"] = api.Text{Value: "x"}
		require.NoError(t, s.CreateWorkflow(ctx, wf, steps))

		assert.Less(t, steps[0].Seq, steps[1].Seq)
		assert.Less(t, steps[1].Seq, steps[2].Seq)

		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, "trip", got.Goal)
		assert.Equal(t, api.WorkflowActive, got.Status)
		assert.True(t, got.CreatedAt.Equal(base))
		assert.Equal(t, api.Text{Value: "x"}, got.Context["seed"])

		list, err := s.ListSteps(ctx, api.StepFilter{WorkflowID: wf.ID})
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i, st := range list {
			assert.Equal(t, steps[i].ID, st.ID)
			assert.Equal(t, steps[i].Seq, st.Seq)
			assert.Equal(t, steps[i].Name, st.Name)
			assert.Equal(t, steps[i].Agent, st.Agent)
			assert.Equal(t, steps[i].State, st.State)
			assert.True(t, st.ScheduledFor.Equal(base))
		}

		one, err := s.GetStep(ctx, steps[1].ID)
		require.NoError(t, err)
		assert.Equal(t, api.StepBlocked, one.State)
		assert.Equal(t, wf.ID, one.WorkflowID)

		_, err = s.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, api.ErrWorkflowNotFound)
		_, err = s.GetStep(ctx, "missing")
		assert.ErrorIs(t, err, api.ErrStepNotFound)
	})

	t.Run("UpdateRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		wf, steps := newTestWorkflow("wait", base, "WAIT:1000", "B")
		steps[0].Kind = api.StepKindWait
		steps[0].Wait = time.Second
		require.NoError(t, s.CreateWorkflow(ctx, wf, steps))

		st := steps[0].Clone()
		st.State = api.StepCompleted
		st.AppendLog(base, "started")
		st.AppendLog(base, "completed")
		st.Output = api.WaitResult{Until: base.Add(time.Second)}
		st.CompletedAt = base.Add(time.Millisecond)
		st.UpdatedAt = st.CompletedAt
		require.NoError(t, s.UpdateStep(ctx, st))

		got, err := s.GetStep(ctx, st.ID)
		require.NoError(t, err)
		assert.Equal(t, api.StepCompleted, got.State)
		assert.Equal(t, api.StepKindWait, got.Kind)
		assert.Equal(t, time.Second, got.Wait)
		assert.Equal(t, st.Logs, got.Logs)
		assert.Equal(t, st.Seq, got.Seq)
		assert.True(t, got.CompletedAt.Equal(st.CompletedAt))
		require.IsType(t, api.WaitResult{}, got.Output)
		assert.True(t, got.Output.(api.WaitResult).Until.Equal(base.Add(time.Second)))

		completed, err := s.ListSteps(ctx, api.StepFilter{State: api.StepCompleted})
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, st.ID, completed[0].ID)

		wf.Context["flights"] = api.Text{Value: "LIS"}
		require.NoError(t, s.UpdateWorkflow(ctx, wf))
		gotWf, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, api.Text{Value: "LIS"}, gotWf.Context["flights"])

		missing := steps[1].Clone()
		missing.ID = "missing"
		assert.ErrorIs(t, s.UpdateStep(ctx, missing), api.ErrStepNotFound)
		assert.ErrorIs(t, s.UpdateWorkflow(ctx, &api.Workflow{ID: "missing"}), api.ErrWorkflowNotFound)
	})

	t.Run("ClaimOrder", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		// Created first but scheduled later.
		late, lateSteps := newTestWorkflow("late", base, "L1")
		lateSteps[0].ScheduledFor = base.Add(2 * time.Second)
		require.NoError(t, s.CreateWorkflow(ctx, late, lateSteps))

		early1, e1 := newTestWorkflow("early-1", base, "E1")
		require.NoError(t, s.CreateWorkflow(ctx, early1, e1))
		early2, e2 := newTestWorkflow("early-2", base, "E2")
		require.NoError(t, s.CreateWorkflow(ctx, early2, e2))

		now := base.Add(time.Second)

		first, err := s.ClaimNextEligible(ctx, now)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, e1[0].ID, first.ID, "equal times are served in Seq order")
		assert.Equal(t, api.StepRunning, first.State)

		second, err := s.ClaimNextEligible(ctx, now)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, e2[0].ID, second.ID)

		none, err := s.ClaimNextEligible(ctx, now)
		require.NoError(t, err)
		assert.Nil(t, none, "future step must not be claimable")

		third, err := s.ClaimNextEligible(ctx, base.Add(2*time.Second))
		require.NoError(t, err)
		require.NotNil(t, third)
		assert.Equal(t, lateSteps[0].ID, third.ID)

		running, err := s.ListSteps(ctx, api.StepFilter{State: api.StepRunning})
		require.NoError(t, err)
		assert.Len(t, running, 3)
	})

	t.Run("ClaimIgnoresBlocked", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		wf, steps := newTestWorkflow("chain", base, "A", "B")
		require.NoError(t, s.CreateWorkflow(ctx, wf, steps))

		claimed, err := s.ClaimNextEligible(ctx, base)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, steps[0].ID, claimed.ID)

		next, err := s.ClaimNextEligible(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("RequeueAfterUpdate", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		wf, steps := newTestWorkflow("requeue", base, "A", "B")
		require.NoError(t, s.CreateWorkflow(ctx, wf, steps))

		// Unblock B with a future time, as a wait step would.
		b := steps[1].Clone()
		b.State = api.StepPending
		b.ScheduledFor = base.Add(5 * time.Second)
		require.NoError(t, s.UpdateStep(ctx, b))

		a, err := s.ClaimNextEligible(ctx, base)
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, steps[0].ID, a.ID)

		none, err := s.ClaimNextEligible(ctx, base.Add(4999*time.Millisecond))
		require.NoError(t, err)
		assert.Nil(t, none)

		got, err := s.ClaimNextEligible(ctx, base.Add(5*time.Second))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, b.ID, got.ID)

		// A RUNNING step put back to PENDING becomes claimable again.
		got.State = api.StepPending
		got.ScheduledFor = base.Add(6 * time.Second)
		require.NoError(t, s.UpdateStep(ctx, got))
		again, err := s.ClaimNextEligible(ctx, base.Add(6*time.Second))
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, b.ID, again.ID)
	})

	t.Run("FindNextBlocked", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		wf, steps := newTestWorkflow("chain", base, "A", "B", "C")
		require.NoError(t, s.CreateWorkflow(ctx, wf, steps))
		other, otherSteps := newTestWorkflow("other", base, "X", "Y")
		require.NoError(t, s.CreateWorkflow(ctx, other, otherSteps))

		next, err := s.FindNextBlocked(ctx, wf.ID, steps[0].Seq)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, steps[1].ID, next.ID)

		b := steps[1].Clone()
		b.State = api.StepCompleted
		require.NoError(t, s.UpdateStep(ctx, b))

		next, err = s.FindNextBlocked(ctx, wf.ID, steps[0].Seq)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, steps[2].ID, next.ID, "non-blocked steps are skipped")

		end, err := s.FindNextBlocked(ctx, wf.ID, steps[2].Seq)
		require.NoError(t, err)
		assert.Nil(t, end)
	})

	t.Run("ListWorkflows", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for i := range 3 {
			wf, steps := newTestWorkflow(fmt.Sprintf("goal-%d", i), base.Add(time.Duration(i)*time.Second), "A")
			require.NoError(t, s.CreateWorkflow(ctx, wf, steps))
		}

		all, err := s.ListWorkflows(ctx, api.WorkflowFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "goal-0", all[0].Goal)
		assert.Equal(t, "goal-2", all[2].Goal)

		some, err := s.ListWorkflows(ctx, api.WorkflowFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, some, 2)
	})

	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		wf, steps := newTestWorkflow("race", base, "only")
		require.NoError(t, s.CreateWorkflow(ctx, wf, steps))

		const workers = 8
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			wins   int
			errs   []error
			start  = make(chan struct{})
			winner string
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				st, err := s.ClaimNextEligible(ctx, base)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if st != nil {
					wins++
					winner = st.ID
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Empty(t, errs)
		assert.Equal(t, 1, wins)
		assert.Equal(t, steps[0].ID, winner)
	})
}
