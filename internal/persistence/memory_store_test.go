package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepwise/pkg/api"
)

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewInMemoryStore()
	})
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	wf, steps := newTestWorkflow("copy", base, "A")
	require.NoError(t, s.CreateWorkflow(ctx, wf, steps))

	got, err := s.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	got.State = api.StepFailed
	got.AppendLog(base, "mutated")

	again, err := s.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	require.Equal(t, api.StepPending, again.State)
	require.Empty(t, again.Logs)

	gotWf, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	gotWf.Context["k"] = api.Text{Value: "v"}

	againWf, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.NotContains(t, againWf.Context, "k")
}
