package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepwise/internal/persistence"
	"github.com/petrijr/stepwise/pkg/api"
)

// Several goroutines share one engine; per workflow at most one step may be
// RUNNING and steps must still complete in chain order.
func TestEngine_ConcurrentProcessOneKeepsChainsExclusive(t *testing.T) {
	const (
		workflows = 6
		perChain  = 4
		workers   = 4
	)

	store := persistence.NewInMemoryStore()
	eng := newMemoryEngine(t, Config{Store: store})
	ctx := context.Background()

	var (
		mu        sync.Mutex
		order     = map[string][]string{}
		overlaps  atomic.Int32
		completed atomic.Int32
	)
	err := eng.RegisterHandler("work", api.HandlerFunc(func(ctx context.Context, req api.StepRequest) (api.StepResult, error) {
		running, err := store.ListSteps(ctx, api.StepFilter{WorkflowID: req.WorkflowID, State: api.StepRunning})
		if err != nil {
			return api.StepResult{}, err
		}
		if len(running) != 1 {
			overlaps.Add(1)
		}
		mu.Lock()
		order[req.WorkflowID] = append(order[req.WorkflowID], req.Agent)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		completed.Add(1)
		return api.StepResult{}, nil
	}))
	require.NoError(t, err)

	ids := make([]string, workflows)
	for i := range workflows {
		specs := make([]api.StepSpec, perChain)
		for j := range perChain {
			specs[j] = api.TaskSpec("work", fmt.Sprintf("%d", j))
		}
		wf, err := eng.CreateWorkflow(ctx, fmt.Sprintf("wf-%d", i), specs)
		require.NoError(t, err)
		ids[i] = wf.ID
	}

	deadline := time.Now().Add(10 * time.Second)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for completed.Load() < workflows*perChain && time.Now().Before(deadline) {
				ok, err := eng.ProcessOne(ctx)
				if err != nil {
					t.Errorf("ProcessOne failed: %v", err)
					return
				}
				if !ok {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, workflows*perChain, completed.Load())
	assert.Zero(t, overlaps.Load(), "a workflow had more than one RUNNING step")
	for _, id := range ids {
		assert.Equal(t, []string{"0", "1", "2", "3"}, order[id])
	}
}
