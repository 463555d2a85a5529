package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepwise/pkg/api"
)

func openTestSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	// A single connection serializes access and keeps ":memory:" databases
	// from splitting into one database per connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(openTestSQLite(t, ":memory:"))
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stepwise.db")

	db := openTestSQLite(t, path)
	s, err := NewSQLiteStore(db)
	require.NoError(t, err)

	wf, steps := newTestWorkflow("durable", base, "A", "B")
	require.NoError(t, s.CreateWorkflow(ctx, wf, steps))

	claimed, err := s.ClaimNextEligible(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, db.Close())

	// Reopening runs the schema again; it must be idempotent.
	s2, err := NewSQLiteStore(openTestSQLite(t, path))
	require.NoError(t, err)

	got, err := s2.ListSteps(ctx, api.StepFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, api.StepRunning, got[0].State)
	assert.Equal(t, api.StepBlocked, got[1].State)

	// Seq keeps growing across reopen.
	wf2, steps2 := newTestWorkflow("second", base, "C")
	require.NoError(t, s2.CreateWorkflow(ctx, wf2, steps2))
	assert.Greater(t, steps2[0].Seq, steps[1].Seq)
}

func TestSQLiteStore_CreateWorkflowIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(openTestSQLite(t, ":memory:"))
	require.NoError(t, err)

	wf, steps := newTestWorkflow("dup", base, "A", "B")
	steps[1].ID = steps[0].ID // violates the unique step id

	require.Error(t, s.CreateWorkflow(ctx, wf, steps))

	_, err = s.GetWorkflow(ctx, wf.ID)
	assert.ErrorIs(t, err, api.ErrWorkflowNotFound)
}

func TestSQLiteStore_ClaimDrainsUnderContention(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contended.db")

	// Two handles on one file behave like two worker processes.
	stores := make([]Store, 2)
	for i := range stores {
		db := openTestSQLite(t, path)
		_, err := db.Exec(`PRAGMA busy_timeout = 5000`)
		require.NoError(t, err)
		s, err := NewSQLiteStore(db)
		require.NoError(t, err)
		stores[i] = s
	}

	const total = 40
	for i := range total {
		wf, steps := newTestWorkflow("contended", base, "A")
		steps[0].ScheduledFor = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, stores[i%2].CreateWorkflow(ctx, wf, steps))
	}

	now := base.Add(time.Hour)
	var claimed atomic.Int64
	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func(s Store) {
			defer wg.Done()
			for {
				st, err := s.ClaimNextEligible(ctx, now)
				if !assert.NoError(t, err) || st == nil {
					return
				}
				claimed.Add(1)
			}
		}(stores[i%2])
	}
	wg.Wait()

	assert.EqualValues(t, total, claimed.Load())

	// Every claimer saw "no work" only once nothing was left.
	pending, err := stores[0].ListSteps(ctx, api.StepFilter{State: api.StepPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}
