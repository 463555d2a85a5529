package engine

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/stepwise/internal/persistence"
	"github.com/petrijr/stepwise/pkg/api"
)

func openSQLiteStore(t *testing.T, path string) (*persistence.SQLiteStore, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)

	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store, db
}

// Simulates a crash while a step is RUNNING by claiming it directly and
// closing the database without finishing it, then recovering in a new engine.
func TestRecover_RunningStepAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stepwise.db")

	// First process: create a workflow and crash mid-step.
	store1, db1 := openSQLiteStore(t, path)
	eng1 := NewEngineWithConfig(Config{Store: store1, Clock: newFakeClock()}).(*engineImpl)

	wf, err := eng1.CreateWorkflow(ctx, "crashy", tasks("A", "B"))
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	claimed, err := store1.ClaimNextEligible(ctx, epoch)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextEligible = %v, %v", claimed, err)
	}
	_ = db1.Close()

	// Second process: same file, fresh engine.
	store2, db2 := openSQLiteStore(t, path)
	t.Cleanup(func() { _ = db2.Close() })

	clock := newFakeClock()
	clock.Advance(time.Minute)
	eng2 := NewEngineWithConfig(Config{Store: store2, Clock: clock, DefaultHandler: echoHandler()}).(*engineImpl)

	n, err := eng2.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered step, got %d", n)
	}

	a, err := eng2.GetStep(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetStep failed: %v", err)
	}
	if a.State != api.StepPending {
		t.Fatalf("expected PENDING after recovery, got %s", a.State)
	}
	if !a.ScheduledFor.Equal(clock.Now()) {
		t.Fatalf("expected reschedule at %v, got %v", clock.Now(), a.ScheduledFor)
	}
	if !strings.Contains(strings.Join(a.Logs, "\n"), "recovered") {
		t.Fatalf("missing recovery log: %v", a.Logs)
	}

	if got := drain(t, eng2); got != 2 {
		t.Fatalf("expected both steps to run after recovery, ran %d", got)
	}

	steps := stepsOf(t, eng2, wf.ID)
	if len(steps) != 2 {
		t.Fatalf("recovery must not create steps, found %d", len(steps))
	}
	for _, st := range steps {
		if st.State != api.StepCompleted {
			t.Fatalf("step %s: expected COMPLETED, got %s", st.Name, st.State)
		}
	}
}

func TestRecover_RepairsInterruptedChain(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	obs := &fakeObserver{}
	eng := newMemoryEngine(t, Config{Store: store, Clock: newFakeClock(), Observer: obs, DefaultHandler: echoHandler()})

	wf, err := eng.CreateWorkflow(ctx, "interrupted", tasks("A", "B", "C"))
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}

	// A completed but the process died before B was unblocked.
	a, err := store.ClaimNextEligible(ctx, epoch)
	if err != nil || a == nil {
		t.Fatalf("ClaimNextEligible = %v, %v", a, err)
	}
	a.State = api.StepCompleted
	a.CompletedAt = epoch
	if err := store.UpdateStep(ctx, a); err != nil {
		t.Fatalf("UpdateStep failed: %v", err)
	}

	if ok, _ := eng.ProcessOne(ctx); ok {
		t.Fatalf("a stalled chain must have no eligible step")
	}

	n, err := eng.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 repaired chain, got %d", n)
	}
	if len(obs.recovered) != 1 || obs.recovered[0] != 1 {
		t.Fatalf("unexpected recovered events: %v", obs.recovered)
	}

	if got := drain(t, eng); got != 2 {
		t.Fatalf("expected B and C to run, ran %d", got)
	}
	for _, st := range stepsOf(t, eng, wf.ID) {
		if st.State != api.StepCompleted {
			t.Fatalf("step %s: expected COMPLETED, got %s", st.Name, st.State)
		}
	}
}

func TestRecover_LeavesHealthyAndFailedChainsAlone(t *testing.T) {
	ctx := context.Background()
	eng := newMemoryEngine(t, Config{Clock: newFakeClock()})

	_ = eng.RegisterHandler("ok", echoHandler())
	_ = eng.RegisterHandler("bad", api.HandlerFunc(func(ctx context.Context, req api.StepRequest) (api.StepResult, error) {
		return api.StepResult{}, context.DeadlineExceeded
	}))

	failed, err := eng.CreateWorkflow(ctx, "failed", tasks("bad", "ok"))
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if _, err := eng.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if _, err := eng.CreateWorkflow(ctx, "pending", tasks("ok", "ok")); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}

	n, err := eng.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing to recover, got %d", n)
	}

	steps := stepsOf(t, eng, failed.ID)
	if steps[0].State != api.StepFailed || steps[1].State != api.StepBlocked {
		t.Fatalf("failed chain was touched: %s %s", steps[0].State, steps[1].State)
	}
}

func TestRecover_WaitStepInterrupted(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	clock := newFakeClock()
	eng := newMemoryEngine(t, Config{Store: store, Clock: clock, DefaultHandler: echoHandler()})

	wf, err := eng.CreateWorkflow(ctx, "nap", waitPlan(t, "WAIT:1000", "B"))
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if _, err := store.ClaimNextEligible(ctx, epoch); err != nil {
		t.Fatalf("ClaimNextEligible failed: %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := eng.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	drain(t, eng)

	b := stepsOf(t, eng, wf.ID)[1]
	want := epoch.Add(time.Hour + time.Second)
	if b.State != api.StepPending || !b.ScheduledFor.Equal(want) {
		t.Fatalf("expected B pending at %v, got %s at %v", want, b.State, b.ScheduledFor)
	}
}
