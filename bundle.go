package stepwise

import (
	"database/sql"

	workerpkg "github.com/petrijr/stepwise/pkg/worker"
)

// WorkerBundle wires together a durable Engine and a Worker that drives it.
//
// For now, we only provide a SQLite-backed bundle.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker
}

// NewSQLiteBundle constructs a durable Engine + Worker pair over the provided
// *sql.DB. The worker recovers interrupted steps when it starts.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepwise.db?_pragma=journal_mode(WAL)")
//	bundle, err := stepwise.NewSQLiteBundle(db, worker.Config{PollInterval: time.Second})
//	// register handlers on bundle.Engine
//	_ = bundle.Worker.Start(ctx)
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config, opts ...Option) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db, opts...)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, cfg),
	}, nil
}
