package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/stepwise/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED, so any number of engine
// processes may share one database.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			context BYTEA,
			created_at BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS steps (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			wait_ns BIGINT NOT NULL DEFAULT 0,
			agent TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			scheduled_for BIGINT NOT NULL,
			logs BYTEA,
			output BYTEA,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_steps_claim ON steps (state, scheduled_for, seq);
		CREATE INDEX IF NOT EXISTS idx_steps_chain ON steps (workflow_id, seq);
	`)
	return err
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *api.Workflow, steps []*api.Step) error {
	ctxBlob, err := EncodeContext(wf.Context)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, goal, status, context, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		wf.ID, wf.Goal, string(wf.Status), ctxBlob, unixNanos(wf.CreatedAt),
	)
	if err != nil {
		return err
	}

	seqs := make([]int64, len(steps))
	for i, st := range steps {
		blobs, err := encodeStepBlobs(st)
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO steps (id, workflow_id, name, kind, wait_ns, agent, state, scheduled_for,
				logs, output, retry_count, created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING seq
		`,
			st.ID, st.WorkflowID, st.Name, string(st.Kind), int64(st.Wait), st.Agent, string(st.State),
			unixNanos(st.ScheduledFor), blobs.logs, blobs.output, st.RetryCount,
			unixNanos(st.CreatedAt), unixNanos(st.UpdatedAt), unixNanos(st.CompletedAt),
		).Scan(&seqs[i])
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	for i, st := range steps {
		st.Seq = seqs[i]
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}
	return wf, err
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	ctxBlob, err := EncodeContext(wf.Context)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status  = $1,
		    context = $2
		WHERE id = $3
	`,
		string(wf.Status), ctxBlob, wf.ID,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, api.ErrWorkflowNotFound, wf.ID)
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, f api.WorkflowFilter) ([]*api.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY created_at, id`
	var args []any
	if f.Limit > 0 {
		query += ` LIMIT $1`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

func (s *PostgresStore) GetStep(ctx context.Context, id string) (*api.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = $1`, id)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrStepNotFound, id)
	}
	return st, err
}

func (s *PostgresStore) UpdateStep(ctx context.Context, st *api.Step) error {
	blobs, err := encodeStepBlobs(st)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps
		SET state         = $1,
		    scheduled_for = $2,
		    logs          = $3,
		    output        = $4,
		    retry_count   = $5,
		    updated_at    = $6,
		    completed_at  = $7
		WHERE id = $8
	`,
		string(st.State), unixNanos(st.ScheduledFor), blobs.logs, blobs.output, st.RetryCount,
		unixNanos(st.UpdatedAt), unixNanos(st.CompletedAt), st.ID,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, api.ErrStepNotFound, st.ID)
}

func (s *PostgresStore) ListSteps(ctx context.Context, f api.StepFilter) ([]*api.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps`
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = "+arg(f.WorkflowID))
	}
	if f.State != "" {
		clauses = append(clauses, "state = "+arg(string(f.State)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSteps(rows)
}

// ClaimNextEligible locks the head of the queue, skipping rows other
// transactions hold, and flips it to RUNNING in the same statement.
func (s *PostgresStore) ClaimNextEligible(ctx context.Context, now time.Time) (*api.Step, error) {
	nowNs := now.UnixNano()

	var id string
	err := s.db.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id
			FROM steps
			WHERE state = $1 AND scheduled_for <= $2
			ORDER BY scheduled_for, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE steps s
		SET state = $3, updated_at = $2
		FROM next
		WHERE s.id = next.id
		RETURNING s.id
	`,
		string(api.StepPending), nowNs, string(api.StepRunning),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetStep(ctx, id)
}

func (s *PostgresStore) FindNextBlocked(ctx context.Context, workflowID string, afterSeq int64) (*api.Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE workflow_id = $1 AND state = $2 AND seq > $3
		ORDER BY seq
		LIMIT 1
	`,
		workflowID, string(api.StepBlocked), afterSeq,
	)
	return optionalStep(scanStep(row))
}
