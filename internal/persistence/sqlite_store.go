package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/stepwise/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// SQLite serializes writers, so callers sharing one file between processes
// should set a busy timeout in the DSN, e.g. "file.db?_pragma=busy_timeout(5000)".
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			context BLOB,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS steps (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			wait_ns INTEGER NOT NULL DEFAULT 0,
			agent TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			scheduled_for INTEGER NOT NULL,
			logs BLOB,
			output BLOB,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_steps_claim ON steps (state, scheduled_for, seq);
		CREATE INDEX IF NOT EXISTS idx_steps_chain ON steps (workflow_id, seq);`,
	)
	return err
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *api.Workflow, steps []*api.Step) error {
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
		VALUES (?, ?, ?, ?, ?)`,
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
		res, err := tx.ExecContext(ctx, `
			INSERT INTO steps (id, workflow_id, name, kind, wait_ns, agent, state, scheduled_for,
				logs, output, retry_count, created_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.WorkflowID, st.Name, string(st.Kind), int64(st.Wait), st.Agent, string(st.State),
			unixNanos(st.ScheduledFor), blobs.logs, blobs.output, st.RetryCount,
			unixNanos(st.CreatedAt), unixNanos(st.UpdatedAt), unixNanos(st.CompletedAt),
		)
		if err != nil {
			return err
		}
		if seqs[i], err = res.LastInsertId(); err != nil {
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

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}
	return wf, err
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	ctxBlob, err := EncodeContext(wf.Context)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = ?, context = ? WHERE id = ?`,
		string(wf.Status), ctxBlob, wf.ID,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, api.ErrWorkflowNotFound, wf.ID)
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, f api.WorkflowFilter) ([]*api.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY created_at, id`
	var args []any
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

func (s *SQLiteStore) GetStep(ctx context.Context, id string) (*api.Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrStepNotFound, id)
	}
	return st, err
}

func (s *SQLiteStore) UpdateStep(ctx context.Context, st *api.Step) error {
	blobs, err := encodeStepBlobs(st)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps
		SET state = ?, scheduled_for = ?, logs = ?, output = ?, retry_count = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(st.State), unixNanos(st.ScheduledFor), blobs.logs, blobs.output, st.RetryCount,
		unixNanos(st.UpdatedAt), unixNanos(st.CompletedAt), st.ID,
	)
	if err != nil {
		return err
	}
	return checkAffected(res, api.ErrStepNotFound, st.ID)
}

func (s *SQLiteStore) ListSteps(ctx context.Context, f api.StepFilter) ([]*api.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps`
	var (
		clauses []string
		args    []any
	)
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(f.State))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSteps(rows)
}

// ClaimNextEligible picks the head of the queue and flips it to RUNNING with
// a conditional update. If another process claimed the same row first the
// update affects nothing and the next candidate is tried, so nil is only
// returned once no eligible step is left. Every lost race means another
// claimer succeeded, which bounds the loop.
func (s *SQLiteStore) ClaimNextEligible(ctx context.Context, now time.Time) (*api.Step, error) {
	nowNs := now.UnixNano()

	for {
		var id string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM steps
			WHERE state = ? AND scheduled_for <= ?
			ORDER BY scheduled_for, seq
			LIMIT 1`,
			string(api.StepPending), nowNs,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE steps SET state = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(api.StepRunning), nowNs, id, string(api.StepPending),
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return s.GetStep(ctx, id)
		}
	}
}

func (s *SQLiteStore) FindNextBlocked(ctx context.Context, workflowID string, afterSeq int64) (*api.Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE workflow_id = ? AND state = ? AND seq > ?
		ORDER BY seq
		LIMIT 1`,
		workflowID, string(api.StepBlocked), afterSeq,
	)
	return optionalStep(scanStep(row))
}
