package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/stepwise/pkg/api"
)

// Column lists shared by the database/sql backends. Times are stored as unix
// nanoseconds so that ordering and comparisons are plain integer operations
// on every engine.
const (
	workflowColumns = `id, goal, status, context, created_at`
	stepColumns     = `seq, id, workflow_id, name, kind, wait_ns, agent, state, scheduled_for,
		logs, output, retry_count, created_at, updated_at, completed_at`
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*api.Workflow, error) {
	var (
		wf        api.Workflow
		status    string
		ctxBlob   []byte
		createdAt int64
	)
	if err := row.Scan(&wf.ID, &wf.Goal, &status, &ctxBlob, &createdAt); err != nil {
		return nil, err
	}
	c, err := DecodeContext(ctxBlob)
	if err != nil {
		return nil, fmt.Errorf("workflow %s context: %w", wf.ID, err)
	}
	wf.Status = api.WorkflowStatus(status)
	wf.Context = c
	wf.CreatedAt = fromUnixNanos(createdAt)
	return &wf, nil
}

func scanStep(row rowScanner) (*api.Step, error) {
	var (
		st                                   api.Step
		kind, state                          string
		waitNs                               int64
		scheduledFor, created, updated, done int64
		logs, output                         []byte
	)
	err := row.Scan(
		&st.Seq, &st.ID, &st.WorkflowID, &st.Name, &kind, &waitNs, &st.Agent, &state, &scheduledFor,
		&logs, &output, &st.RetryCount, &created, &updated, &done,
	)
	if err != nil {
		return nil, err
	}

	st.Kind = api.StepKind(kind)
	st.Wait = time.Duration(waitNs)
	st.State = api.StepState(state)
	st.ScheduledFor = fromUnixNanos(scheduledFor)
	st.CreatedAt = fromUnixNanos(created)
	st.UpdatedAt = fromUnixNanos(updated)
	st.CompletedAt = fromUnixNanos(done)

	if st.Logs, err = DecodeLogs(logs); err != nil {
		return nil, fmt.Errorf("step %s logs: %w", st.ID, err)
	}
	if st.Output, err = DecodePayload(output); err != nil {
		return nil, fmt.Errorf("step %s output: %w", st.ID, err)
	}
	return &st, nil
}

// stepBlobs holds the encoded variable-size fields of a step.
type stepBlobs struct {
	logs   []byte
	output []byte
}

func encodeStepBlobs(st *api.Step) (stepBlobs, error) {
	logs, err := EncodeLogs(st.Logs)
	if err != nil {
		return stepBlobs{}, err
	}
	output, err := EncodePayload(st.Output)
	if err != nil {
		return stepBlobs{}, err
	}
	return stepBlobs{logs: logs, output: output}, nil
}

func collectSteps(rows *sql.Rows) ([]*api.Step, error) {
	defer rows.Close()

	var steps []*api.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func collectWorkflows(rows *sql.Rows) ([]*api.Workflow, error) {
	defer rows.Close()

	var wfs []*api.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		wfs = append(wfs, wf)
	}
	return wfs, rows.Err()
}

// optionalStep maps sql.ErrNoRows to a nil step.
func optionalStep(st *api.Step, err error) (*api.Step, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func checkAffected(res sql.Result, notFound error, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
