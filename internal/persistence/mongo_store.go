package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepwise/pkg/api"
)

const stepSeqCounter = "step_seq"

// MongoStore is a Store backed by MongoDB.
//
// Collections (in the configured database):
//
//	workflows  { _id, goal, status, context(gob), created_at }
//	steps      { _id, seq, workflow_id, name, kind, wait_ns, agent, state,
//	             scheduled_for, logs[], output(gob), retry_count, ... }
//	counters   { _id: "step_seq", value }
//
// Claiming uses FindOneAndUpdate, MongoDB's per-document atomic conditional
// update. CreateWorkflow is not transactional. It writes the workflow, then
// the BLOCKED steps, and the PENDING head last, so a create that fails part
// way has nothing claimable; the partial documents are then deleted. A crash
// in between can leave a workflow whose chain never starts.
type MongoStore struct {
	workflows *mongo.Collection
	steps     *mongo.Collection
	counters  *mongo.Collection
}

// Ensure MongoStore implements Store.
var _ Store = (*MongoStore)(nil)

type mongoWorkflowDoc struct {
	ID        string `bson:"_id"`
	Goal      string `bson:"goal"`
	Status    string `bson:"status"`
	Context   []byte `bson:"context,omitempty"`
	CreatedAt int64  `bson:"created_at"`
}

type mongoStepDoc struct {
	ID           string   `bson:"_id"`
	Seq          int64    `bson:"seq"`
	WorkflowID   string   `bson:"workflow_id"`
	Name         string   `bson:"name"`
	Kind         string   `bson:"kind"`
	WaitNs       int64    `bson:"wait_ns"`
	Agent        string   `bson:"agent"`
	State        string   `bson:"state"`
	ScheduledFor int64    `bson:"scheduled_for"`
	Logs         []string `bson:"logs"`
	Output       []byte   `bson:"output,omitempty"`
	RetryCount   int      `bson:"retry_count"`
	CreatedAt    int64    `bson:"created_at"`
	UpdatedAt    int64    `bson:"updated_at"`
	CompletedAt  int64    `bson:"completed_at"`
}

// NewMongoStore creates a Mongo-backed store and ensures its indexes.
// dbName defaults to "stepwise" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "stepwise"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		workflows: db.Collection("workflows"),
		steps:     db.Collection("steps"),
		counters:  db.Collection("counters"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.steps.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "scheduled_for", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("create step indexes: %w", err)
	}
	_, err = s.workflows.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
	})
	return err
}

// reserveSeqs atomically reserves n consecutive sequence numbers and returns
// the first one.
func (s *MongoStore) reserveSeqs(ctx context.Context, n int) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": stepSeqCounter},
		bson.M{"$inc": bson.M{"value": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value - int64(n) + 1, nil
}

func (s *MongoStore) CreateWorkflow(ctx context.Context, wf *api.Workflow, steps []*api.Step) error {
	ctxBlob, err := EncodeContext(wf.Context)
	if err != nil {
		return err
	}

	first, err := s.reserveSeqs(ctx, len(steps))
	if err != nil {
		return err
	}

	// The head goes last: until it is written no step of the chain is
	// claimable.
	docs := make([]any, 0, len(steps))
	for i, st := range steps {
		output, err := EncodePayload(st.Output)
		if err != nil {
			return err
		}
		doc := toMongoStepDoc(st, output)
		doc.Seq = first + int64(i)
		docs = append(docs, doc)
	}
	if len(docs) > 1 {
		docs = append(docs[1:], docs[0])
	}

	_, err = s.workflows.InsertOne(ctx, mongoWorkflowDoc{
		ID:        wf.ID,
		Goal:      wf.Goal,
		Status:    string(wf.Status),
		Context:   ctxBlob,
		CreatedAt: unixNanos(wf.CreatedAt),
	})
	if err != nil {
		return err
	}
	if len(docs) > 0 {
		if _, err := s.steps.InsertMany(ctx, docs); err != nil {
			return errors.Join(err, s.discardWorkflow(ctx, wf.ID))
		}
	}

	for i, st := range steps {
		st.Seq = first + int64(i)
	}
	return nil
}

// discardWorkflow removes what a failed CreateWorkflow managed to write.
func (s *MongoStore) discardWorkflow(ctx context.Context, id string) error {
	if _, err := s.steps.DeleteMany(ctx, bson.M{"workflow_id": id}); err != nil {
		return fmt.Errorf("discard steps of %s: %w", id, err)
	}
	if _, err := s.workflows.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("discard workflow %s: %w", id, err)
	}
	return nil
}

func (s *MongoStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	var doc mongoWorkflowDoc
	err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
		}
		return nil, err
	}
	return fromMongoWorkflowDoc(doc)
}

func (s *MongoStore) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	ctxBlob, err := EncodeContext(wf.Context)
	if err != nil {
		return err
	}
	res, err := s.workflows.UpdateByID(ctx, wf.ID, bson.M{
		"$set": bson.M{
			"status":  string(wf.Status),
			"context": ctxBlob,
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, wf.ID)
	}
	return nil
}

func (s *MongoStore) ListWorkflows(ctx context.Context, f api.WorkflowFilter) ([]*api.Workflow, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.workflows.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.Workflow
	for cur.Next(ctx) {
		var doc mongoWorkflowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		wf, err := fromMongoWorkflowDoc(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	return result, cur.Err()
}

func (s *MongoStore) GetStep(ctx context.Context, id string) (*api.Step, error) {
	var doc mongoStepDoc
	err := s.steps.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", api.ErrStepNotFound, id)
		}
		return nil, err
	}
	return fromMongoStepDoc(doc)
}

func (s *MongoStore) UpdateStep(ctx context.Context, st *api.Step) error {
	output, err := EncodePayload(st.Output)
	if err != nil {
		return err
	}
	res, err := s.steps.UpdateByID(ctx, st.ID, bson.M{
		"$set": bson.M{
			"state":         string(st.State),
			"scheduled_for": unixNanos(st.ScheduledFor),
			"logs":          st.Logs,
			"output":        output,
			"retry_count":   st.RetryCount,
			"updated_at":    unixNanos(st.UpdatedAt),
			"completed_at":  unixNanos(st.CompletedAt),
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", api.ErrStepNotFound, st.ID)
	}
	return nil
}

func (s *MongoStore) ListSteps(ctx context.Context, f api.StepFilter) ([]*api.Step, error) {
	filter := bson.M{}
	if f.WorkflowID != "" {
		filter["workflow_id"] = f.WorkflowID
	}
	if f.State != "" {
		filter["state"] = string(f.State)
	}

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.steps.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.Step
	for cur.Next(ctx) {
		var doc mongoStepDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		st, err := fromMongoStepDoc(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, cur.Err()
}

func (s *MongoStore) ClaimNextEligible(ctx context.Context, now time.Time) (*api.Step, error) {
	nowNs := now.UnixNano()

	var doc mongoStepDoc
	err := s.steps.FindOneAndUpdate(ctx,
		bson.M{
			"state":         string(api.StepPending),
			"scheduled_for": bson.M{"$lte": nowNs},
		},
		bson.M{
			"$set": bson.M{
				"state":      string(api.StepRunning),
				"updated_at": nowNs,
			},
		},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "scheduled_for", Value: 1}, {Key: "seq", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return fromMongoStepDoc(doc)
}

func (s *MongoStore) FindNextBlocked(ctx context.Context, workflowID string, afterSeq int64) (*api.Step, error) {
	var doc mongoStepDoc
	err := s.steps.FindOne(ctx,
		bson.M{
			"workflow_id": workflowID,
			"state":       string(api.StepBlocked),
			"seq":         bson.M{"$gt": afterSeq},
		},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: 1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return fromMongoStepDoc(doc)
}

func toMongoStepDoc(st *api.Step, output []byte) mongoStepDoc {
	return mongoStepDoc{
		ID:           st.ID,
		Seq:          st.Seq,
		WorkflowID:   st.WorkflowID,
		Name:         st.Name,
		Kind:         string(st.Kind),
		WaitNs:       int64(st.Wait),
		Agent:        st.Agent,
		State:        string(st.State),
		ScheduledFor: unixNanos(st.ScheduledFor),
		Logs:         st.Logs,
		Output:       output,
		RetryCount:   st.RetryCount,
		CreatedAt:    unixNanos(st.CreatedAt),
		UpdatedAt:    unixNanos(st.UpdatedAt),
		CompletedAt:  unixNanos(st.CompletedAt),
	}
}

func fromMongoStepDoc(doc mongoStepDoc) (*api.Step, error) {
	output, err := DecodePayload(doc.Output)
	if err != nil {
		return nil, fmt.Errorf("step %s output: %w", doc.ID, err)
	}
	return &api.Step{
		ID:           doc.ID,
		WorkflowID:   doc.WorkflowID,
		Seq:          doc.Seq,
		Name:         doc.Name,
		Kind:         api.StepKind(doc.Kind),
		Wait:         time.Duration(doc.WaitNs),
		Agent:        doc.Agent,
		State:        api.StepState(doc.State),
		ScheduledFor: fromUnixNanos(doc.ScheduledFor),
		Logs:         doc.Logs,
		Output:       output,
		RetryCount:   doc.RetryCount,
		CreatedAt:    fromUnixNanos(doc.CreatedAt),
		UpdatedAt:    fromUnixNanos(doc.UpdatedAt),
		CompletedAt:  fromUnixNanos(doc.CompletedAt),
	}, nil
}

func fromMongoWorkflowDoc(doc mongoWorkflowDoc) (*api.Workflow, error) {
	c, err := DecodeContext(doc.Context)
	if err != nil {
		return nil, fmt.Errorf("workflow %s context: %w", doc.ID, err)
	}
	return &api.Workflow{
		ID:        doc.ID,
		Goal:      doc.Goal,
		Status:    api.WorkflowStatus(doc.Status),
		Context:   c,
		CreatedAt: fromUnixNanos(doc.CreatedAt),
	}, nil
}
